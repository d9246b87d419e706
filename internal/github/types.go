package github

import gogithub "github.com/google/go-github/v60/github"

// Issue is an open GitHub issue as seen by the analysis pipeline.
type Issue struct {
	Number        int
	Title         string
	Body          string
	Labels        []string
	IsPullRequest bool
}

// Repository holds the repository metadata needed before fetching issues.
type Repository struct {
	FullName string
	Private  bool
	// OpenIssues is GitHub's open_issues_count. It includes pull requests,
	// so it is only an estimate of the issue total.
	OpenIssues int
	CanPull    bool
}

func convertIssue(gi *gogithub.Issue) Issue {
	issue := Issue{
		Number:        gi.GetNumber(),
		Title:         gi.GetTitle(),
		Body:          gi.GetBody(),
		IsPullRequest: gi.IsPullRequest(),
	}
	for _, l := range gi.Labels {
		if l != nil && l.Name != nil {
			issue.Labels = append(issue.Labels, l.GetName())
		}
	}
	return issue
}

func convertRepository(r *gogithub.Repository) *Repository {
	private := r.GetPrivate()
	perms := r.GetPermissions()
	canPull := perms["pull"]
	if perms == nil {
		// Without a permissions block the caller can read the repo only if it is public.
		canPull = !private
	}
	return &Repository{
		FullName:   r.GetFullName(),
		Private:    private,
		OpenIssues: r.GetOpenIssuesCount(),
		CanPull:    canPull,
	}
}
