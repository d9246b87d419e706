package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogithub "github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"

	"github.com/jacklau/dupes/internal/quota"
	"github.com/jacklau/dupes/internal/retry"
)

const (
	// DefaultCapacity is GitHub's primary rate limit per credential.
	DefaultCapacity = 5000

	// DefaultWindow is the window DefaultCapacity applies to.
	DefaultWindow = time.Hour
)

// Client is a rate-limited GitHub REST client. Every request waits for a
// token from a per-credential bucket and is retried according to the
// response classification in classify.
type Client struct {
	gh      *gogithub.Client
	session *Session
	bucket  *quota.Bucket
	policy  retry.Policy
	sleep   retry.SleepFunc
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client) error

// WithBucket replaces the default 5000/hour bucket.
func WithBucket(b *quota.Bucket) Option {
	return func(c *Client) error {
		c.bucket = b
		return nil
	}
}

// WithSleep replaces the sleep used for backoff and rate limit waits.
func WithSleep(fn retry.SleepFunc) Option {
	return func(c *Client) error {
		c.sleep = fn
		return nil
	}
}

// WithClock replaces the time source used to compute rate limit resets.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		c.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parsing base URL: %w", err)
		}
		c.gh.BaseURL = u
		return nil
	}
}

// NewClient wraps an existing go-github client.
func NewClient(gh *gogithub.Client, session *Session, opts ...Option) (*Client, error) {
	if session == nil {
		return nil, errors.New("github client requires a session")
	}
	c := &Client{
		gh:      gh,
		session: session,
		sleep:   retry.Sleep,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.bucket == nil {
		b, err := quota.NewBucket(DefaultCapacity, DefaultWindow)
		if err != nil {
			return nil, err
		}
		c.bucket = b
	}
	c.policy = retry.Policy{MaxAttempts: retry.DefaultMaxAttempts, Sleep: c.sleep}
	return c, nil
}

// NewTokenClient creates a client authenticated with the session's personal
// access token. The token is read from the session on every request, so
// Invalidate takes effect immediately.
func NewTokenClient(session *Session, opts ...Option) (*Client, error) {
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: session, Base: http.DefaultTransport},
	}
	return NewClient(gogithub.NewClient(httpClient), session, opts...)
}

// NewAppClient creates a client authenticated as a GitHub App installation.
func NewAppClient(appID, installationID int64, privateKey []byte, privateKeyPath string, opts ...Option) (*Client, error) {
	gh, err := NewGitHubClient(appID, installationID, privateKey, privateKeyPath)
	if err != nil {
		return nil, err
	}
	return NewClient(gh, NewAppSession(), opts...)
}

// Session returns the session the client authenticates with.
func (c *Client) Session() *Session {
	return c.session
}

// Bucket returns the client's request bucket.
func (c *Client) Bucket() *quota.Bucket {
	return c.bucket
}

// Request performs one API call. path is relative to the API root, e.g.
// "repos/octocat/hello-world". If v is non-nil the JSON response is decoded
// into it. Rate limited and 5xx responses are retried up to three times with
// 1s/2s backoff; a 401 invalidates the session and returns
// ErrCredentialExpired.
func (c *Client) Request(ctx context.Context, method, path string, body, v any) error {
	path = strings.TrimPrefix(path, "/")
	_, err := retry.Run(ctx, c.policy, func(ctx context.Context) retry.Result[struct{}] {
		if !c.session.Authenticated() {
			return retry.Fatal[struct{}](ErrCredentialExpired)
		}
		if err := c.bucket.Wait(ctx); err != nil {
			return retry.Fatal[struct{}](err)
		}

		req, err := c.gh.NewRequest(method, path, body)
		if err != nil {
			return retry.Fatal[struct{}](fmt.Errorf("building request: %w", err))
		}

		resp, err := c.gh.Do(ctx, req, v)
		if err == nil && resp != nil {
			if rl := ParseRateLimit(resp.Response); rl.ShouldThrottle() {
				c.logger.Warn("github rate limit low", "remaining", rl.Remaining, "reset", rl.Reset)
			}
		}
		return c.classify(ctx, method, path, err)
	})
	return err
}

// classify maps the outcome of one attempt to a retry decision.
func (c *Client) classify(ctx context.Context, method, path string, err error) retry.Result[struct{}] {
	if err == nil {
		return retry.Success(struct{}{})
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return retry.Fatal[struct{}](ctxErr)
	}

	logger := c.logger.With("method", method, "path", path)

	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		wait := rateErr.Rate.Reset.Time.Sub(c.now())
		logger.Warn("github rate limit exceeded, waiting for reset", "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return retry.Fatal[struct{}](err)
		}
		return retry.Retry[struct{}](err)
	}

	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := defaultRetryAfter
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		} else if d, ok := RetryAfter(abuseErr.Response); ok {
			wait = d
		}
		logger.Warn("github secondary rate limit, backing off", "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return retry.Fatal[struct{}](err)
		}
		return retry.Retry[struct{}](err)
	}

	var respErr *gogithub.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		resp := respErr.Response
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			logger.Error("github credential rejected")
			c.session.Invalidate()
			return retry.Fatal[struct{}](ErrCredentialExpired)

		case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Reset") != "":
			wait := ParseRateLimit(resp).WaitDuration(c.now())
			logger.Warn("github returned 403 with rate limit reset, waiting", "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return retry.Fatal[struct{}](err)
			}
			return retry.Retry[struct{}](err)

		case IsServerError(resp):
			logger.Warn("github server error, retrying", "status", resp.StatusCode)
			return retry.Retry[struct{}](err)
		}
		return retry.Fatal[struct{}](fmt.Errorf("github %s %s: %w", method, path, err))
	}

	logger.Error("github request failed", "error", err)
	return retry.Fatal[struct{}](fmt.Errorf("github %s %s: %w", method, path, err))
}

// ListOpenIssues returns one page of open issues, pull requests included.
// Callers filter on Issue.IsPullRequest.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo string, page, perPage int) ([]Issue, error) {
	path := fmt.Sprintf("repos/%s/%s/issues?state=open&per_page=%d&page=%d",
		url.PathEscape(owner), url.PathEscape(repo), perPage, page)

	var raw []*gogithub.Issue
	if err := c.Request(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("listing issues for %s/%s page %d: %w", owner, repo, page, err)
	}

	issues := make([]Issue, 0, len(raw))
	for _, gi := range raw {
		if gi == nil {
			continue
		}
		issues = append(issues, convertIssue(gi))
	}
	return issues, nil
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	path := fmt.Sprintf("repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))

	var raw gogithub.Repository
	if err := c.Request(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("getting repository %s/%s: %w", owner, repo, err)
	}
	return convertRepository(&raw), nil
}

// NewGitHubClient creates a GitHub API client authenticated as a GitHub App
// installation. It uses ghinstallation for automatic JWT and installation
// token management.
//
// privateKey can be either:
//   - Raw PEM bytes (begins with "-----BEGIN")
//   - Base64-encoded PEM bytes
//
// If privateKey is nil or empty and privateKeyPath is provided, the key is
// read from that file path.
func NewGitHubClient(appID, installationID int64, privateKey []byte, privateKeyPath string) (*gogithub.Client, error) {
	key, err := resolvePrivateKey(privateKey, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("resolving private key: %w", err)
	}

	transport, err := ghinstallation.New(http.DefaultTransport, appID, installationID, key)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}

	return gogithub.NewClient(&http.Client{Transport: transport}), nil
}

// resolvePrivateKey returns PEM-encoded private key bytes from either the
// provided raw/base64-encoded key or by reading from a file path.
func resolvePrivateKey(key []byte, keyPath string) ([]byte, error) {
	if len(key) > 0 {
		s := strings.TrimSpace(string(key))
		if strings.HasPrefix(s, "-----BEGIN") {
			return []byte(s), nil
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			decoded, err = base64.URLEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("private key is neither PEM nor valid base64: %w", err)
			}
		}
		return decoded, nil
	}

	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key file %s: %w", keyPath, err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("no private key provided: set private_key or private_key_path")
}
