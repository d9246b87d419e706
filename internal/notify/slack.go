package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jacklau/dupes/internal/report"
)

// SlackNotifier sends report notifications to a Slack webhook.
type SlackNotifier struct {
	webhook
}

// NewSlackNotifier creates a SlackNotifier with the given webhook URL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhook: newWebhook("slack", webhookURL, 10*time.Second)}
}

// slackBlock represents a Slack Block Kit block.
type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

// slackText represents a text object in Slack Block Kit.
type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// slackPayload is the top-level Slack message payload.
type slackPayload struct {
	Blocks []slackBlock `json:"blocks"`
}

// BuildSlackPayload creates the Slack Block Kit message payload for a report.
func BuildSlackPayload(r report.Report) slackPayload {
	repoLink := fmt.Sprintf("*<https://github.com/%s/issues|%s>*", r.Repo, r.Repo)

	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{
				Type: "plain_text",
				Text: "Duplicate Analysis Complete",
			},
		},
		{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf(":link: Repository: %s\n%s", repoLink, FormatStats(r)),
			},
		},
		{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Duplicate Pairs (%d):*\n%s", len(r.Pairs), FormatPairs(r.Pairs)),
			},
		},
	}

	if r.Summary != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Summary:*\n%s", r.Summary),
			},
		})
	}

	return slackPayload{Blocks: blocks}
}

// Notify sends a Slack notification for the given report.
func (s *SlackNotifier) Notify(ctx context.Context, r report.Report) error {
	return s.deliver(ctx, r.Repo, BuildSlackPayload(r))
}
