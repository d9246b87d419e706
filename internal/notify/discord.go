package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jacklau/dupes/internal/report"
)

const (
	discordColorClean      = 3066993  // green
	discordColorDuplicates = 15105570 // orange
)

// DiscordNotifier sends report notifications to a Discord webhook.
type DiscordNotifier struct {
	webhook
}

// NewDiscordNotifier creates a DiscordNotifier with the given webhook URL.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{webhook: newWebhook("discord", webhookURL, 30*time.Second)}
}

// discordEmbed represents a Discord embed object.
type discordEmbed struct {
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

// discordField represents a field in a Discord embed.
type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// discordFooter represents the footer of a Discord embed.
type discordFooter struct {
	Text string `json:"text"`
}

// discordPayload is the top-level Discord webhook payload.
type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// BuildDiscordPayload creates the Discord embed message payload for a report.
func BuildDiscordPayload(r report.Report) discordPayload {
	color := discordColorClean
	if len(r.Pairs) > 0 {
		color = discordColorDuplicates
	}

	embed := discordEmbed{
		Title:       fmt.Sprintf("Duplicate analysis: %s", r.Repo),
		URL:         fmt.Sprintf("https://github.com/%s/issues", r.Repo),
		Description: r.Summary,
		Color:       color,
		Fields: []discordField{
			{
				Name:   "Issues",
				Value:  FormatStats(r),
				Inline: true,
			},
			{
				Name:   fmt.Sprintf("Duplicate Pairs (%d)", len(r.Pairs)),
				Value:  FormatPairs(r.Pairs),
				Inline: false,
			},
		},
		Footer: &discordFooter{
			Text: fmt.Sprintf("dupes - job %s", r.JobID),
		},
	}

	return discordPayload{
		Embeds: []discordEmbed{embed},
	}
}

// Notify sends a Discord notification for the given report.
func (d *DiscordNotifier) Notify(ctx context.Context, r report.Report) error {
	return d.deliver(ctx, r.Repo, BuildDiscordPayload(r))
}
