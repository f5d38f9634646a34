// Package notify fans daemon events out to operator channels (Slack,
// generic webhooks). Sends are best-effort; a failed channel never blocks
// the worker that raised the event.
package notify

import "context"

// Event is one operator-facing notification.
type Event struct {
	Type     string         // "escalated" | "blocked" | "watchdog_trip" | "merged" | "throttle_hard"
	Title    string
	Body     string
	URL      string         // optional deep link (PR or issue URL)
	RepoSlug string         // "owner/name"
	Issue    int            // 0 when the event is not issue-scoped
	Metadata map[string]any // extra structured data
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}
