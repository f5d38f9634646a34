package notify

import (
	"context"
	"log/slog"

	"github.com/ralphbot/ralph/internal/config"
)

// Dispatcher fans out events to all configured channels.
type Dispatcher struct {
	channels []Channel
	events   map[string]bool // event types to send (empty config = defaults)
}

// defaultEvents is the set of event types that notify when cfg.Events is
// empty. Merges are routine, so they stay quiet by default.
var defaultEvents = map[string]bool{
	"escalated":     true,
	"blocked":       true,
	"watchdog_trip": true,
	"throttle_hard": true,
}

// NewDispatcher creates a Dispatcher from the given config. Only channels
// with IsConfigured() == true are active.
func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	d := &Dispatcher{}
	if len(cfg.Events) > 0 {
		d.events = make(map[string]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			d.events[e] = true
		}
	} else {
		d.events = defaultEvents
	}

	channels := []Channel{
		NewSlack(cfg.Slack),
		NewWebhook(cfg.Webhook),
	}
	for _, ch := range channels {
		if ch.IsConfigured() {
			d.channels = append(d.channels, ch)
		}
	}
	return d
}

// IsAnyConfigured returns true if at least one channel is ready to send.
func (d *Dispatcher) IsAnyConfigured() bool {
	return len(d.channels) > 0
}

// Notify sends evt to all configured channels. Errors are logged but never
// returned.
func (d *Dispatcher) Notify(ctx context.Context, evt Event) {
	if !d.events[evt.Type] {
		return
	}
	for _, ch := range d.channels {
		if err := ch.Send(ctx, evt); err != nil {
			slog.Warn("Notification send failed", "channel", ch.Name(), "event", evt.Type, "error", err)
		}
	}
}
