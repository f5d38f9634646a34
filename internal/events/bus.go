// Package events is the observation surface of the daemon: an in-memory ring
// of recent events, an SSE fan-out for live subscribers, and the localhost
// dashboard listener with Prometheus metrics.
package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ralphbot/ralph/internal/watchdog"
)

// DefaultRingSize bounds the recent-event buffer.
const DefaultRingSize = 256

// Event is one observable daemon occurrence. Payloads are redacted before
// they enter the ring, so everything downstream (SSE, status dumps) is safe
// to serialize.
type Event struct {
	Type    string                 `json:"type"`
	At      string                 `json:"at"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus collects events from workers and the scheduler, keeps the last
// DefaultRingSize of them, and fans each one out to SSE subscribers.
type Bus struct {
	Redactor *watchdog.Redactor

	// Now is the clock, overridable in tests.
	Now func() time.Time

	mu   sync.Mutex
	ring []Event
	next int
	full bool

	broadcaster *Broadcaster
	counter     *prometheus.CounterVec
}

// NewBus builds a bus with its event counter registered on reg. A nil reg
// skips metrics.
func NewBus(redactor *watchdog.Redactor, reg prometheus.Registerer) *Bus {
	b := &Bus{
		Redactor:    redactor,
		Now:         time.Now,
		ring:        make([]Event, DefaultRingSize),
		broadcaster: NewBroadcaster(),
	}
	if reg != nil {
		b.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_events_total",
			Help: "Events published on the daemon bus, by type.",
		}, []string{"type"})
		reg.MustRegister(b.counter)
	}
	return b
}

// Publish records an event and pushes it to live subscribers. The signature
// matches the hook fields on Worker and Scheduler.
func (b *Bus) Publish(kind string, payload map[string]interface{}) {
	evt := Event{
		Type:    kind,
		At:      b.Now().UTC().Format(time.RFC3339),
		Payload: b.redactPayload(payload),
	}

	b.mu.Lock()
	b.ring[b.next] = evt
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()

	if b.counter != nil {
		b.counter.WithLabelValues(kind).Inc()
	}
	b.broadcaster.Send(evt)
}

// Recent returns the buffered events, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]Event, b.next)
		copy(out, b.ring[:b.next])
		return out
	}
	out := make([]Event, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	out = append(out, b.ring[:b.next]...)
	return out
}

// Subscribe returns a channel of ready-to-write SSE frames. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe() chan []byte { return b.broadcaster.Subscribe() }

func (b *Bus) Unsubscribe(ch chan []byte) { b.broadcaster.Unsubscribe(ch) }

// redactPayload scrubs string values recursively. The original maps are left
// untouched.
func (b *Bus) redactPayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = b.redactValue(v)
	}
	return out
}

func (b *Bus) redactValue(v interface{}) interface{} {
	if b.Redactor == nil {
		return v
	}
	switch t := v.(type) {
	case string:
		return b.Redactor.Redact(t)
	case []string:
		return b.Redactor.RedactAll(t)
	case map[string]interface{}:
		return b.redactPayload(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = b.redactValue(e)
		}
		return out
	default:
		return v
	}
}
