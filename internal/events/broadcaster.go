package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Broadcaster fans Event values out to all active SSE subscribers. Slow
// clients are skipped (non-blocking channel send with per-client buffer).
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan []byte]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// Subscribe returns a channel that receives ready-to-write SSE data frames.
// The caller must call Unsubscribe when the HTTP connection closes.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Send serializes evt as JSON and fans the SSE frame to all subscribers.
func (b *Broadcaster) Send(evt Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to marshal SSE event", "type", evt.Type, "error", err)
		return
	}
	// SSE wire format: "data: <json>\n\n"
	frame := []byte("data: ")
	frame = append(frame, raw...)
	frame = append(frame, '\n', '\n')

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
			// slow subscriber, skip this frame
		}
	}
}
