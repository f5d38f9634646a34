// Package watchdog watches the agent event stream for hung tools, stalled
// output, and tool-call loops.
package watchdog

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ralphbot/ralph/internal/agentproc"
	"github.com/ralphbot/ralph/internal/config"
)

// Trip kinds.
const (
	KindWatchdog = "watchdog"
	KindStall    = "stall"
	KindLoop     = "loop"
)

// MaxRetries bounds agent re-runs after a trip before the task escalates.
const MaxRetries = 3

// Backoff returns the delay before re-running the agent after trip number
// attempt (0-based): 0s, 1s, 4s.
func Backoff(attempt int) time.Duration {
	switch {
	case attempt <= 0:
		return 0
	case attempt == 1:
		return time.Second
	default:
		return 4 * time.Second
	}
}

// WatchdogTimeout describes a tool call that exceeded its hard deadline.
type WatchdogTimeout struct {
	ToolName          string   `json:"toolName"`
	CallID            string   `json:"callId"`
	ElapsedMs         int64    `json:"elapsedMs"`
	SoftMs            int64    `json:"softMs"`
	HardMs            int64    `json:"hardMs"`
	LastProgressMsAgo int64    `json:"lastProgressMsAgo"`
	RecentEvents      []string `json:"recentEvents"`
}

// StallTimeout describes a stream with no output for the idle window.
type StallTimeout struct {
	IdleMs       int64    `json:"idleMs"`
	RecentEvents []string `json:"recentEvents"`
}

// LoopTrip describes identical tool arguments repeating above threshold.
type LoopTrip struct {
	WindowCount int    `json:"windowCount"`
	Sample      string `json:"sample"`
}

// Trip is one detector firing. Exactly one detail field is set.
type Trip struct {
	Kind     string
	Watchdog *WatchdogTimeout
	Stall    *StallTimeout
	Loop     *LoopTrip
}

// TripError lets trips travel through error returns while staying matchable.
type TripError struct {
	Trip *Trip
}

func (e *TripError) Error() string {
	switch e.Trip.Kind {
	case KindWatchdog:
		w := e.Trip.Watchdog
		return fmt.Sprintf("watchdog: tool %s (call %s) exceeded %dms hard limit after %dms",
			w.ToolName, w.CallID, w.HardMs, w.ElapsedMs)
	case KindStall:
		return fmt.Sprintf("watchdog: stream stalled for %dms", e.Trip.Stall.IdleMs)
	case KindLoop:
		return fmt.Sprintf("watchdog: tool loop, %d identical calls in window", e.Trip.Loop.WindowCount)
	}
	return "watchdog: trip"
}

const recentEventCap = 10

type toolCall struct {
	name         string
	callID       string
	startedAt    time.Time
	lastProgress time.Time
}

// Monitor runs the three detectors over one agent session's event stream.
// Feed every event through Observe; call Check periodically for the
// time-based detectors. Not safe for concurrent use; drive it from the
// single goroutine that owns the stream.
type Monitor struct {
	Cfg      config.WatchdogConfig
	Redactor *Redactor
	Log      *slog.Logger
	Now      func() time.Time // nil = time.Now

	started    bool
	lastOutput time.Time
	inflight   map[string]*toolCall
	recent     []string // redacted later, raw here
	loopSeen   []string // recent tool-start fingerprints, oldest first
	softWarned map[string]bool
}

func NewMonitor(cfg config.WatchdogConfig, red *Redactor, log *slog.Logger) *Monitor {
	if red == nil {
		red = &Redactor{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		Cfg:        cfg,
		Redactor:   red,
		Log:        log,
		inflight:   make(map[string]*toolCall),
		softWarned: make(map[string]bool),
	}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Observe feeds one event into the detectors. A non-nil trip means the
// session must be torn down.
func (m *Monitor) Observe(ev agentproc.Event) *Trip {
	now := m.now()
	m.started = true
	m.lastOutput = now
	m.pushRecent(ev)

	switch ev.Kind {
	case agentproc.KindToolStart:
		m.inflight[ev.CallID] = &toolCall{
			name: ev.Tool, callID: ev.CallID, startedAt: now, lastProgress: now,
		}
		if trip := m.observeLoop(ev); trip != nil {
			return trip
		}
	case agentproc.KindToolProgress:
		if tc, ok := m.inflight[ev.CallID]; ok {
			tc.lastProgress = now
		}
	case agentproc.KindToolEnd:
		delete(m.inflight, ev.CallID)
		delete(m.softWarned, ev.CallID)
	}
	return nil
}

// Check runs the time-based detectors. Call it on a ticker while the stream
// is quiet; Observe alone cannot fire these because a hung stream produces
// no events.
func (m *Monitor) Check() *Trip {
	now := m.now()

	if m.Cfg.HardMs > 0 || m.Cfg.SoftMs > 0 {
		for _, tc := range m.inflight {
			elapsed := now.Sub(tc.startedAt).Milliseconds()
			if m.Cfg.SoftMs > 0 && elapsed >= m.Cfg.SoftMs && !m.softWarned[tc.callID] {
				m.softWarned[tc.callID] = true
				m.Log.Warn("tool call past soft limit",
					"tool", tc.name, "call_id", tc.callID, "elapsed_ms", elapsed, "soft_ms", m.Cfg.SoftMs)
			}
			if m.Cfg.HardMs > 0 && elapsed >= m.Cfg.HardMs {
				return &Trip{Kind: KindWatchdog, Watchdog: &WatchdogTimeout{
					ToolName:          tc.name,
					CallID:            tc.callID,
					ElapsedMs:         elapsed,
					SoftMs:            m.Cfg.SoftMs,
					HardMs:            m.Cfg.HardMs,
					LastProgressMsAgo: now.Sub(tc.lastProgress).Milliseconds(),
					RecentEvents:      m.Redactor.RedactAll(m.recent),
				}}
			}
		}
	}

	if m.Cfg.IdleMs > 0 && m.started {
		idle := now.Sub(m.lastOutput).Milliseconds()
		if idle >= m.Cfg.IdleMs {
			return &Trip{Kind: KindStall, Stall: &StallTimeout{
				IdleMs:       idle,
				RecentEvents: m.Redactor.RedactAll(m.recent),
			}}
		}
	}
	return nil
}

// observeLoop fingerprints tool starts by (tool, args) and trips when the
// same fingerprint repeats past threshold inside the sliding window.
func (m *Monitor) observeLoop(ev agentproc.Event) *Trip {
	if m.Cfg.LoopThreshold <= 0 || m.Cfg.LoopWindow <= 0 {
		return nil
	}
	fp := ev.Tool + "\x00" + string(ev.Args)
	m.loopSeen = append(m.loopSeen, fp)
	if len(m.loopSeen) > m.Cfg.LoopWindow {
		m.loopSeen = m.loopSeen[len(m.loopSeen)-m.Cfg.LoopWindow:]
	}
	count := 0
	for _, s := range m.loopSeen {
		if s == fp {
			count++
		}
	}
	if count >= m.Cfg.LoopThreshold {
		sample := m.Redactor.Redact(ev.Tool + " " + string(ev.Args))
		return &Trip{Kind: KindLoop, Loop: &LoopTrip{WindowCount: count, Sample: sample}}
	}
	return nil
}

func (m *Monitor) pushRecent(ev agentproc.Event) {
	m.recent = append(m.recent, ev.Raw)
	if len(m.recent) > recentEventCap {
		m.recent = m.recent[len(m.recent)-recentEventCap:]
	}
}
