// Package throttle enforces token budgets over a rolling 5-hour window and a
// weekly window with a zone-aware reset boundary.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/models"
)

// State is the throttle severity.
type State string

const (
	StateOK    State = "ok"
	StateSoft  State = "soft"
	StateHard  State = "hard"
	StatePause State = "pause"
)

const (
	rollingWindow     = 5 * time.Hour
	defaultPauseGrace = 15 * time.Minute
	defaultSoftPct    = 0.8
	defaultHardPct    = 0.95
)

// WindowStatus reports one window's usage.
type WindowStatus struct {
	Kind     string  `json:"kind"` // rolling5h | weekly
	Observed int64   `json:"observed"`
	Budget   int64   `json:"budget"`
	Pct      float64 `json:"pct"`
}

// Status is the engine's current verdict.
type Status struct {
	State    State          `json:"state"`
	ResumeAt time.Time      `json:"resume_at,omitzero"`
	Windows  []WindowStatus `json:"windows"`
}

// Engine evaluates usage against the configured budgets. Safe for concurrent
// use.
type Engine struct {
	Store      store.Store
	Cfg        config.ThrottleConfig
	PauseGrace time.Duration    // 0 = default 15m
	Now        func() time.Time // nil = time.Now

	mu        sync.Mutex
	hardSince time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Record stores one token-usage sample.
func (e *Engine) Record(ctx context.Context, tokens int64) error {
	return store.InsertThrottleEvent(ctx, e.Store, models.ThrottleEvent{
		ProviderID: e.Cfg.ProviderID,
		AtMs:       e.now().UnixMilli(),
		Tokens:     tokens,
	})
}

// Evaluate computes the current throttle state. A hard state that persists
// past the grace period escalates to pause.
func (e *Engine) Evaluate(ctx context.Context) (Status, error) {
	now := e.now()
	var windows []WindowStatus
	worst := StateOK

	softPct := e.Cfg.SoftPct
	if softPct <= 0 {
		softPct = defaultSoftPct
	}
	hardPct := e.Cfg.HardPct
	if hardPct <= 0 {
		hardPct = defaultHardPct
	}

	var resumeAt time.Time

	if e.Cfg.RollingBudget > 0 {
		sinceMs := now.Add(-rollingWindow).UnixMilli()
		observed, err := store.SumTokensSince(ctx, e.Store, e.Cfg.ProviderID, sinceMs)
		if err != nil {
			return Status{}, fmt.Errorf("summing rolling window: %w", err)
		}
		ws := WindowStatus{Kind: "rolling5h", Observed: observed, Budget: e.Cfg.RollingBudget,
			Pct: float64(observed) / float64(e.Cfg.RollingBudget)}
		windows = append(windows, ws)
		if st := stateFor(ws.Pct, softPct, hardPct); severity(st) > severity(worst) {
			worst = st
			// The window frees up when its oldest sample ages out.
			oldest, err := store.OldestEventSince(ctx, e.Store, e.Cfg.ProviderID, sinceMs)
			if err == nil && oldest > 0 {
				resumeAt = time.UnixMilli(oldest).Add(rollingWindow)
			}
		}
	}

	if e.Cfg.WeeklyBudget > 0 {
		lastReset := e.PrevReset(now)
		observed, err := store.SumTokensSince(ctx, e.Store, e.Cfg.ProviderID, lastReset.UnixMilli())
		if err != nil {
			return Status{}, fmt.Errorf("summing weekly window: %w", err)
		}
		ws := WindowStatus{Kind: "weekly", Observed: observed, Budget: e.Cfg.WeeklyBudget,
			Pct: float64(observed) / float64(e.Cfg.WeeklyBudget)}
		windows = append(windows, ws)
		if st := stateFor(ws.Pct, softPct, hardPct); severity(st) > severity(worst) {
			worst = st
			resumeAt = e.NextReset(now)
		}
	}

	worst = e.applyPauseGrace(worst, now)
	return Status{State: worst, ResumeAt: resumeAt, Windows: windows}, nil
}

// applyPauseGrace tracks how long a hard state has persisted and escalates
// to pause past the grace period.
func (e *Engine) applyPauseGrace(st State, now time.Time) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st != StateHard {
		e.hardSince = time.Time{}
		return st
	}
	if e.hardSince.IsZero() {
		e.hardSince = now
		return StateHard
	}
	grace := e.PauseGrace
	if grace <= 0 {
		grace = defaultPauseGrace
	}
	if now.Sub(e.hardSince) >= grace {
		return StatePause
	}
	return StateHard
}

func stateFor(pct, softPct, hardPct float64) State {
	switch {
	case pct >= hardPct:
		return StateHard
	case pct >= softPct:
		return StateSoft
	default:
		return StateOK
	}
}

func severity(s State) int {
	switch s {
	case StatePause:
		return 3
	case StateHard:
		return 2
	case StateSoft:
		return 1
	default:
		return 0
	}
}

// location resolves the configured zone, falling back to UTC.
func (e *Engine) location() *time.Location {
	if e.Cfg.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Cfg.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PrevReset returns the most recent weekly reset boundary at or before now.
// Boundaries are constructed from wall-clock fields in the configured zone,
// so a reset stays at (say) Monday 19:05 local across DST transitions.
func (e *Engine) PrevReset(now time.Time) time.Time {
	loc := e.location()
	local := now.In(loc)

	day := time.Date(local.Year(), local.Month(), local.Day(),
		e.Cfg.WeeklyResetHr, e.Cfg.WeeklyResetMin, 0, 0, loc)
	for i := 0; i < 8; i++ {
		candidate := day.AddDate(0, 0, -i)
		// Re-anchor wall time after the date shift; AddDate keeps the clock
		// reading but the zone offset may have changed across DST.
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
			e.Cfg.WeeklyResetHr, e.Cfg.WeeklyResetMin, 0, 0, loc)
		if int(candidate.Weekday()) == e.Cfg.WeeklyResetDay && !candidate.After(local) {
			return candidate
		}
	}
	return day.AddDate(0, 0, -7)
}

// NextReset returns the first weekly reset boundary strictly after now.
func (e *Engine) NextReset(now time.Time) time.Time {
	prev := e.PrevReset(now)
	loc := e.location()
	next := prev.AddDate(0, 0, 7)
	return time.Date(next.Year(), next.Month(), next.Day(),
		e.Cfg.WeeklyResetHr, e.Cfg.WeeklyResetMin, 0, 0, loc)
}
