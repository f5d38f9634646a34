package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/store"
)

func newTestEngine(t *testing.T, cfg config.ThrottleConfig) *Engine {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = "anthropic"
	}
	return &Engine{Store: s, Cfg: cfg}
}

func TestWeeklyResetAcrossSpringForward(t *testing.T) {
	e := newTestEngine(t, config.ThrottleConfig{
		WeeklyBudget:   1,
		WeeklyResetDay: 1, // Monday
		WeeklyResetHr:  19,
		WeeklyResetMin: 5,
		TimeZone:       "America/Indiana/Indianapolis",
	})

	// DST spring-forward happened 2026-03-08; this now is the Monday after,
	// 18:00 local (EDT), just before the 19:05 boundary.
	now := time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC)

	next := e.NextReset(now)
	prev := e.PrevReset(now)

	loc, err := time.LoadLocation("America/Indiana/Indianapolis")
	if err != nil {
		t.Fatalf("loading zone: %v", err)
	}
	nextLocal := next.In(loc)
	if nextLocal.Weekday() != time.Monday || nextLocal.Hour() != 19 || nextLocal.Minute() != 5 {
		t.Errorf("next reset local = %v, want Monday 19:05", nextLocal)
	}
	prevLocal := prev.In(loc)
	if prevLocal.Weekday() != time.Monday || prevLocal.Hour() != 19 || prevLocal.Minute() != 5 {
		t.Errorf("prev reset local = %v, want Monday 19:05", prevLocal)
	}

	// The interval around spring-forward is 7 days minus the lost hour. A
	// naive +7*24h implementation fails this bound.
	span := next.Sub(prev)
	lo := time.Duration(6.8 * 24 * float64(time.Hour))
	hi := time.Duration(7.2 * 24 * float64(time.Hour))
	if span < lo || span > hi {
		t.Errorf("reset span = %v, want within [6.8, 7.2] x 24h", span)
	}
	if span == 7*24*time.Hour {
		t.Error("reset span is exactly 7x24h; expected the DST hour to shift it")
	}
}

func TestEvaluateStateLadder(t *testing.T) {
	e := newTestEngine(t, config.ThrottleConfig{
		RollingBudget: 1000,
		SoftPct:       0.8,
		HardPct:       0.95,
	})
	ctx := context.Background()

	status, err := e.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate empty: %v", err)
	}
	if status.State != StateOK {
		t.Errorf("empty state = %s, want ok", status.State)
	}

	if err := e.Record(ctx, 850); err != nil {
		t.Fatalf("record: %v", err)
	}
	status, err = e.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate soft: %v", err)
	}
	if status.State != StateSoft {
		t.Errorf("state at 85%% = %s, want soft", status.State)
	}

	if err := e.Record(ctx, 120); err != nil {
		t.Fatalf("record: %v", err)
	}
	status, err = e.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate hard: %v", err)
	}
	if status.State != StateHard {
		t.Errorf("state at 97%% = %s, want hard", status.State)
	}
	if status.ResumeAt.IsZero() {
		t.Error("hard state missing resumeAt")
	}
}

func TestHardEscalatesToPauseAfterGrace(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	now := base
	e := newTestEngine(t, config.ThrottleConfig{RollingBudget: 100})
	e.PauseGrace = 15 * time.Minute
	e.Now = func() time.Time { return now }
	ctx := context.Background()

	if err := e.Record(ctx, 100); err != nil {
		t.Fatalf("record: %v", err)
	}

	status, _ := e.Evaluate(ctx)
	if status.State != StateHard {
		t.Fatalf("first evaluate = %s, want hard", status.State)
	}

	now = base.Add(10 * time.Minute)
	status, _ = e.Evaluate(ctx)
	if status.State != StateHard {
		t.Errorf("within grace = %s, want hard", status.State)
	}

	now = base.Add(16 * time.Minute)
	status, _ = e.Evaluate(ctx)
	if status.State != StatePause {
		t.Errorf("past grace = %s, want pause", status.State)
	}
}

func TestHardGraceResetsOnRecovery(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	now := base
	e := newTestEngine(t, config.ThrottleConfig{RollingBudget: 100})
	e.PauseGrace = 15 * time.Minute
	e.Now = func() time.Time { return now }
	ctx := context.Background()

	if err := e.Record(ctx, 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if status, _ := e.Evaluate(ctx); status.State != StateHard {
		t.Fatalf("setup state not hard: %s", status.State)
	}

	// The sample ages out of the rolling window; state recovers and the
	// pause clock must restart on the next hard episode.
	now = base.Add(6 * time.Hour)
	if status, _ := e.Evaluate(ctx); status.State != StateOK {
		t.Fatalf("state after window aged out: %s", status.State)
	}

	if err := e.Record(ctx, 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if status, _ := e.Evaluate(ctx); status.State != StateHard {
		t.Errorf("fresh hard episode state = %s, want hard (not pause)", status.State)
	}
}

func TestWeeklyWindowObservesSinceReset(t *testing.T) {
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC) // Wednesday
	e := newTestEngine(t, config.ThrottleConfig{
		WeeklyBudget:   1000,
		WeeklyResetDay: 1, // Monday 00:00 UTC
		TimeZone:       "UTC",
	})
	e.Now = func() time.Time { return now }
	ctx := context.Background()

	// One sample before Monday's reset, one after.
	before := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	after := time.Date(2026, 8, 4, 12, 0, 0, 0, time.UTC)
	seedEvent(t, e, before, 900)
	seedEvent(t, e, after, 100)

	status, err := e.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(status.Windows) != 1 || status.Windows[0].Observed != 100 {
		t.Errorf("windows = %+v, want weekly observed 100", status.Windows)
	}
}

func seedEvent(t *testing.T, e *Engine, at time.Time, tokens int64) {
	t.Helper()
	saved := e.Now
	e.Now = func() time.Time { return at }
	if err := e.Record(context.Background(), tokens); err != nil {
		t.Fatalf("seeding event: %v", err)
	}
	e.Now = saved
}
