package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/forge"
	"github.com/ralphbot/ralph/internal/queue"
	"github.com/ralphbot/ralph/internal/scheduler"
	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/internal/syncer"
	"github.com/ralphbot/ralph/models"
)

// Supervisor is the root of the daemon: one issue poller per repo, the
// scheduler loop, cron-driven maintenance, and the control plane.
type Supervisor struct {
	Cfg       *config.Config
	Store     store.Store
	Forge     *forge.Client
	Queue     *queue.Driver
	Scheduler *scheduler.Scheduler
	Control   *ControlFile
	DaemonID  string
	Version   string

	// CheckpointAll asks every running worker to park (control mode paused).
	CheckpointAll func(ctx context.Context)

	// SchedulerInterval overrides the claim-loop cadence (tests).
	SchedulerInterval time.Duration

	// ControlPollInterval overrides the control-file poll cadence used when
	// inotify is unavailable (tests).
	ControlPollInterval time.Duration
}

// Run blocks until ctx is cancelled, then shuts down within the grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.registerDaemon(ctx); err != nil {
		return err
	}
	defer s.unregisterDaemon()

	// First poll materializes task rows but never mutates labels.
	if err := s.Queue.InitialPoll(ctx); err != nil {
		return fmt.Errorf("initial poll: %w", err)
	}

	var wg sync.WaitGroup

	stop := make(chan struct{})
	defer close(stop)
	if err := s.Control.Watch(stop, s.applyControl); err != nil {
		slog.Warn("Control watch unavailable, polling control file instead", "error", err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.controlPollLoop(ctx)
		}()
	}

	for _, repo := range s.Cfg.Repos {
		poller := &syncer.Poller{
			RepoSlug:     repo.Slug(),
			Store:        s.Store,
			Forge:        s.Forge,
			BaseInterval: time.Duration(s.Cfg.Daemon.SyncIntervalMs) * time.Millisecond,
			MaxBackoff:   5 * time.Minute,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	maint := s.startMaintenance(ctx)
	defer maint.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.schedulerLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(ctx)
	}()

	<-ctx.Done()
	slog.Info("Shutting down", "grace_ms", s.Cfg.Daemon.ShutdownGraceMs)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	grace := time.Duration(s.Cfg.Daemon.ShutdownGraceMs) * time.Millisecond
	if grace <= 0 {
		grace = 15 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("Shutdown grace expired with goroutines still live")
	}
	return ctx.Err()
}

// startMaintenance schedules the periodic sweeps: stale-sweep via the queue
// driver, done-reconciliation, and throttle-event pruning.
func (s *Supervisor) startMaintenance(ctx context.Context) *cron.Cron {
	c := cron.New()

	c.AddFunc("@every 2m", func() {
		// TasksByStatus(in-progress) runs the stale-sweep as a side effect.
		if _, err := s.Queue.TasksByStatus(ctx, models.StatusInProgress); err != nil {
			slog.Warn("Maintenance sweep failed", "error", err)
		}
		for _, repo := range s.Cfg.Repos {
			rec := &syncer.DoneReconciler{RepoSlug: repo.Slug(), Store: s.Store, Forge: s.Forge}
			if err := rec.ReconcileOnce(ctx); err != nil {
				slog.Warn("Done reconciliation failed", "repo", repo.Slug(), "error", err)
			}
		}
	})

	c.AddFunc("@every 1h", func() {
		// Throttle events older than 8 days can never affect any window.
		cutoff := time.Now().AddDate(0, 0, -8).UnixMilli()
		if err := store.PruneThrottleEvents(ctx, s.Store, cutoff); err != nil {
			slog.Warn("Pruning throttle events failed", "error", err)
		}
	})

	c.Start()
	return c
}

// controlPollLoop is the fallback when inotify is unavailable: it reads the
// control file each interval and reapplies the mode on change, so draining
// and paused still take effect.
func (s *Supervisor) controlPollLoop(ctx context.Context) {
	interval := s.ControlPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	var last ControlState
	apply := func() {
		state, err := s.Control.Read()
		if err != nil {
			slog.Warn("Control file unreadable", "error", err)
			return
		}
		if state == last {
			return
		}
		last = state
		s.applyControl(state)
	}
	apply()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			apply()
		}
	}
}

func (s *Supervisor) schedulerLoop(ctx context.Context) {
	interval := s.SchedulerInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scheduler.Tick(ctx); err != nil {
				slog.Warn("Scheduler tick failed", "error", err)
			}
		}
	}
}

// applyControl reacts to control.json changes.
func (s *Supervisor) applyControl(state ControlState) {
	slog.Info("Control mode", "mode", state.Mode)
	switch state.Mode {
	case models.ModeRunning:
		s.Scheduler.SetDraining(false)
	case models.ModeDraining:
		s.Scheduler.SetDraining(true)
	case models.ModePaused:
		s.Scheduler.SetDraining(true)
		if s.CheckpointAll != nil {
			s.CheckpointAll(context.Background())
		}
	}
}

func (s *Supervisor) registerDaemon(ctx context.Context) error {
	cwd, _ := os.Getwd()
	rec := models.DaemonRecord{
		DaemonID:        s.DaemonID,
		PID:             os.Getpid(),
		StartedAt:       time.Now().UTC().Format(time.RFC3339),
		HeartbeatAt:     time.Now().UTC().Format(time.RFC3339),
		ControlRoot:     s.Cfg.Daemon.ControlRoot,
		ControlFilePath: s.Control.Path,
		RalphVersion:    s.Version,
		Command:         strings.Join(os.Args, " "),
		Cwd:             cwd,
		StartIdentity:   StartIdentity(os.Getpid()),
	}
	if err := store.UpsertDaemonRecord(ctx, s.Store, rec); err != nil {
		return fmt.Errorf("registering daemon: %w", err)
	}
	return nil
}

func (s *Supervisor) unregisterDaemon() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.DeleteDaemonRecord(ctx, s.Store, s.DaemonID); err != nil {
		slog.Warn("Removing daemon record failed", "error", err)
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.Cfg.Daemon.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := store.GetDaemonRecord(ctx, s.Store, s.DaemonID)
			if err != nil {
				continue
			}
			rec.HeartbeatAt = time.Now().UTC().Format(time.RFC3339)
			if err := store.UpsertDaemonRecord(ctx, s.Store, rec); err != nil {
				slog.Warn("Daemon heartbeat failed", "error", err)
			}
		}
	}
}
