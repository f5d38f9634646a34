// Package scheduler allocates queued tasks to repo slots: weighted
// round-robin across repos, per-repo slot bitmaps, a global worker cap, and
// the throttle gate.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/queue"
	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/internal/throttle"
	"github.com/ralphbot/ralph/models"
)

// Dispatch hands a claimed task to a worker. It runs on the scheduler
// goroutine and must return quickly (spawn and go).
type Dispatch func(ctx context.Context, repo config.RepoConfig, task models.Task)

// CheckpointFn asks a running task to park for throttle pause.
type CheckpointFn func(ctx context.Context, task models.Task)

// Scheduler drives claim decisions each tick.
type Scheduler struct {
	Store    store.Store
	Queue    *queue.Driver
	Throttle *throttle.Engine
	Repos    []config.RepoConfig

	MaxWorkers int
	DaemonID   string
	WorkerID   string

	Dispatch   Dispatch
	Checkpoint CheckpointFn // nil disables pause checkpointing

	// Publish emits dashboard events; nil disables.
	Publish func(kind string, payload map[string]interface{})

	mu      sync.Mutex
	slots   map[string][]bool // repo slug -> in-use bitmap
	running map[string]models.Task
	paused  bool // control-plane draining/paused flag
}

func (s *Scheduler) publish(kind string, payload map[string]interface{}) {
	if s.Publish != nil {
		s.Publish(kind, payload)
	}
}

// SetDraining stops new claims without cancelling in-flight work.
func (s *Scheduler) SetDraining(v bool) {
	s.mu.Lock()
	s.paused = v
	s.mu.Unlock()
}

// Running returns a snapshot of in-flight tasks.
func (s *Scheduler) Running() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Task, 0, len(s.running))
	for _, t := range s.running {
		out = append(out, t)
	}
	return out
}

// Tick evaluates the throttle gate and claims as many tasks as slots allow.
func (s *Scheduler) Tick(ctx context.Context) error {
	status, err := s.Throttle.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluating throttle: %w", err)
	}
	switch status.State {
	case throttle.StatePause:
		s.publish("throttle", map[string]interface{}{"state": "pause", "resume_at": status.ResumeAt})
		s.checkpointRunning(ctx)
		return nil
	case throttle.StateHard:
		s.publish("throttle", map[string]interface{}{"state": "hard", "resume_at": status.ResumeAt})
		return nil
	case throttle.StateSoft:
		slog.Warn("Token budget in soft state, continuing to claim", "windows", status.Windows)
	}

	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return nil
	}

	queued, err := s.Queue.QueuedTasks(ctx)
	if err != nil {
		return fmt.Errorf("listing queued tasks: %w", err)
	}

	byRepo := make(map[string][]models.Task)
	for _, t := range queued {
		byRepo[t.Repo] = append(byRepo[t.Repo], t)
	}
	// Within a repo, most urgent priority first, then oldest issue.
	for slug := range byRepo {
		tasks := byRepo[slug]
		sort.SliceStable(tasks, func(i, j int) bool {
			pi, pj := s.taskPriority(ctx, tasks[i]), s.taskPriority(ctx, tasks[j])
			if pi != pj {
				return pi < pj
			}
			return tasks[i].Number < tasks[j].Number
		})
	}

	order := s.repoOrder()

	// Round-robin passes: one claim per repo per pass until saturation or a
	// full pass claims nothing.
	for {
		claimedAny := false
		for _, repo := range order {
			if s.globalSaturated() {
				return nil
			}
			tasks := byRepo[repo.Slug()]
			for len(tasks) > 0 {
				task := tasks[0]
				tasks = tasks[1:]
				ok, err := s.tryClaim(ctx, repo, task)
				if err != nil {
					slog.Warn("Claim failed", "task", task.TaskPath, "error", err)
					continue
				}
				if ok {
					claimedAny = true
					break
				}
			}
			byRepo[repo.Slug()] = tasks
		}
		if !claimedAny {
			return nil
		}
	}
}

// tryClaim verifies claimability and takes the lease plus a repo slot.
func (s *Scheduler) tryClaim(ctx context.Context, repo config.RepoConfig, task models.Task) (bool, error) {
	// No open PR may already be associated.
	snaps, err := store.ListPRSnapshots(ctx, s.Store, task.Repo, task.Number)
	if err != nil {
		return false, err
	}
	if pr := models.SelectCanonicalPR(snaps); pr != nil && pr.State == models.PROpen {
		return false, nil
	}

	slot, ok := s.allocSlot(repo, task.RepoSlot)
	if !ok {
		return false, nil
	}

	nowMs := time.Now().UnixMilli()
	err = s.Store.Tx(ctx, func(q store.Querier) error {
		_, err := store.ClaimOpState(ctx, q, models.OpState{
			TaskPath:    task.TaskPath,
			DaemonID:    s.DaemonID,
			WorkerID:    s.WorkerID,
			ClaimedMs:   nowMs,
			HeartbeatMs: nowMs,
		})
		return err
	})
	if errors.Is(err, store.ErrLeaseHeld) {
		s.freeSlot(repo.Slug(), slot)
		return false, nil
	}
	if err != nil {
		s.freeSlot(repo.Slug(), slot)
		return false, err
	}

	task.RepoSlot = slot
	task.DaemonID = s.DaemonID
	if err := store.UpsertTask(ctx, s.Store, task); err != nil {
		slog.Warn("Persisting claimed slot failed", "task", task.TaskPath, "error", err)
	}

	s.mu.Lock()
	s.running[task.TaskPath] = task
	s.mu.Unlock()

	slog.Info("Claimed task", "task", task.TaskPath, "slot", slot)
	s.Dispatch(ctx, repo, task)
	return true, nil
}

// Release returns the task's slot and drops it from the running set. Workers
// call this on every exit path.
func (s *Scheduler) Release(task models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, task.TaskPath)
	s.freeSlotLocked(task.Repo, task.RepoSlot)
}

// allocSlot reserves a slot: the persisted one when free, else the lowest
// free index.
func (s *Scheduler) allocSlot(repo config.RepoConfig, persisted int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slots == nil {
		s.slots = make(map[string][]bool)
	}
	if s.running == nil {
		s.running = make(map[string]models.Task)
	}
	n := repo.ConcurrencySlots
	if n <= 0 {
		n = 1
	}
	bitmap := s.slots[repo.Slug()]
	if len(bitmap) < n {
		grown := make([]bool, n)
		copy(grown, bitmap)
		bitmap = grown
		s.slots[repo.Slug()] = bitmap
	}

	if persisted >= 0 && persisted < n && !bitmap[persisted] {
		bitmap[persisted] = true
		return persisted, true
	}
	for i := 0; i < n; i++ {
		if !bitmap[i] {
			bitmap[i] = true
			return i, true
		}
	}
	return 0, false
}

func (s *Scheduler) freeSlot(slug string, slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeSlotLocked(slug, slot)
}

func (s *Scheduler) freeSlotLocked(slug string, slot int) {
	bitmap := s.slots[slug]
	if slot >= 0 && slot < len(bitmap) {
		bitmap[slot] = false
	}
}

func (s *Scheduler) globalSaturated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := s.MaxWorkers
	if max <= 0 {
		max = 4
	}
	return len(s.running) >= max
}

// repoOrder sorts repos by schedulerPriority descending, ties lexicographic.
func (s *Scheduler) repoOrder() []config.RepoConfig {
	order := append([]config.RepoConfig{}, s.Repos...)
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].SchedulerPriority != order[j].SchedulerPriority {
			return order[i].SchedulerPriority > order[j].SchedulerPriority
		}
		return order[i].Slug() < order[j].Slug()
	})
	return order
}

func (s *Scheduler) taskPriority(ctx context.Context, task models.Task) int {
	labels, err := store.GetLabels(ctx, s.Store, task.Repo, task.Number)
	if err != nil {
		return 2
	}
	return queue.Priority(labels)
}

// checkpointRunning asks every in-flight task to park (throttle pause).
func (s *Scheduler) checkpointRunning(ctx context.Context) {
	if s.Checkpoint == nil {
		return
	}
	for _, task := range s.Running() {
		s.Checkpoint(ctx, task)
	}
}
