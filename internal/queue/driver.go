package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/models"
)

// LabelMutator is the slice of the forge client the driver needs. Faked in
// tests.
type LabelMutator interface {
	MutateLabels(ctx context.Context, owner, repo string, number int, add, remove []string) error
}

// DependencyProvider reports open blockers for an issue. coverageComplete is
// false when the dependency graph could not be fully resolved; the driver
// then leaves the ralph:blocked label untouched.
type DependencyProvider interface {
	Blockers(ctx context.Context, repo string, number int) (open []int, coverageComplete bool, err error)
}

// WorktreePruner removes an orphaned worktree directory.
type WorktreePruner func(path string) error

// Driver translates the label mirror into queue state. All multi-step label
// operations run under the per-issue lock.
type Driver struct {
	Store         store.Store
	Forge         LabelMutator
	Locks         *IssueLocks
	Deps          DependencyProvider // nil = coverage always unknown
	Prune         WorktreePruner     // nil = skip pruning
	DaemonID      string
	OwnershipTTL  time.Duration
	DisableSweeps bool
	Now           func() time.Time // nil = time.Now
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func splitSlug(slug string) (owner, name string) {
	owner, name, _ = strings.Cut(slug, "/")
	return owner, name
}

// TasksByStatus returns the tasks whose issues are OPEN and carry the status
// label. For in-progress, stale-sweep runs first; swept tasks move to queued
// and are not returned under in-progress.
func (d *Driver) TasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	issues, err := store.ListOpenIssuesWithLabel(ctx, d.Store, StatusLabel(status))
	if err != nil {
		return nil, fmt.Errorf("listing issues with status %s: %w", status, err)
	}

	var tasks []models.Task
	for _, is := range issues {
		task, err := d.ensureTask(ctx, is.Repo, is.Number)
		if err != nil {
			return nil, err
		}

		if status == models.StatusInProgress && !d.DisableSweeps {
			swept, err := d.sweepIfStale(ctx, &task)
			if err != nil {
				slog.Warn("Stale-sweep failed", "task", task.TaskPath, "error", err)
			} else if swept {
				continue
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// QueuedTasks returns claimable queued tasks after reconciling ralph:blocked
// against the dependency provider. Blocked tasks are excluded.
func (d *Driver) QueuedTasks(ctx context.Context) ([]models.Task, error) {
	tasks, err := d.TasksByStatus(ctx, models.StatusQueued)
	if err != nil {
		return nil, err
	}

	var out []models.Task
	for _, task := range tasks {
		blocked, err := d.reconcileBlocked(ctx, task)
		if err != nil {
			slog.Warn("Blocked reconciliation failed", "task", task.TaskPath, "error", err)
			// Treat as coverage-unknown: keep current state.
			labels, lerr := store.GetLabels(ctx, d.Store, task.Repo, task.Number)
			blocked = lerr == nil && HasLabel(labels, LabelBlocked)
		}
		if !blocked {
			out = append(out, task)
		}
	}
	return out, nil
}

// UpdateTaskStatus applies the label transition and persists the task row.
// Returns false when the issue already carried the target status.
func (d *Driver) UpdateTaskStatus(ctx context.Context, task models.Task, newStatus models.TaskStatus, mutate func(*models.Task)) (bool, error) {
	unlock := d.Locks.Lock(task.Repo, task.Number)
	defer unlock()

	labels, err := store.GetLabels(ctx, d.Store, task.Repo, task.Number)
	if err != nil {
		return false, fmt.Errorf("reading labels for %s: %w", task.TaskPath, err)
	}

	plan := PlanStatusTransition(labels, newStatus)
	if !plan.Empty() {
		owner, name := splitSlug(task.Repo)
		if err := d.Forge.MutateLabels(ctx, owner, name, task.Number, plan.Add, plan.Remove); err != nil {
			return false, fmt.Errorf("mutating labels for %s: %w", task.TaskPath, err)
		}
	}

	task.Status = string(newStatus)
	if mutate != nil {
		mutate(&task)
	}

	recordedAt := d.now().UTC().Format(time.RFC3339)
	err = d.Store.Tx(ctx, func(q store.Querier) error {
		if err := store.UpsertTask(ctx, q, task); err != nil {
			return err
		}
		return store.ReplaceIssueLabels(ctx, q, task.Repo, task.Number, applyPlan(labels, plan), recordedAt)
	})
	if err != nil {
		return false, fmt.Errorf("persisting status for %s: %w", task.TaskPath, err)
	}
	return !plan.Empty(), nil
}

// InitialPoll is the first tick after startup: it materializes task rows for
// labeled open issues but performs no label mutations, avoiding spurious
// writes before the daemon has fully synced.
func (d *Driver) InitialPoll(ctx context.Context) error {
	for _, status := range []models.TaskStatus{
		models.StatusQueued, models.StatusStarting, models.StatusInProgress,
		models.StatusWaitingOnPR, models.StatusBlocked, models.StatusThrottled,
	} {
		issues, err := store.ListOpenIssuesWithLabel(ctx, d.Store, StatusLabel(status))
		if err != nil {
			return err
		}
		for _, is := range issues {
			if _, err := d.ensureTask(ctx, is.Repo, is.Number); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureTask fetches the task row for (repo, number), creating it implicitly
// on first sight.
func (d *Driver) ensureTask(ctx context.Context, repo string, number int) (models.Task, error) {
	taskPath := fmt.Sprintf("%s#%d", repo, number)
	task, err := store.GetTask(ctx, d.Store, taskPath)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Task{}, err
	}

	task = models.Task{
		TaskPath:  taskPath,
		Repo:      repo,
		Number:    number,
		Status:    string(models.StatusQueued),
		RepoSlot:  -1,
		CreatedAt: d.now().UTC().Format(time.RFC3339),
	}
	if err := store.UpsertTask(ctx, d.Store, task); err != nil {
		return models.Task{}, fmt.Errorf("creating task %s: %w", taskPath, err)
	}
	return task, nil
}

// sweepIfStale downgrades an in-progress task to queued when its owner has
// vanished. All five conditions must hold; if any fails, the task is left
// exactly as found (no-flap).
func (d *Driver) sweepIfStale(ctx context.Context, task *models.Task) (bool, error) {
	nowMs := d.now().UnixMilli()
	ttlMs := d.OwnershipTTL.Milliseconds()

	// 1. Heartbeat expired or no current lease.
	opState, err := store.CurrentOpState(ctx, d.Store, task.TaskPath)
	hasLease := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if hasLease && nowMs-opState.HeartbeatMs < ttlMs {
		return false, nil
	}

	// 2. Not waiting on a fresh open PR snapshot. The public label can lag
	// the internal row, so the PR snapshot itself is authoritative here.
	if d.hasFreshOpenPR(ctx, task) {
		return false, nil
	}

	// 3. Not intentionally parked (blocked with no session).
	if task.Status == string(models.StatusBlocked) && task.SessionID == "" {
		return false, nil
	}

	// 4. No live session within the TTL.
	if task.SessionID != "" && nowMs-task.HeartbeatAt < ttlMs {
		return false, nil
	}

	// 5. Reclaiming our own heartbeat is a no-op.
	if hasLease && opState.DaemonID == d.DaemonID {
		return false, nil
	}

	unlock := d.Locks.Lock(task.Repo, task.Number)
	defer unlock()

	if hasLease {
		if err := store.ReleaseOpState(ctx, d.Store, task.TaskPath, nowMs, "stale-sweep"); err != nil {
			return false, fmt.Errorf("releasing stale lease: %w", err)
		}
	}
	if task.WorktreePath != "" && d.Prune != nil {
		if err := d.Prune(task.WorktreePath); err != nil {
			slog.Warn("Pruning orphan worktree failed", "path", task.WorktreePath, "error", err)
		}
	}

	owner, name := splitSlug(task.Repo)
	add := []string{StatusLabel(models.StatusQueued)}
	remove := []string{StatusLabel(models.StatusInProgress)}
	if err := d.Forge.MutateLabels(ctx, owner, name, task.Number, add, remove); err != nil {
		return false, fmt.Errorf("downgrading labels: %w", err)
	}

	task.Status = string(models.StatusQueued)
	task.SessionID = ""
	task.WorktreePath = ""
	task.WorkerID = ""
	task.DaemonID = ""
	task.RepoSlot = -1

	recordedAt := d.now().UTC().Format(time.RFC3339)
	err = d.Store.Tx(ctx, func(q store.Querier) error {
		if err := store.UpsertTask(ctx, q, *task); err != nil {
			return err
		}
		labels, err := store.GetLabels(ctx, q, task.Repo, task.Number)
		if err != nil {
			return err
		}
		next := applyPlan(labels, LabelPlan{Add: add, Remove: remove})
		return store.ReplaceIssueLabels(ctx, q, task.Repo, task.Number, next, recordedAt)
	})
	if err != nil {
		return false, err
	}

	slog.Info("Stale-swept task back to queued", "task", task.TaskPath)
	return true, nil
}

// hasFreshOpenPR reports whether the canonical PR snapshot for the task's
// issue is open and recorded within the ownership TTL.
func (d *Driver) hasFreshOpenPR(ctx context.Context, task *models.Task) bool {
	snaps, err := store.ListPRSnapshots(ctx, d.Store, task.Repo, task.Number)
	if err != nil || len(snaps) == 0 {
		return false
	}
	pr := models.SelectCanonicalPR(snaps)
	if pr == nil || pr.State != models.PROpen {
		return false
	}
	recorded, err := time.Parse(time.RFC3339, pr.RecordedAt)
	if err != nil {
		return false
	}
	return d.now().Sub(recorded) < d.OwnershipTTL
}

// reconcileBlocked aligns the ralph:blocked label with dependency coverage.
// Returns whether the task is (now) blocked.
func (d *Driver) reconcileBlocked(ctx context.Context, task models.Task) (bool, error) {
	labels, err := store.GetLabels(ctx, d.Store, task.Repo, task.Number)
	if err != nil {
		return false, err
	}
	has := HasLabel(labels, LabelBlocked)

	if d.Deps == nil {
		return has, nil
	}
	open, complete, err := d.Deps.Blockers(ctx, task.Repo, task.Number)
	if err != nil {
		return has, err
	}
	if !complete {
		// Coverage unknown: no mutation either way.
		return has, nil
	}

	owner, name := splitSlug(task.Repo)
	recordedAt := d.now().UTC().Format(time.RFC3339)

	switch {
	case len(open) > 0 && !has:
		unlock := d.Locks.Lock(task.Repo, task.Number)
		defer unlock()
		if err := d.Forge.MutateLabels(ctx, owner, name, task.Number, []string{LabelBlocked}, nil); err != nil {
			return has, err
		}
		next := applyPlan(labels, LabelPlan{Add: []string{LabelBlocked}})
		if err := store.ReplaceIssueLabels(ctx, d.Store, task.Repo, task.Number, next, recordedAt); err != nil {
			return true, err
		}
		return true, nil
	case len(open) == 0 && has:
		unlock := d.Locks.Lock(task.Repo, task.Number)
		defer unlock()
		if err := d.Forge.MutateLabels(ctx, owner, name, task.Number, nil, []string{LabelBlocked}); err != nil {
			return has, err
		}
		next := applyPlan(labels, LabelPlan{Remove: []string{LabelBlocked}})
		if err := store.ReplaceIssueLabels(ctx, d.Store, task.Repo, task.Number, next, recordedAt); err != nil {
			return false, err
		}
		return false, nil
	}
	return len(open) > 0, nil
}

// applyPlan computes the label set after a plan, normalized and de-duplicated.
func applyPlan(labels []string, plan LabelPlan) []string {
	set := make(map[string]bool)
	for _, l := range labels {
		set[Normalize(l)] = true
	}
	for _, l := range plan.Remove {
		delete(set, Normalize(l))
	}
	for _, l := range plan.Add {
		set[Normalize(l)] = true
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}
