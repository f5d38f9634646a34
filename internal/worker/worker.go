// Package worker runs the per-task pipeline: claim, plan, implement,
// pr-create, merge-gate, survey, finalize, with side exits to escalate and
// block.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ralphbot/ralph/internal/agentproc"
	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/forge"
	"github.com/ralphbot/ralph/internal/lease"
	"github.com/ralphbot/ralph/internal/queue"
	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/internal/survey"
	"github.com/ralphbot/ralph/internal/throttle"
	"github.com/ralphbot/ralph/internal/watchdog"
	"github.com/ralphbot/ralph/models"
)

// workerForge is everything the pipeline needs from the forge client.
type workerForge interface {
	pullForge
	mergeForge
	GetIssueState(ctx context.Context, owner, repo string, number int) (string, error)
	MutateLabels(ctx context.Context, owner, repo string, number int, add, remove []string) error
	CreateComment(ctx context.Context, owner, repo string, number int, body string) (string, error)
	FindCommentWithMarker(ctx context.Context, owner, repo string, number int, marker string) (string, error)
}

// Worker executes tasks for one repository. One Worker value serves many
// sequential tasks; concurrency comes from the scheduler running several
// Workers.
type Worker struct {
	Store     store.Store
	Queue     *queue.Driver
	Forge     workerForge
	Spawner   agentproc.Spawner
	Worktrees *WorktreeManager
	Leases    *lease.Registry
	Throttle  *throttle.Engine
	Survey    *survey.Filer
	Redactor  *watchdog.Redactor

	Repo     config.RepoConfig
	Agent    config.AgentConfig
	Watchdog config.WatchdogConfig
	Daemon   config.DaemonConfig

	DaemonID string
	WorkerID string
	RepoURL  string // clone URL

	// Publish emits a dashboard event; nil disables.
	Publish func(kind string, payload map[string]interface{})

	Sleep func(ctx context.Context, d time.Duration) error // nil = real sleep
}

func (w *Worker) publish(kind string, payload map[string]interface{}) {
	if w.Publish != nil {
		w.Publish(kind, payload)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if w.Sleep != nil {
		return w.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives one task to a terminal or parked state. The scheduler has
// already claimed the op-state lease; Run heartbeats it and releases it on
// every exit path except cancellation, where the lease survives so a restart
// resumes.
func (w *Worker) Run(ctx context.Context, task models.Task) error {
	owner, name := splitSlug(task.Repo)
	log := slog.With("task", task.TaskPath, "worker", w.WorkerID)

	w.publish("worker.created", map[string]interface{}{"task": task.TaskPath, "worker": w.WorkerID})

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeatLoop(hbCtx, task.TaskPath)

	// Claim stage: the issue must still be open upstream.
	state, err := w.Forge.GetIssueState(ctx, owner, name, task.Number)
	if err != nil {
		return w.exitOnError(ctx, task, err)
	}
	if state != "open" {
		log.Info("Issue closed upstream, skipping")
		return w.finalize(ctx, task, "Skipped: issue already closed upstream")
	}

	resuming := task.Status == string(models.StatusInProgress) && task.SessionID != ""
	if resuming {
		log.Info("Resuming existing session", "session", task.SessionID)
	}

	// A live PR branch means a dirty worktree is still wanted.
	keepDirty := task.PRURL != "" || resuming
	wtPath, err := w.Worktrees.Ensure(ctx, w.RepoURL, task.Repo, task.RepoSlot, task.Number, keepDirty)
	if err != nil {
		return w.exitOnError(ctx, task, err)
	}
	task.WorktreePath = wtPath

	if _, err := w.Queue.UpdateTaskStatus(ctx, task, models.StatusInProgress, func(t *models.Task) {
		t.WorktreePath = wtPath
		t.WorkerID = w.WorkerID
		t.DaemonID = w.DaemonID
	}); err != nil {
		return w.exitOnError(ctx, task, err)
	}
	task.Status = string(models.StatusInProgress)

	run := models.Run{
		RunID:     uuid.NewString(),
		Repo:      task.Repo,
		Issue:     task.Number,
		TaskPath:  task.TaskPath,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := w.Store.Tx(ctx, func(q store.Querier) error {
		if err := store.InsertRun(ctx, q, run); err != nil {
			return err
		}
		return store.EnsureGateRows(ctx, q, run.RunID, run.StartedAt)
	}); err != nil {
		slog.Warn("Recording run failed", "task", task.TaskPath, "error", err)
	}

	// Re-check PR state before re-entering the loop at the earliest
	// unsatisfied gate: a restart may have left a PR already open or merged.
	prURL := task.PRURL
	if resuming && prURL == "" {
		if snaps, err := store.ListPRSnapshots(ctx, w.Store, task.Repo, task.Number); err == nil {
			if pr := models.SelectCanonicalPR(snaps); pr != nil && pr.State != models.PRClosed {
				prURL = pr.PRURL
			}
		}
	}

	// Plan gate (optional).
	if w.Repo.PlanReview && prURL == "" && !resuming {
		if err := w.planStage(ctx, &task, &run); err != nil {
			return w.exitOnError(ctx, task, err)
		}
	}

	// Implement.
	if prURL == "" {
		run.AttemptKind = "build"
		result, err := w.runAgentWithRetries(ctx, &task, &run, "build")
		if err != nil {
			return w.exitOnError(ctx, task, err)
		}
		if result.PRURL != "" {
			prURL = result.PRURL
		}
	}

	// PR-create, only when the agent did not hand one back.
	var pr forge.PRData
	if prURL == "" {
		creator := &PRCreator{
			Forge:          w.Forge,
			Leases:         w.Leases,
			Push:           func(ctx context.Context) error { return w.Worktrees.Push(ctx, task.WorktreePath, task.Number) },
			ConflictWait:   time.Duration(w.Agent.PRCreateConflictWaitMs) * time.Millisecond,
			SelfHealMinAge: time.Duration(w.Agent.LeaseSelfHealMinAgeMs) * time.Millisecond,
			Sleep:          w.Sleep,
		}
		base := w.Repo.BotBranch
		if base == "" {
			if base, err = w.Forge.DefaultBranch(ctx, owner, name); err != nil {
				return w.exitOnError(ctx, task, err)
			}
		}
		title := fmt.Sprintf("ralph: resolve #%d", task.Number)
		body := fmt.Sprintf("Automated change for #%d.\n\nCloses #%d.", task.Number, task.Number)
		pr, err = creator.Ensure(ctx, owner, name, task.Number, title, body, BranchName(task.Number), base)
		if err != nil {
			if errors.Is(err, ErrPRCreateContended) {
				// Park the task; a later scheduler pass retries the stage.
				return w.requeue(ctx, task, "pr-create lease contended")
			}
			return w.exitOnError(ctx, task, err)
		}
		prURL = pr.URL
	} else {
		if pr, err = w.lookupPR(ctx, owner, name, prURL); err != nil {
			return w.exitOnError(ctx, task, err)
		}
	}

	task.PRURL = prURL
	w.recordPRSnapshot(ctx, task, pr)
	if _, err := w.Queue.UpdateTaskStatus(ctx, task, models.StatusWaitingOnPR, func(t *models.Task) {
		t.PRURL = prURL
	}); err != nil {
		return w.exitOnError(ctx, task, err)
	}
	task.Status = string(models.StatusWaitingOnPR)

	// Merge gate.
	gate := &MergeGate{
		Forge: w.Forge,
		Repo:  w.Repo,
		Sleep: w.Sleep,
		Triage: func(ctx context.Context, failed []string) error {
			run.AttemptKind = "ci-triage"
			_, err := w.runAgentWithRetries(ctx, &task, &run, "ci-triage")
			return err
		},
	}
	merged, err := gate.Run(ctx, owner, name, pr.Number)
	if err != nil {
		if forge.IsBaseModified(err) {
			return w.block(ctx, task, "auto-update", "auto-update: base branch changed")
		}
		var failed *ErrChecksFailed
		if errors.As(err, &failed) {
			return w.block(ctx, task, "ci", fmt.Sprintf("required checks failed: %v", failed.Failed))
		}
		return w.exitOnError(ctx, task, err)
	}
	w.recordPRSnapshot(ctx, task, merged)

	// Survey.
	if err := w.surveyStage(ctx, &task, &run); err != nil {
		// Survey failure never un-merges the work; log and finalize anyway.
		slog.Warn("Survey stage failed", "task", task.TaskPath, "error", err)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339)
	if err := store.CompleteRun(ctx, w.Store, run.RunID, completedAt, "merged", run.TokensTotal); err != nil {
		slog.Warn("Completing run failed", "run", run.RunID, "error", err)
	}
	return w.finalize(ctx, task, "")
}

// planStage runs the plan agent and records its marker in the plan gate row.
func (w *Worker) planStage(ctx context.Context, task *models.Task, run *models.Run) error {
	run.AttemptKind = "plan"
	result, err := w.runAgentWithRetries(ctx, task, run, "plan")

	gate := models.GateResult{
		RunID: run.RunID, Gate: models.GatePlanReview,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	switch {
	case err != nil:
		gate.Status = models.GateFail
		gate.Reason = w.Redactor.Redact(err.Error())
	case result.MarkerKind != "PLAN":
		gate.Status = models.GateFail
		gate.Reason = "plan marker missing from agent output"
	default:
		gate.Status = models.GatePass
		gate.Command = string(result.MarkerPayload)
	}
	if serr := store.UpsertGateResult(ctx, w.Store, gate); serr != nil {
		return serr
	}
	if err != nil {
		return err
	}
	if gate.Status == models.GateFail {
		return fmt.Errorf("plan gate failed: %s", gate.Reason)
	}
	return nil
}

// surveyStage runs the survey agent and files the envelope idempotently.
func (w *Worker) surveyStage(ctx context.Context, task *models.Task, run *models.Run) error {
	run.AttemptKind = "survey"
	result, err := w.runAgentWithRetries(ctx, task, run, "survey")
	if err != nil {
		return err
	}
	env, err := survey.Parse(result.Output)
	if err != nil {
		return err
	}
	return w.Survey.File(ctx, task.Repo, task.Number, env)
}

// AgentResult is the digest of one agent invocation.
type AgentResult struct {
	Output        string
	MarkerKind    string
	MarkerPayload []byte
	PRURL         string
	Tokens        int64
	ParseErrors   int64
}

// runAgentWithRetries wraps runAgent with the watchdog retry budget.
func (w *Worker) runAgentWithRetries(ctx context.Context, task *models.Task, run *models.Run, stage string) (AgentResult, error) {
	retries := w.Agent.WatchdogRetries
	if retries <= 0 {
		retries = watchdog.MaxRetries
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := w.sleep(ctx, watchdog.Backoff(attempt)); err != nil {
				return AgentResult{}, err
			}
		}
		result, err := w.runAgent(ctx, task, run, stage)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var te *watchdog.TripError
		if !errors.As(err, &te) {
			return AgentResult{}, err
		}
		w.publish("watchdog", map[string]interface{}{
			"task": task.TaskPath, "stage": stage, "kind": te.Trip.Kind, "attempt": attempt,
		})
		if werr := w.writeWatchdogComment(ctx, *task, te.Trip); werr != nil {
			slog.Warn("Watchdog comment failed", "task", task.TaskPath, "error", werr)
		}
	}
	return AgentResult{}, fmt.Errorf("watchdog retries exhausted: %w", lastErr)
}

// runAgent spawns one agent invocation and supervises its stream.
func (w *Worker) runAgent(ctx context.Context, task *models.Task, run *models.Run, stage string) (AgentResult, error) {
	restore := agentproc.SaveTokenEnv()
	defer restore()

	logPath := agentproc.RunLogPath(agentproc.RunLogRoot(w.Daemon.RunLogDir), task.Repo, task.Number, stage, time.Now())
	logFile, err := agentproc.OpenRunLog(logPath)
	if err != nil {
		return AgentResult{}, err
	}
	defer logFile.Close()

	spawnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := agentproc.SpawnOpts{
		Dir:    task.WorktreePath,
		Stage:  stage,
		Args:   []string{"--agent=" + stage, "--issue", fmt.Sprintf("%d", task.Number)},
		RunLog: logFile,
	}
	if task.SessionID != "" {
		opts.Args = append(opts.Args, "--continue", task.SessionID)
	}
	sess, err := w.Spawner.Spawn(spawnCtx, opts)
	if err != nil {
		return AgentResult{}, err
	}

	monitor := watchdog.NewMonitor(w.Watchdog, w.Redactor, slog.Default())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var result AgentResult
	var output strings.Builder
	var trip *watchdog.Trip

stream:
	for {
		select {
		case <-ctx.Done():
			sess.Stop(w.shutdownGrace())
			return AgentResult{}, ctx.Err()
		case <-ticker.C:
			if trip = monitor.Check(); trip != nil {
				break stream
			}
		case ev, ok := <-sess.Events():
			if !ok {
				break stream
			}
			if trip = monitor.Observe(ev); trip != nil {
				break stream
			}
			w.consumeEvent(ctx, task, &result, &output, ev)
		}
	}

	if trip != nil {
		sess.Stop(w.shutdownGrace())
		return AgentResult{}, &watchdog.TripError{Trip: trip}
	}

	waitErr := sess.Wait()
	result.Output = output.String()
	result.ParseErrors = sess.ParseErrors()
	if kind, payload, ok := sess.FinalMarker(); ok {
		result.MarkerKind = kind
		result.MarkerPayload = payload
		w.applyMarker(&result, kind, payload)
	}

	if result.Tokens > 0 && w.Throttle != nil {
		if terr := w.Throttle.Record(ctx, result.Tokens); terr != nil {
			slog.Warn("Recording token usage failed", "error", terr)
		}
		run.TokensTotal += result.Tokens
	}

	if waitErr != nil {
		cls := ClassifyAgentFailure(result.Output)
		if cls.Kind != FailUnknown {
			return result, &AgentFailure{Kind: cls.Kind, Output: result.Output}
		}
		return result, fmt.Errorf("agent %s exited: %w", stage, waitErr)
	}
	return result, nil
}

// consumeEvent tracks session ids, heartbeat-worthy progress, and token usage
// from the live stream.
func (w *Worker) consumeEvent(ctx context.Context, task *models.Task, result *AgentResult, output *strings.Builder, ev agentproc.Event) {
	if ev.Text != "" {
		output.WriteString(ev.Text)
		output.WriteByte('\n')
	}
	if ev.SessionID != "" && task.SessionID != ev.SessionID {
		task.SessionID = ev.SessionID
		if err := store.UpsertTask(ctx, w.Store, *task); err != nil {
			slog.Warn("Persisting session id failed", "task", task.TaskPath, "error", err)
		}
	}
	if ev.Kind == agentproc.KindMessage && ev.Tokens > 0 {
		result.Tokens += ev.Tokens
	}
}

// applyMarker folds the final marker into the result.
func (w *Worker) applyMarker(result *AgentResult, kind string, payload []byte) {
	switch kind {
	case "PR_CREATED", "PR":
		var body struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(payload, &body); err == nil {
			result.PRURL = body.URL
		}
	}
}

// AgentFailure is a typed agent-level failure (policy denial, tool schema).
type AgentFailure struct {
	Kind   string
	Output string
}

func (e *AgentFailure) Error() string { return "agent failure: " + e.Kind }

// writeWatchdogComment posts the single idempotent watchdog comment for a
// trip, keyed by a stable marker id so restarts never double-post.
func (w *Worker) writeWatchdogComment(ctx context.Context, task models.Task, trip *watchdog.Trip) error {
	markerID := trip.Kind
	if trip.Watchdog != nil {
		markerID = trip.Kind + ":" + trip.Watchdog.ToolName
	}
	key := lease.WatchdogKey(task.Repo, task.Number, markerID)
	claimed, err := w.Leases.RecordKey(ctx, key, "gh-watchdog", "")
	if err != nil || !claimed {
		return err
	}

	owner, name := splitSlug(task.Repo)
	marker := fmt.Sprintf("<!-- ralph:watchdog:%s -->", markerID)
	detail, _ := json.MarshalIndent(trip, "", "  ")
	body := fmt.Sprintf("%s\nThe agent working on this issue was interrupted (%s).\n\n```json\n%s\n```",
		marker, trip.Kind, w.Redactor.Redact(string(detail)))

	if existing, err := w.Forge.FindCommentWithMarker(ctx, owner, name, task.Number, marker); err == nil && existing != "" {
		return nil
	}
	_, err = w.Forge.CreateComment(ctx, owner, name, task.Number, body)
	return err
}

// finalize moves the task to done: labels {add:[done], remove:[in-progress,
// in-bot]}, cleared session/worktree, completedAt, lease released.
func (w *Worker) finalize(ctx context.Context, task models.Task, note string) error {
	owner, name := splitSlug(task.Repo)

	if _, err := w.Queue.UpdateTaskStatus(ctx, task, models.StatusDone, func(t *models.Task) {
		t.SessionID = ""
		t.WorktreePath = ""
		t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		if note != "" {
			t.Checkpoint = note
		}
	}); err != nil {
		return err
	}
	if err := w.Forge.MutateLabels(ctx, owner, name, task.Number, nil, []string{queue.LabelInBot}); err != nil {
		slog.Warn("Removing in-bot label failed", "task", task.TaskPath, "error", err)
	}
	return w.release(ctx, task.TaskPath, "finalized")
}

// block parks the task with a blocked label and a reason.
func (w *Worker) block(ctx context.Context, task models.Task, source, reason string) error {
	slog.Warn("Blocking task", "task", task.TaskPath, "source", source, "reason", reason)
	owner, name := splitSlug(task.Repo)

	if _, err := w.Queue.UpdateTaskStatus(ctx, task, models.StatusBlocked, func(t *models.Task) {
		t.Checkpoint = fmt.Sprintf("blockedSource=%s: %s", source, reason)
	}); err != nil {
		return err
	}
	if err := w.Forge.MutateLabels(ctx, owner, name, task.Number, []string{queue.LabelBlocked}, nil); err != nil {
		slog.Warn("Adding blocked label failed", "task", task.TaskPath, "error", err)
	}
	w.publish("checkpoint", map[string]interface{}{"task": task.TaskPath, "state": "blocked", "source": source})
	return w.release(ctx, task.TaskPath, "blocked")
}

// escalate marks the task escalated and writes the structured comment.
func (w *Worker) escalate(ctx context.Context, task models.Task, cls Classification, cause error) error {
	owner, name := splitSlug(task.Repo)
	reason := w.Redactor.Redact(cause.Error())
	slog.Error("Escalating task", "task", task.TaskPath, "kind", cls.Kind, "error", reason)

	if _, err := w.Queue.UpdateTaskStatus(ctx, task, models.StatusEscalated, func(t *models.Task) {
		t.Checkpoint = fmt.Sprintf("escalated kind=%s: %s", cls.Kind, reason)
	}); err != nil {
		return err
	}
	body := fmt.Sprintf("ralph could not complete this task (`%s`):\n\n```\n%s\n```", cls.Kind, reason)
	if _, err := w.Forge.CreateComment(ctx, owner, name, task.Number, body); err != nil {
		slog.Warn("Escalation comment failed", "task", task.TaskPath, "error", err)
	}
	w.publish("checkpoint", map[string]interface{}{"task": task.TaskPath, "state": "escalated", "kind": cls.Kind})
	return w.release(ctx, task.TaskPath, "escalated")
}

// requeue releases the task back to queued without failure semantics.
func (w *Worker) requeue(ctx context.Context, task models.Task, why string) error {
	slog.Info("Deferring task", "task", task.TaskPath, "reason", why)
	if _, err := w.Queue.UpdateTaskStatus(ctx, task, models.StatusQueued, nil); err != nil {
		return err
	}
	return w.release(ctx, task.TaskPath, "deferred")
}

// exitOnError translates a stage failure into the right terminal transition.
func (w *Worker) exitOnError(ctx context.Context, task models.Task, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Cancellation keeps the lease so a restart resumes.
		return err
	}

	var af *AgentFailure
	if errors.As(err, &af) {
		return w.escalate(ctx, task, Classification{Kind: af.Kind}, err)
	}

	cls := Classify(err)
	switch {
	case cls.Kind == FailPermission:
		return w.escalate(ctx, task, cls, err)
	case cls.BlockedSource != "":
		return w.block(ctx, task, cls.BlockedSource, err.Error())
	case cls.Retriable:
		return w.requeue(ctx, task, err.Error())
	default:
		return w.escalate(ctx, task, cls, err)
	}
}

// Checkpoint asks a running worker (via its task) to park for throttle pause.
func (w *Worker) Checkpoint(ctx context.Context, task models.Task) error {
	if _, err := w.Queue.UpdateTaskStatus(ctx, task, models.StatusThrottled, func(t *models.Task) {
		t.Checkpoint = "throttle pause"
	}); err != nil {
		return err
	}
	w.publish("checkpoint", map[string]interface{}{"task": task.TaskPath, "state": "throttled"})
	return w.release(ctx, task.TaskPath, "throttle-pause")
}

func (w *Worker) release(ctx context.Context, taskPath, reason string) error {
	err := store.ReleaseOpState(ctx, w.Store, taskPath, time.Now().UnixMilli(), reason)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// heartbeatLoop refreshes the lease until the surrounding stage context ends.
func (w *Worker) heartbeatLoop(ctx context.Context, taskPath string) {
	interval := time.Duration(w.Daemon.HeartbeatIntervalMs) * time.Millisecond
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
			nowMs := time.Now().UnixMilli()
			if err := store.HeartbeatOpState(ctx, w.Store, taskPath, w.DaemonID, nowMs); err != nil {
				slog.Warn("Heartbeat failed", "task", taskPath, "error", err)
				continue
			}
			if task, err := store.GetTask(ctx, w.Store, taskPath); err == nil {
				task.HeartbeatAt = nowMs
				if err := store.UpsertTask(ctx, w.Store, task); err != nil {
					slog.Warn("Heartbeat task update failed", "task", taskPath, "error", err)
				}
			}
		}
	}
}

func (w *Worker) lookupPR(ctx context.Context, owner, name, prURL string) (forge.PRData, error) {
	number := prNumberFromURL(prURL)
	if number > 0 {
		return w.Forge.GetPR(ctx, owner, name, number)
	}
	return forge.PRData{}, fmt.Errorf("cannot parse PR number from %s", prURL)
}

func (w *Worker) recordPRSnapshot(ctx context.Context, task models.Task, pr forge.PRData) {
	snap := models.PRSnapshot{
		Repo:       task.Repo,
		Issue:      task.Number,
		PRURL:      pr.URL,
		State:      pr.State,
		HeadSHA:    pr.HeadSHA,
		BaseRef:    pr.BaseRef,
		CreatedAt:  pr.CreatedAt.UTC().Format(time.RFC3339),
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := store.UpsertPRSnapshot(ctx, w.Store, snap); err != nil {
		slog.Warn("Recording PR snapshot failed", "task", task.TaskPath, "error", err)
	}
}

func (w *Worker) shutdownGrace() time.Duration {
	if w.Daemon.ShutdownGraceMs > 0 {
		return time.Duration(w.Daemon.ShutdownGraceMs) * time.Millisecond
	}
	return 10 * time.Second
}

// prNumberFromURL extracts the trailing number from .../pull/<n>.
func prNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/pull/")
	if idx < 0 {
		return 0
	}
	n := 0
	for _, r := range url[idx+len("/pull/"):] {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func splitSlug(slug string) (owner, name string) {
	owner, name, _ = strings.Cut(slug, "/")
	return owner, name
}
