package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ralphbot/ralph/internal/agentproc"
	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/daemon"
	"github.com/ralphbot/ralph/internal/events"
	"github.com/ralphbot/ralph/internal/forge"
	"github.com/ralphbot/ralph/internal/lease"
	"github.com/ralphbot/ralph/internal/notify"
	"github.com/ralphbot/ralph/internal/queue"
	"github.com/ralphbot/ralph/internal/scheduler"
	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/internal/survey"
	"github.com/ralphbot/ralph/internal/throttle"
	"github.com/ralphbot/ralph/internal/watchdog"
	"github.com/ralphbot/ralph/internal/worker"
	"github.com/ralphbot/ralph/models"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator daemon",
	Long: `Starts the long-running daemon: polls configured repositories for
labeled issues, schedules workers, and drives each issue to a merged PR.

Only one daemon may run per control root; a second invocation exits with
code 2.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(cfg.Repos) == 0 {
		return errors.New("no repositories configured")
	}

	daemonID := uuid.NewString()
	lock, err := daemon.Acquire(cfg.Daemon.ControlRoot, daemonID)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	fc, err := forge.New(cfg.GitHub)
	if err != nil {
		return fmt.Errorf("creating forge client: %w", err)
	}

	redactor := &watchdog.Redactor{
		PathPrefixes: []string{cfg.Daemon.WorktreeRoot, cfg.Daemon.SessionsDir},
	}
	metrics := events.NewMetrics()
	bus := events.NewBus(redactor, metrics.Registry)
	notifier := notify.NewDispatcher(cfg.Notify)
	publish := makePublisher(bus, metrics, notifier)

	leases := lease.NewRegistry(st, daemonID)
	worktrees := &worker.WorktreeManager{
		Root:  cfg.Daemon.WorktreeRoot,
		Token: func() string { return forgeToken(cfg) },
	}
	qd := &queue.Driver{
		Store:         st,
		Forge:         fc,
		Locks:         queue.NewIssueLocks(),
		Prune:         worktrees.Prune,
		DaemonID:      daemonID,
		OwnershipTTL:  time.Duration(cfg.Daemon.OwnershipTTLMs) * time.Millisecond,
		DisableSweeps: cfg.Daemon.DisableSweeps,
	}
	eng := &throttle.Engine{Store: st, Cfg: cfg.Throttle}
	filer := &survey.Filer{Forge: fc, Leases: leases}
	spawner := &agentproc.ExecSpawner{Cfg: cfg.Agent, Log: slog.Default()}

	workers := newWorkerSet()
	sched := &scheduler.Scheduler{
		Store:      st,
		Queue:      qd,
		Throttle:   eng,
		Repos:      cfg.Repos,
		MaxWorkers: cfg.Daemon.MaxWorkers,
		DaemonID:   daemonID,
		WorkerID:   daemonID,
		Checkpoint: workers.checkpoint,
		Publish:    publish,
	}
	sched.Dispatch = func(ctx context.Context, repo config.RepoConfig, task models.Task) {
		w := &worker.Worker{
			Store:     st,
			Queue:     qd,
			Forge:     fc,
			Spawner:   spawner,
			Worktrees: worktrees,
			Leases:    leases,
			Throttle:  eng,
			Survey:    filer,
			Redactor:  redactor,
			Repo:      repo,
			Agent:     cfg.Agent,
			Watchdog:  cfg.Watchdog,
			Daemon:    cfg.Daemon,
			DaemonID:  daemonID,
			WorkerID:  fmt.Sprintf("%s/slot-%d", repo.Slug(), task.RepoSlot),
			RepoURL:   cloneURL(cfg.GitHub.Host, repo),
			Publish:   publish,
		}
		workers.add(task, w)
		metrics.WorkersRunning.Inc()
		go func() {
			defer func() {
				workers.remove(task.TaskPath)
				sched.Release(task)
				metrics.WorkersRunning.Dec()
			}()
			if err := w.Run(ctx, task); err != nil && ctx.Err() == nil {
				slog.Error("Worker failed", "task", task.TaskPath, "error", err)
			}
		}()
	}

	ctrl := daemon.NewControlFile(cfg.Daemon.ControlRoot)
	sup := &daemon.Supervisor{
		Cfg:           cfg,
		Store:         st,
		Forge:         fc,
		Queue:         qd,
		Scheduler:     sched,
		Control:       ctrl,
		DaemonID:      daemonID,
		Version:       Version,
		CheckpointAll: workers.checkpointAll,
	}

	srv := &events.Server{
		Cfg:     cfg.Dashboard,
		Bus:     bus,
		Metrics: metrics,
		Status:  statusSnapshot(st, sched, eng, ctrl, daemonID),
	}
	go func() {
		if err := srv.Run(ctx); err != nil {
			slog.Error("Dashboard server failed", "error", err)
		}
	}()

	slog.Info("Daemon started", "daemon_id", daemonID, "repos", len(cfg.Repos))
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// makePublisher fans worker and scheduler events to the dashboard bus,
// metrics, and notification channels.
func makePublisher(bus *events.Bus, metrics *events.Metrics, notifier *notify.Dispatcher) func(string, map[string]interface{}) {
	return func(kind string, payload map[string]interface{}) {
		bus.Publish(kind, payload)

		switch kind {
		case "watchdog":
			tripKind, _ := payload["kind"].(string)
			metrics.WatchdogTrips.WithLabelValues(tripKind).Inc()
			notifier.Notify(context.Background(), notify.Event{
				Type:     "watchdog_trip",
				Title:    fmt.Sprintf("Watchdog trip (%s) on %v", tripKind, payload["task"]),
				Metadata: payload,
			})
		case "throttle":
			if payload["state"] == "hard" || payload["state"] == "pause" {
				notifier.Notify(context.Background(), notify.Event{
					Type:     "throttle_hard",
					Title:    fmt.Sprintf("Token budget exhausted, claims stopped (%v)", payload["state"]),
					Metadata: payload,
				})
			}
		case "checkpoint":
			state, _ := payload["state"].(string)
			if state == "escalated" || state == "blocked" {
				notifier.Notify(context.Background(), notify.Event{
					Type:     state,
					Title:    fmt.Sprintf("Task %v %s", payload["task"], state),
					Metadata: payload,
				})
			}
		}
	}
}

// statusSnapshot builds the /api/status payload for the dashboard listener.
func statusSnapshot(st store.Store, sched *scheduler.Scheduler, eng *throttle.Engine, ctrl *daemon.ControlFile, daemonID string) func(ctx context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		mode := models.ModeRunning
		if state, err := ctrl.Read(); err == nil {
			mode = state.Mode
		}
		throttleStatus, err := eng.Evaluate(ctx)
		if err != nil {
			return nil, err
		}
		tasks, err := store.ListNonTerminalTasks(ctx, st)
		if err != nil {
			return nil, err
		}
		topRuns, err := store.ListRunsTop(ctx, st, store.RunsTopQuery{Sort: store.RunsSortTokens, Limit: 10})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"daemon_id": daemonID,
			"mode":      mode,
			"running":   sched.Running(),
			"tasks":     tasks,
			"top_runs":  topRuns,
			"throttle":  throttleStatus,
		}, nil
	}
}

// workerSet tracks live workers so control-plane checkpoints can reach them.
type workerSet struct {
	mu      sync.Mutex
	workers map[string]*worker.Worker
	tasks   map[string]models.Task
}

func newWorkerSet() *workerSet {
	return &workerSet{
		workers: make(map[string]*worker.Worker),
		tasks:   make(map[string]models.Task),
	}
}

func (ws *workerSet) add(task models.Task, w *worker.Worker) {
	ws.mu.Lock()
	ws.workers[task.TaskPath] = w
	ws.tasks[task.TaskPath] = task
	ws.mu.Unlock()
}

func (ws *workerSet) remove(taskPath string) {
	ws.mu.Lock()
	delete(ws.workers, taskPath)
	delete(ws.tasks, taskPath)
	ws.mu.Unlock()
}

func (ws *workerSet) checkpoint(ctx context.Context, task models.Task) {
	ws.mu.Lock()
	w := ws.workers[task.TaskPath]
	ws.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Checkpoint(ctx, task); err != nil {
		slog.Warn("Checkpoint failed", "task", task.TaskPath, "error", err)
	}
}

func (ws *workerSet) checkpointAll(ctx context.Context) {
	ws.mu.Lock()
	tasks := make([]models.Task, 0, len(ws.tasks))
	for _, t := range ws.tasks {
		tasks = append(tasks, t)
	}
	ws.mu.Unlock()
	for _, t := range tasks {
		ws.checkpoint(ctx, t)
	}
}

// forgeToken resolves the bearer token with the same env chain the forge
// client uses.
func forgeToken(cfg *config.Config) string {
	for _, name := range cfg.TokenEnvVars() {
		if tok := os.Getenv(name); tok != "" {
			return tok
		}
	}
	return ""
}

func cloneURL(host string, repo config.RepoConfig) string {
	if host == "" {
		host = "github.com"
	}
	return fmt.Sprintf("https://%s/%s.git", host, repo.Slug())
}
