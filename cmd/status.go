package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/daemon"
	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/internal/throttle"
	"github.com/ralphbot/ralph/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#14B8A6"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#64748B"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E"))
)

var (
	topRunsSort  string
	topRunsSince string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, queue, and throttle state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&topRunsSort, "runs-sort", store.RunsSortTokens,
		"Run ranking: tokens or triage")
	statusCmd.Flags().StringVar(&topRunsSince, "runs-since", "",
		"Only rank runs started at or after this RFC3339 time")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctrl := daemon.NewControlFile(cfg.Daemon.ControlRoot)
	state, err := ctrl.Read()
	if err != nil {
		state.Mode = "unknown"
	}

	fmt.Println(headerStyle.Render("ralph status"))
	fmt.Println()

	// Daemons.
	daemons, err := store.ListDaemonRecords(ctx, st)
	if err != nil {
		return fmt.Errorf("listing daemons: %w", err)
	}
	if len(daemons) == 0 {
		fmt.Println("Daemon:    " + dimStyle.Render("not running"))
	}
	for _, d := range daemons {
		beat := d.HeartbeatAt
		if t, perr := time.Parse(time.RFC3339, d.HeartbeatAt); perr == nil {
			beat = humanize.Time(t)
		}
		fmt.Printf("Daemon:    %s  pid %d  heartbeat %s\n", shortID(d.DaemonID), d.PID, beat)
	}
	fmt.Printf("Mode:      %s\n", renderMode(state.Mode))
	fmt.Println()

	// Tasks.
	tasks, err := store.ListNonTerminalTasks(ctx, st)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	fmt.Println(headerStyle.Render("Tasks"))
	if len(tasks) == 0 {
		fmt.Println(dimStyle.Render("  (none)"))
	}
	for _, t := range tasks {
		beat := ""
		if t.HeartbeatAt > 0 {
			beat = "  " + dimStyle.Render(humanize.Time(time.UnixMilli(t.HeartbeatAt)))
		}
		fmt.Printf("  %-40s %s%s\n", t.TaskPath, renderTaskStatus(t.Status), beat)
	}
	fmt.Println()

	// Top runs by token spend.
	topRuns, err := store.ListRunsTop(ctx, st, store.RunsTopQuery{
		Sort: topRunsSort, SinceIso: topRunsSince, Limit: 10,
	})
	if err != nil {
		return fmt.Errorf("listing top runs: %w", err)
	}
	if len(topRuns) > 0 {
		fmt.Println(headerStyle.Render("Top runs"))
		for _, r := range topRuns {
			fmt.Printf("  %-40s %-10s %s tokens\n",
				r.TaskPath, r.Outcome, humanize.Comma(r.TokensTotal))
		}
		fmt.Println()
	}

	// Throttle.
	eng := &throttle.Engine{Store: st, Cfg: cfg.Throttle}
	status, err := eng.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluating throttle: %w", err)
	}
	fmt.Println(headerStyle.Render("Throttle"))
	fmt.Printf("  state: %s\n", string(status.State))
	for _, w := range status.Windows {
		line := fmt.Sprintf("  %-10s %s / %s (%.0f%%)",
			w.Kind, humanize.Comma(w.Observed), humanize.Comma(w.Budget), w.Pct*100)
		if w.Pct >= 0.95 {
			line = errStyle.Render(line)
		} else if w.Pct >= 0.8 {
			line = warnStyle.Render(line)
		}
		fmt.Println(line)
	}
	if !status.ResumeAt.IsZero() {
		fmt.Printf("  resumes %s\n", humanize.Time(status.ResumeAt))
	}
	return nil
}

func renderMode(mode string) string {
	switch mode {
	case models.ModeRunning:
		return okStyle.Render(mode)
	case models.ModeDraining:
		return warnStyle.Render(mode)
	case models.ModePaused:
		return errStyle.Render(mode)
	default:
		return dimStyle.Render(mode)
	}
}

func renderTaskStatus(status string) string {
	switch models.TaskStatus(status) {
	case models.StatusInProgress, models.StatusWaitingOnPR:
		return okStyle.Render(status)
	case models.StatusBlocked, models.StatusEscalated:
		return errStyle.Render(status)
	case models.StatusThrottled:
		return warnStyle.Render(status)
	default:
		return status
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
