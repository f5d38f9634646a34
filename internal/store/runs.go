package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralphbot/ralph/models"
)

// --- Runs ---

func InsertRun(ctx context.Context, q Querier, run models.Run) error {
	if _, err := q.Insert(ctx, "runs", run); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.RunID, err)
	}
	return nil
}

func GetRun(ctx context.Context, q Querier, runID string) (models.Run, error) {
	var run models.Run
	err := q.Get(ctx, &run, runSelect+` WHERE run_id = ?`, runID)
	return run, notFound(err)
}

// CompleteRun records the terminal outcome and token total for a run.
func CompleteRun(ctx context.Context, q Querier, runID, completedAt, outcome string, tokensTotal int64) error {
	return q.Exec(ctx,
		`UPDATE runs SET completed_at = ?, outcome = ?, tokens_total = ? WHERE run_id = ?`,
		completedAt, outcome, tokensTotal, runID)
}

func ListRunsForTask(ctx context.Context, q Querier, taskPath string, limit int) ([]models.Run, error) {
	var runs []models.Run
	err := q.Select(ctx, &runs,
		runSelect+` WHERE task_path = ? ORDER BY started_at DESC LIMIT ?`, taskPath, limit)
	return runs, err
}

func ListRecentRuns(ctx context.Context, q Querier, limit int) ([]models.Run, error) {
	var runs []models.Run
	err := q.Select(ctx, &runs, runSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	return runs, err
}

// Run ranking modes for RunsTopQuery.Sort.
const (
	RunsSortTokens = "tokens"
	RunsSortTriage = "triage"
)

// RunsTopQuery filters and ranks runs for the status surfaces.
type RunsTopQuery struct {
	// Sort is RunsSortTokens (default) or RunsSortTriage.
	Sort string
	// SinceIso/UntilIso bound started_at (RFC3339, inclusive); empty = open.
	SinceIso string
	UntilIso string
	// IncludeMissing also returns runs that never recorded an outcome.
	IncludeMissing bool
	// Limit caps the result set; 0 = 20.
	Limit int
}

// ListRunsTop returns runs ranked by token total, or by triage score when
// Sort is RunsSortTriage: failed gates first, token total as tiebreak.
func ListRunsTop(ctx context.Context, q Querier, query RunsTopQuery) ([]models.Run, error) {
	where := []string{"1=1"}
	var args []interface{}
	if query.SinceIso != "" {
		where = append(where, "started_at >= ?")
		args = append(args, query.SinceIso)
	}
	if query.UntilIso != "" {
		where = append(where, "started_at <= ?")
		args = append(args, query.UntilIso)
	}
	if !query.IncludeMissing {
		where = append(where, "completed_at <> ''")
	}

	order := `tokens_total DESC, started_at DESC`
	if query.Sort == RunsSortTriage {
		order = `(SELECT COUNT(*) FROM gate_results g
			WHERE g.run_id = runs.run_id AND g.status = 'fail') DESC,
			tokens_total DESC, started_at DESC`
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	var runs []models.Run
	err := q.Select(ctx, &runs,
		runSelect+` WHERE `+strings.Join(where, " AND ")+` ORDER BY `+order+` LIMIT ?`,
		args...)
	return runs, err
}

const runSelect = `SELECT run_id, repo, issue, task_path, attempt_kind,
	started_at, completed_at, outcome, tokens_total FROM runs`

// --- Gate results ---

// EnsureGateRows creates one pending row per gate for a run. Idempotent:
// existing rows keep their status.
func EnsureGateRows(ctx context.Context, q Querier, runID, updatedAt string) error {
	for _, gate := range models.AllGates {
		var count int64
		if err := q.Get(ctx, &count,
			`SELECT COUNT(*) FROM gate_results WHERE run_id = ? AND gate = ?`, runID, gate); err != nil {
			return fmt.Errorf("checking gate row %s/%s: %w", runID, gate, err)
		}
		if count > 0 {
			continue
		}
		row := models.GateResult{RunID: runID, Gate: gate, Status: models.GatePending, UpdatedAt: updatedAt}
		if _, err := q.Insert(ctx, "gate_results", row); err != nil {
			return fmt.Errorf("inserting gate row %s/%s: %w", runID, gate, err)
		}
	}
	return nil
}

func UpsertGateResult(ctx context.Context, q Querier, res models.GateResult) error {
	return q.Upsert(ctx, "gate_results", res, []string{"run_id", "gate"})
}

func ListGateResults(ctx context.Context, q Querier, runID string) ([]models.GateResult, error) {
	var results []models.GateResult
	err := q.Select(ctx, &results,
		`SELECT run_id, gate, status, command, reason, url, pr_number, pr_url, updated_at
		 FROM gate_results WHERE run_id = ? ORDER BY gate`, runID)
	return results, err
}

// --- Throttle events ---

func InsertThrottleEvent(ctx context.Context, q Querier, ev models.ThrottleEvent) error {
	if _, err := q.Insert(ctx, "throttle_events", ev); err != nil {
		return fmt.Errorf("inserting throttle event: %w", err)
	}
	return nil
}

// SumTokensSince totals token usage for a provider at or after sinceMs.
func SumTokensSince(ctx context.Context, q Querier, providerID string, sinceMs int64) (int64, error) {
	var total int64
	err := q.Get(ctx, &total,
		`SELECT COALESCE(SUM(tokens), 0) FROM throttle_events WHERE provider_id = ? AND at_ms >= ?`,
		providerID, sinceMs)
	return total, err
}

// OldestEventSince returns the at_ms of the oldest sample in the window, or
// 0 when the window is empty.
func OldestEventSince(ctx context.Context, q Querier, providerID string, sinceMs int64) (int64, error) {
	var oldest int64
	err := q.Get(ctx, &oldest,
		`SELECT COALESCE(MIN(at_ms), 0) FROM throttle_events WHERE provider_id = ? AND at_ms >= ?`,
		providerID, sinceMs)
	return oldest, err
}

// PruneThrottleEvents drops samples older than beforeMs. Old samples only
// matter while a window can still include them.
func PruneThrottleEvents(ctx context.Context, q Querier, beforeMs int64) error {
	return q.Exec(ctx, `DELETE FROM throttle_events WHERE at_ms < ?`, beforeMs)
}

// --- Daemon records ---

func UpsertDaemonRecord(ctx context.Context, q Querier, rec models.DaemonRecord) error {
	return q.Upsert(ctx, "daemon_records", rec, []string{"daemon_id"})
}

func GetDaemonRecord(ctx context.Context, q Querier, daemonID string) (models.DaemonRecord, error) {
	var rec models.DaemonRecord
	err := q.Get(ctx, &rec, daemonSelect+` WHERE daemon_id = ?`, daemonID)
	return rec, notFound(err)
}

func ListDaemonRecords(ctx context.Context, q Querier) ([]models.DaemonRecord, error) {
	var recs []models.DaemonRecord
	err := q.Select(ctx, &recs, daemonSelect+` ORDER BY started_at DESC`)
	return recs, err
}

func DeleteDaemonRecord(ctx context.Context, q Querier, daemonID string) error {
	return q.Exec(ctx, `DELETE FROM daemon_records WHERE daemon_id = ?`, daemonID)
}

const daemonSelect = `SELECT daemon_id, pid, started_at, heartbeat_at, control_root,
	control_file_path, ralph_version, command, cwd, start_identity FROM daemon_records`
