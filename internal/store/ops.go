package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ralphbot/ralph/models"
)

// ErrNotFound is returned by Get-style operations when no row matches.
var ErrNotFound = errors.New("not found")

// ErrLeaseHeld is returned by ClaimOpState when another current lease exists.
var ErrLeaseHeld = errors.New("lease already held")

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Issue snapshots ---

func UpsertIssueSnapshot(ctx context.Context, q Querier, snap models.IssueSnapshot) error {
	return q.Upsert(ctx, "issues", snap, []string{"repo", "number"})
}

func GetIssue(ctx context.Context, q Querier, repo string, number int) (models.IssueSnapshot, error) {
	var snap models.IssueSnapshot
	err := q.Get(ctx, &snap,
		`SELECT repo, number, title, state, url, github_updated_at, recorded_at
		 FROM issues WHERE repo = ? AND number = ?`, repo, number)
	return snap, notFound(err)
}

func ListOpenIssues(ctx context.Context, q Querier, repo string) ([]models.IssueSnapshot, error) {
	var snaps []models.IssueSnapshot
	err := q.Select(ctx, &snaps,
		`SELECT repo, number, title, state, url, github_updated_at, recorded_at
		 FROM issues WHERE repo = ? AND state = 'OPEN' ORDER BY number`, repo)
	return snaps, err
}

// ReplaceIssueLabels swaps the full label set for one issue. Run inside Tx so
// readers never observe a half-replaced set.
func ReplaceIssueLabels(ctx context.Context, q Querier, repo string, number int, labels []string, recordedAt string) error {
	if err := q.Exec(ctx, `DELETE FROM issue_labels WHERE repo = ? AND number = ?`, repo, number); err != nil {
		return fmt.Errorf("clearing labels for %s#%d: %w", repo, number, err)
	}
	for _, l := range labels {
		row := models.IssueLabel{Repo: repo, Number: number, Label: l, RecordedAt: recordedAt}
		if _, err := q.Insert(ctx, "issue_labels", row); err != nil {
			return fmt.Errorf("inserting label %q for %s#%d: %w", l, repo, number, err)
		}
	}
	return nil
}

// ListOpenIssuesWithLabel joins open issues against the label mirror.
func ListOpenIssuesWithLabel(ctx context.Context, q Querier, label string) ([]models.IssueSnapshot, error) {
	var snaps []models.IssueSnapshot
	err := q.Select(ctx, &snaps,
		`SELECT i.repo, i.number, i.title, i.state, i.url, i.github_updated_at, i.recorded_at
		 FROM issues i
		 JOIN issue_labels l ON l.repo = i.repo AND l.number = i.number
		 WHERE i.state = 'OPEN' AND l.label = ?
		 ORDER BY i.repo, i.number`, label)
	return snaps, err
}

func GetLabels(ctx context.Context, q Querier, repo string, number int) ([]string, error) {
	var labels []string
	err := q.Select(ctx, &labels,
		`SELECT label FROM issue_labels WHERE repo = ? AND number = ? ORDER BY label`, repo, number)
	return labels, err
}

// --- PR snapshots ---

func UpsertPRSnapshot(ctx context.Context, q Querier, snap models.PRSnapshot) error {
	return q.Upsert(ctx, "prs", snap, []string{"repo", "issue", "pr_url"})
}

// FindPRSnapshotsByURL returns the snapshots (across issues) recorded for a
// PR URL in a repo.
func FindPRSnapshotsByURL(ctx context.Context, q Querier, repo, prURL string) ([]models.PRSnapshot, error) {
	var snaps []models.PRSnapshot
	err := q.Select(ctx, &snaps,
		`SELECT repo, issue, pr_url, state, head_sha, base_ref, created_at, recorded_at
		 FROM prs WHERE repo = ? AND pr_url = ?`, repo, prURL)
	return snaps, err
}

func ListPRSnapshots(ctx context.Context, q Querier, repo string, issue int) ([]models.PRSnapshot, error) {
	var snaps []models.PRSnapshot
	err := q.Select(ctx, &snaps,
		`SELECT repo, issue, pr_url, state, head_sha, base_ref, created_at, recorded_at
		 FROM prs WHERE repo = ? AND issue = ? ORDER BY pr_url`, repo, issue)
	return snaps, err
}

// --- Tasks ---

func UpsertTask(ctx context.Context, q Querier, task models.Task) error {
	return q.Upsert(ctx, "tasks", task, []string{"task_path"})
}

func GetTask(ctx context.Context, q Querier, taskPath string) (models.Task, error) {
	var task models.Task
	err := q.Get(ctx, &task, taskSelect+` WHERE task_path = ?`, taskPath)
	return task, notFound(err)
}

func ListTasksByStatus(ctx context.Context, q Querier, status models.TaskStatus) ([]models.Task, error) {
	var tasks []models.Task
	err := q.Select(ctx, &tasks, taskSelect+` WHERE status = ? ORDER BY task_path`, string(status))
	return tasks, err
}

func ListTasksByRepo(ctx context.Context, q Querier, repo string) ([]models.Task, error) {
	var tasks []models.Task
	err := q.Select(ctx, &tasks, taskSelect+` WHERE repo = ? ORDER BY number`, repo)
	return tasks, err
}

func ListNonTerminalTasks(ctx context.Context, q Querier) ([]models.Task, error) {
	var tasks []models.Task
	err := q.Select(ctx, &tasks,
		taskSelect+` WHERE status NOT IN (?, ?) ORDER BY task_path`,
		string(models.StatusDone), string(models.StatusEscalated))
	return tasks, err
}

const taskSelect = `SELECT task_path, repo, number, status, session_id, worktree_path,
	worker_id, repo_slot, daemon_id, heartbeat_at, checkpoint, pr_url, created_at, completed_at
	FROM tasks`

// --- Op states (leases) ---

const opStateSelect = `SELECT id, task_path, daemon_id, worker_id, session_id,
	worktree_path, claimed_ms, heartbeat_ms, released_ms, released_reason
	FROM op_states`

// CurrentOpState returns the live lease for a task path, or ErrNotFound.
func CurrentOpState(ctx context.Context, q Querier, taskPath string) (models.OpState, error) {
	var st models.OpState
	err := q.Get(ctx, &st, opStateSelect+` WHERE task_path = ? AND released_ms = 0`, taskPath)
	return st, notFound(err)
}

// ClaimOpState inserts a new current lease. Callers must run it inside Tx;
// it fails with ErrLeaseHeld if an unreleased row already exists.
func ClaimOpState(ctx context.Context, q Querier, st models.OpState) (int64, error) {
	var existing int64
	err := q.Get(ctx, &existing,
		`SELECT COUNT(*) FROM op_states WHERE task_path = ? AND released_ms = 0`, st.TaskPath)
	if err != nil {
		return 0, fmt.Errorf("checking current lease for %s: %w", st.TaskPath, err)
	}
	if existing > 0 {
		return 0, ErrLeaseHeld
	}

	// The id column is auto-assigned; insert everything else explicitly.
	err = q.Exec(ctx,
		`INSERT INTO op_states (task_path, daemon_id, worker_id, session_id, worktree_path,
		 claimed_ms, heartbeat_ms, released_ms, released_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')`,
		st.TaskPath, st.DaemonID, st.WorkerID, st.SessionID, st.WorktreePath,
		st.ClaimedMs, st.HeartbeatMs)
	if err != nil {
		return 0, fmt.Errorf("claiming lease for %s: %w", st.TaskPath, err)
	}

	claimed, err := CurrentOpState(ctx, q, st.TaskPath)
	if err != nil {
		return 0, err
	}
	return claimed.ID, nil
}

// ReleaseOpState closes the current lease for a task path. Releasing an
// already-released lease is a no-op.
func ReleaseOpState(ctx context.Context, q Querier, taskPath string, releasedMs int64, reason string) error {
	return q.Exec(ctx,
		`UPDATE op_states SET released_ms = ?, released_reason = ?
		 WHERE task_path = ? AND released_ms = 0`,
		releasedMs, reason, taskPath)
}

// HeartbeatOpState bumps the heartbeat on the current lease, but only when it
// is still owned by the given daemon. Returns ErrNotFound when ownership was
// lost, so the caller can abandon rather than flap.
func HeartbeatOpState(ctx context.Context, q Querier, taskPath, daemonID string, nowMs int64) error {
	st, err := CurrentOpState(ctx, q, taskPath)
	if err != nil {
		return err
	}
	if st.DaemonID != daemonID {
		return ErrNotFound
	}
	return q.Exec(ctx,
		`UPDATE op_states SET heartbeat_ms = ? WHERE id = ?`, nowMs, st.ID)
}

func ListCurrentOpStates(ctx context.Context, q Querier) ([]models.OpState, error) {
	var states []models.OpState
	err := q.Select(ctx, &states, opStateSelect+` WHERE released_ms = 0 ORDER BY task_path`)
	return states, err
}

// --- Idempotency keys ---

// ClaimIdempotencyKey records a first-writer-wins key. Returns false when the
// key already exists. Run inside Tx; the existence check and insert must not
// be split across transactions.
func ClaimIdempotencyKey(ctx context.Context, q Querier, key models.IdempotencyKey) (bool, error) {
	var count int64
	if err := q.Get(ctx, &count,
		"SELECT COUNT(*) FROM idempotency_keys WHERE `key` = ?", key.Key); err != nil {
		return false, fmt.Errorf("checking idempotency key: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	err := q.Exec(ctx,
		"INSERT INTO idempotency_keys (`key`, scope, payload, owner, created_ms) VALUES (?, ?, ?, ?, ?)",
		key.Key, key.Scope, key.Payload, key.Owner, key.CreatedMs)
	if err != nil {
		return false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	return true, nil
}

func GetIdempotencyKey(ctx context.Context, q Querier, key string) (models.IdempotencyKey, error) {
	var rec models.IdempotencyKey
	err := q.Get(ctx, &rec,
		"SELECT `key`, scope, payload, owner, created_ms FROM idempotency_keys WHERE `key` = ?", key)
	return rec, notFound(err)
}

// SetIdempotencyPayload attaches a payload to an already-claimed key.
func SetIdempotencyPayload(ctx context.Context, q Querier, key, payload string) error {
	return q.Exec(ctx,
		"UPDATE idempotency_keys SET payload = ? WHERE `key` = ?", payload, key)
}

func DeleteIdempotencyKey(ctx context.Context, q Querier, key string) error {
	return q.Exec(ctx, "DELETE FROM idempotency_keys WHERE `key` = ?", key)
}

// --- Sync cursors ---

func GetSyncCursor(ctx context.Context, q Querier, repo string) (models.SyncCursor, error) {
	var cur models.SyncCursor
	err := q.Get(ctx, &cur,
		`SELECT repo, last_sync_at, last_seen_issue_updated_at, last_merged_at, last_pr_number
		 FROM sync_cursors WHERE repo = ?`, repo)
	return cur, notFound(err)
}

func UpsertSyncCursor(ctx context.Context, q Querier, cur models.SyncCursor) error {
	return q.Upsert(ctx, "sync_cursors", cur, []string{"repo"})
}
