package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func TestIssueSnapshotUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := models.IssueSnapshot{
		Repo: "acme/widgets", Number: 42, Title: "Fix the frobnicator",
		State: "OPEN", URL: "https://github.com/acme/widgets/issues/42",
		GithubUpdatedAt: "2026-08-01T10:00:00Z", RecordedAt: "2026-08-01T10:00:05Z",
	}
	if err := UpsertIssueSnapshot(ctx, s, snap); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	snap.Title = "Fix the frobnicator properly"
	if err := UpsertIssueSnapshot(ctx, s, snap); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := GetIssue(ctx, s, "acme/widgets", 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Fix the frobnicator properly" {
		t.Errorf("title = %q, want updated title", got.Title)
	}

	if _, err := GetIssue(ctx, s, "acme/widgets", 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing issue err = %v, want ErrNotFound", err)
	}
}

func TestReplaceIssueLabels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(q Querier) error {
		return ReplaceIssueLabels(ctx, q, "acme/widgets", 42,
			[]string{"ralph:status:queued", "ralph:priority:p1"}, "2026-08-01T10:00:00Z")
	})
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}

	err = s.Tx(ctx, func(q Querier) error {
		return ReplaceIssueLabels(ctx, q, "acme/widgets", 42,
			[]string{"ralph:status:in-progress"}, "2026-08-01T10:05:00Z")
	})
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}

	labels, err := GetLabels(ctx, s, "acme/widgets", 42)
	if err != nil {
		t.Fatalf("get labels: %v", err)
	}
	if len(labels) != 1 || labels[0] != "ralph:status:in-progress" {
		t.Errorf("labels = %v, want single in-progress label", labels)
	}
}

func TestOpStateLeaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const taskPath = "acme/widgets#42"
	st := models.OpState{
		TaskPath: taskPath, DaemonID: "daemon-a", WorkerID: "worker-1",
		ClaimedMs: 1000, HeartbeatMs: 1000,
	}

	var id int64
	err := s.Tx(ctx, func(q Querier) error {
		var err error
		id, err = ClaimOpState(ctx, q, st)
		return err
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if id == 0 {
		t.Fatal("claim returned zero id")
	}

	// A second claim while the lease is live must fail.
	err = s.Tx(ctx, func(q Querier) error {
		_, err := ClaimOpState(ctx, q, models.OpState{TaskPath: taskPath, DaemonID: "daemon-b"})
		return err
	})
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("second claim err = %v, want ErrLeaseHeld", err)
	}

	if err := HeartbeatOpState(ctx, s, taskPath, "daemon-a", 2000); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	cur, err := CurrentOpState(ctx, s, taskPath)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.HeartbeatMs != 2000 {
		t.Errorf("heartbeat_ms = %d, want 2000", cur.HeartbeatMs)
	}

	// Heartbeats from a daemon that no longer owns the lease are rejected.
	if err := HeartbeatOpState(ctx, s, taskPath, "daemon-b", 3000); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign heartbeat err = %v, want ErrNotFound", err)
	}

	if err := ReleaseOpState(ctx, s, taskPath, 4000, "finalize"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := CurrentOpState(ctx, s, taskPath); !errors.Is(err, ErrNotFound) {
		t.Errorf("current after release err = %v, want ErrNotFound", err)
	}

	// After release the path is claimable again.
	err = s.Tx(ctx, func(q Querier) error {
		_, err := ClaimOpState(ctx, q, models.OpState{TaskPath: taskPath, DaemonID: "daemon-b", ClaimedMs: 5000})
		return err
	})
	if err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
}

func TestIdempotencyKeyFirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := models.IdempotencyKey{
		Key: "pr-create:acme/widgets#42:ralph/issue-42", Scope: "pr-create",
		Owner: "daemon-a", CreatedMs: 1000,
	}

	var claimed bool
	err := s.Tx(ctx, func(q Querier) error {
		var err error
		claimed, err = ClaimIdempotencyKey(ctx, q, key)
		return err
	})
	if err != nil || !claimed {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", claimed, err)
	}

	err = s.Tx(ctx, func(q Querier) error {
		var err error
		claimed, err = ClaimIdempotencyKey(ctx, q, key)
		return err
	})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Error("second claim succeeded, want first-writer-wins")
	}

	if err := SetIdempotencyPayload(ctx, s, key.Key, `{"pr_url":"https://github.com/acme/widgets/pull/7"}`); err != nil {
		t.Fatalf("set payload: %v", err)
	}
	rec, err := GetIdempotencyKey(ctx, s, key.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Payload == "" || rec.Owner != "daemon-a" {
		t.Errorf("record = %+v, want payload set and original owner kept", rec)
	}
}

func TestEnsureGateRowsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := models.Run{
		RunID: "run-1", Repo: "acme/widgets", Issue: 42,
		TaskPath: "acme/widgets#42", AttemptKind: "build", StartedAt: "2026-08-01T10:00:00Z",
	}
	if err := InsertRun(ctx, s, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	if err := EnsureGateRows(ctx, s, "run-1", "2026-08-01T10:00:00Z"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	// Record a pass, then re-run ensure; the pass must survive.
	if err := UpsertGateResult(ctx, s, models.GateResult{
		RunID: "run-1", Gate: models.GateCI, Status: models.GatePass,
		URL: "https://ci.example/run/1", UpdatedAt: "2026-08-01T10:30:00Z",
	}); err != nil {
		t.Fatalf("upsert result: %v", err)
	}
	if err := EnsureGateRows(ctx, s, "run-1", "2026-08-01T11:00:00Z"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	results, err := ListGateResults(ctx, s, "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != len(models.AllGates) {
		t.Fatalf("got %d gate rows, want %d", len(results), len(models.AllGates))
	}
	for _, r := range results {
		want := models.GatePending
		if r.Gate == models.GateCI {
			want = models.GatePass
		}
		if r.Status != want {
			t.Errorf("gate %s status = %s, want %s", r.Gate, r.Status, want)
		}
	}
}

func TestThrottleEventWindowSum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ev := range []models.ThrottleEvent{
		{ProviderID: "anthropic", AtMs: 1000, Tokens: 500},
		{ProviderID: "anthropic", AtMs: 2000, Tokens: 300},
		{ProviderID: "anthropic", AtMs: 5000, Tokens: 200},
		{ProviderID: "other", AtMs: 2500, Tokens: 9999},
	} {
		if err := InsertThrottleEvent(ctx, s, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	total, err := SumTokensSince(ctx, s, "anthropic", 2000)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if total != 500 {
		t.Errorf("sum since 2000 = %d, want 500", total)
	}

	if err := PruneThrottleEvents(ctx, s, 2000); err != nil {
		t.Fatalf("prune: %v", err)
	}
	total, err = SumTokensSince(ctx, s, "anthropic", 0)
	if err != nil {
		t.Fatalf("sum after prune: %v", err)
	}
	if total != 500 {
		t.Errorf("sum after prune = %d, want 500", total)
	}
}

func TestSyncCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := GetSyncCursor(ctx, s, "acme/widgets"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing cursor err = %v, want ErrNotFound", err)
	}

	cur := models.SyncCursor{
		Repo: "acme/widgets", LastSyncAt: "2026-08-01T10:00:00Z",
		LastSeenIssueUpdated: "2026-08-01T09:59:00Z",
	}
	if err := UpsertSyncCursor(ctx, s, cur); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	cur.LastSyncAt = "2026-08-01T10:01:00Z"
	if err := UpsertSyncCursor(ctx, s, cur); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := GetSyncCursor(ctx, s, "acme/widgets")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastSyncAt != "2026-08-01T10:01:00Z" {
		t.Errorf("last_sync_at = %s, want advanced cursor", got.LastSyncAt)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := models.Task{
		TaskPath: "acme/widgets#42", Repo: "acme/widgets", Number: 42,
		Status: string(models.StatusQueued), RepoSlot: -1,
		CreatedAt: "2026-08-01T10:00:00Z",
	}
	if err := UpsertTask(ctx, s, task); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	task.Status = string(models.StatusInProgress)
	task.RepoSlot = 0
	task.WorkerID = "worker-1"
	if err := UpsertTask(ctx, s, task); err != nil {
		t.Fatalf("transition upsert: %v", err)
	}

	inProgress, err := ListTasksByStatus(ctx, s, models.StatusInProgress)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(inProgress) != 1 || inProgress[0].TaskPath != "acme/widgets#42" {
		t.Fatalf("in-progress tasks = %+v, want the transitioned task", inProgress)
	}

	queued, err := ListTasksByStatus(ctx, s, models.StatusQueued)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("queued tasks = %+v, want none", queued)
	}
}

func TestListRunsTopRanking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []models.Run{
		{RunID: "run-a", Repo: "acme/widgets", Issue: 1, TaskPath: "acme/widgets#1",
			AttemptKind: "build", StartedAt: "2026-08-01T10:00:00Z",
			CompletedAt: "2026-08-01T11:00:00Z", Outcome: "merged", TokensTotal: 500},
		{RunID: "run-b", Repo: "acme/widgets", Issue: 2, TaskPath: "acme/widgets#2",
			AttemptKind: "build", StartedAt: "2026-08-02T10:00:00Z",
			CompletedAt: "2026-08-02T11:00:00Z", Outcome: "merged", TokensTotal: 9000},
		{RunID: "run-c", Repo: "acme/widgets", Issue: 3, TaskPath: "acme/widgets#3",
			AttemptKind: "build", StartedAt: "2026-08-03T10:00:00Z",
			CompletedAt: "2026-08-03T11:00:00Z", Outcome: "blocked", TokensTotal: 2000},
		// Never completed: no outcome recorded.
		{RunID: "run-d", Repo: "acme/widgets", Issue: 4, TaskPath: "acme/widgets#4",
			AttemptKind: "build", StartedAt: "2026-08-04T10:00:00Z", TokensTotal: 7000},
	}
	for _, run := range seed {
		if err := InsertRun(ctx, s, run); err != nil {
			t.Fatalf("seeding %s: %v", run.RunID, err)
		}
	}

	// Token ranking skips the outcome-less run by default.
	runs, err := ListRunsTop(ctx, s, RunsTopQuery{Sort: RunsSortTokens})
	if err != nil {
		t.Fatalf("tokens sort: %v", err)
	}
	if got := runIDs(runs); !equalStrings(got, []string{"run-b", "run-c", "run-a"}) {
		t.Errorf("token ranking = %v, want [run-b run-c run-a]", got)
	}

	// IncludeMissing brings it back, ranked by its tokens.
	runs, err = ListRunsTop(ctx, s, RunsTopQuery{Sort: RunsSortTokens, IncludeMissing: true})
	if err != nil {
		t.Fatalf("include missing: %v", err)
	}
	if got := runIDs(runs); !equalStrings(got, []string{"run-b", "run-d", "run-c", "run-a"}) {
		t.Errorf("ranking with missing = %v", got)
	}
}

func TestListRunsTopWindowAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, started := range []string{
		"2026-08-01T10:00:00Z", "2026-08-02T10:00:00Z", "2026-08-03T10:00:00Z",
	} {
		run := models.Run{
			RunID: fmt.Sprintf("run-%d", i), Repo: "acme/widgets", Issue: i,
			TaskPath: fmt.Sprintf("acme/widgets#%d", i), AttemptKind: "build",
			StartedAt: started, CompletedAt: started, Outcome: "merged",
			TokensTotal: int64(100 * (i + 1)),
		}
		if err := InsertRun(ctx, s, run); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	runs, err := ListRunsTop(ctx, s, RunsTopQuery{
		SinceIso: "2026-08-02T00:00:00Z",
		UntilIso: "2026-08-02T23:59:59Z",
	})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if got := runIDs(runs); !equalStrings(got, []string{"run-1"}) {
		t.Errorf("windowed runs = %v, want [run-1]", got)
	}

	runs, err = ListRunsTop(ctx, s, RunsTopQuery{Limit: 2})
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("limited runs = %v, want 2", runIDs(runs))
	}
}

func TestListRunsTopTriageSort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cheap := models.Run{RunID: "run-failing", Repo: "acme/widgets", Issue: 1,
		TaskPath: "acme/widgets#1", AttemptKind: "build",
		StartedAt: "2026-08-01T10:00:00Z", CompletedAt: "2026-08-01T11:00:00Z",
		Outcome: "blocked", TokensTotal: 100}
	rich := models.Run{RunID: "run-clean", Repo: "acme/widgets", Issue: 2,
		TaskPath: "acme/widgets#2", AttemptKind: "build",
		StartedAt: "2026-08-01T10:00:00Z", CompletedAt: "2026-08-01T11:00:00Z",
		Outcome: "merged", TokensTotal: 9000}
	for _, run := range []models.Run{cheap, rich} {
		if err := InsertRun(ctx, s, run); err != nil {
			t.Fatalf("seeding: %v", err)
		}
		if err := EnsureGateRows(ctx, s, run.RunID, run.StartedAt); err != nil {
			t.Fatalf("gate rows: %v", err)
		}
	}
	if err := UpsertGateResult(ctx, s, models.GateResult{
		RunID: "run-failing", Gate: models.GateCI, Status: models.GateFail,
		UpdatedAt: "2026-08-01T10:30:00Z",
	}); err != nil {
		t.Fatalf("failing gate: %v", err)
	}

	// Triage puts the failed-gate run first despite far fewer tokens.
	runs, err := ListRunsTop(ctx, s, RunsTopQuery{Sort: RunsSortTriage})
	if err != nil {
		t.Fatalf("triage sort: %v", err)
	}
	if got := runIDs(runs); !equalStrings(got, []string{"run-failing", "run-clean"}) {
		t.Errorf("triage ranking = %v, want [run-failing run-clean]", got)
	}

	// Token sort ranks the same rows the other way around.
	runs, err = ListRunsTop(ctx, s, RunsTopQuery{Sort: RunsSortTokens})
	if err != nil {
		t.Fatalf("tokens sort: %v", err)
	}
	if got := runIDs(runs); !equalStrings(got, []string{"run-clean", "run-failing"}) {
		t.Errorf("token ranking = %v, want [run-clean run-failing]", got)
	}
}

func runIDs(runs []models.Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.RunID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
