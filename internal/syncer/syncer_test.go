package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/forge"
	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/models"
)

type fakeLister struct {
	items       []forge.IssueData
	notModified bool
	err         error
	lastSince   time.Time
	calls       int
}

func (f *fakeLister) ListIssuesSince(ctx context.Context, owner, repo string, since time.Time) ([]forge.IssueData, bool, error) {
	f.calls++
	f.lastSince = since
	if f.err != nil {
		return nil, false, f.err
	}
	return f.items, f.notModified, nil
}

func newTestPoller(t *testing.T, lister *fakeLister) (*Poller, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return &Poller{
		RepoSlug:     "org/demo",
		Store:        s,
		Forge:        lister,
		BaseInterval: time.Second,
		StoreAllOpen: true,
	}, s
}

func TestSyncOnceMirrorsIssuesAndSkipsPRs(t *testing.T) {
	updated := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	lister := &fakeLister{items: []forge.IssueData{
		{Number: 10, Title: "Fix it", State: "OPEN", URL: "https://github.com/org/demo/issues/10",
			UpdatedAt: updated, Labels: []string{"ralph:status:queued", "RALPH:Priority:P2"}},
		{Number: 11, Title: "A PR", State: "OPEN", UpdatedAt: updated.Add(time.Minute), PullRequest: true},
	}}
	p, s := newTestPoller(t, lister)
	ctx := context.Background()

	hadChanges, err := p.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if !hadChanges {
		t.Error("hadChanges = false")
	}

	snap, err := store.GetIssue(ctx, s, "org/demo", 10)
	if err != nil {
		t.Fatalf("issue not mirrored: %v", err)
	}
	if snap.State != "OPEN" || snap.GithubUpdatedAt != "2026-08-01T10:00:00Z" {
		t.Errorf("snapshot = %+v", snap)
	}

	labels, err := store.GetLabels(ctx, s, "org/demo", 10)
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if len(labels) != 2 || labels[0] != "ralph:priority:p2" {
		t.Errorf("labels = %v, want normalized lowercase set", labels)
	}

	// The PR-shaped item must not appear in the issue mirror.
	if _, err := store.GetIssue(ctx, s, "org/demo", 11); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("PR mirrored as issue: %v", err)
	}

	// Cursor advanced to the newest observed issue update (the PR item's
	// timestamp is skipped along with the item).
	cur, err := store.GetSyncCursor(ctx, s, "org/demo")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur.LastSyncAt != "2026-08-01T10:00:00Z" {
		t.Errorf("cursor = %s", cur.LastSyncAt)
	}
}

func TestSyncOnceAppliesCursorSlack(t *testing.T) {
	lister := &fakeLister{}
	p, s := newTestPoller(t, lister)
	ctx := context.Background()

	if err := store.UpsertSyncCursor(ctx, s, cursorAt("2026-08-01T10:00:00Z")); err != nil {
		t.Fatalf("seeding cursor: %v", err)
	}

	if _, err := p.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	want := time.Date(2026, 8, 1, 9, 59, 55, 0, time.UTC)
	if !lister.lastSince.Equal(want) {
		t.Errorf("since = %v, want cursor minus 5s (%v)", lister.lastSince, want)
	}
}

func TestSyncOnceErrorFreezesCursor(t *testing.T) {
	lister := &fakeLister{err: &forge.APIError{Message: "boom", Status: 502, Code: forge.CodeServerError}}
	p, s := newTestPoller(t, lister)
	ctx := context.Background()

	if err := store.UpsertSyncCursor(ctx, s, cursorAt("2026-08-01T10:00:00Z")); err != nil {
		t.Fatalf("seeding cursor: %v", err)
	}

	if _, err := p.SyncOnce(ctx); err == nil {
		t.Fatal("SyncOnce succeeded, want error")
	}
	cur, err := store.GetSyncCursor(ctx, s, "org/demo")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur.LastSyncAt != "2026-08-01T10:00:00Z" {
		t.Errorf("cursor moved on error: %s", cur.LastSyncAt)
	}
}

func TestSyncOnceNotModifiedPreservesCursor(t *testing.T) {
	lister := &fakeLister{notModified: true}
	p, s := newTestPoller(t, lister)
	ctx := context.Background()

	if err := store.UpsertSyncCursor(ctx, s, cursorAt("2026-08-01T10:00:00Z")); err != nil {
		t.Fatalf("seeding cursor: %v", err)
	}

	hadChanges, err := p.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if hadChanges {
		t.Error("304 reported changes")
	}
	cur, _ := store.GetSyncCursor(ctx, s, "org/demo")
	if cur.LastSyncAt != "2026-08-01T10:00:00Z" {
		t.Errorf("cursor moved on 304: %s", cur.LastSyncAt)
	}
}

func TestSyncOnceAbortedPerformsNoWrites(t *testing.T) {
	lister := &fakeLister{items: []forge.IssueData{{Number: 10, State: "OPEN", UpdatedAt: time.Now()}}}
	p, s := newTestPoller(t, lister)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.SyncOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if lister.calls != 0 {
		t.Error("forge called after cancellation")
	}
	if _, err := store.GetIssue(context.Background(), s, "org/demo", 10); !errors.Is(err, store.ErrNotFound) {
		t.Error("writes performed after cancellation")
	}
}

func TestSyncOnceFiltersUnlabeledWhenConfigured(t *testing.T) {
	updated := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	lister := &fakeLister{items: []forge.IssueData{
		{Number: 10, State: "OPEN", UpdatedAt: updated, Labels: []string{"bug"}},
		{Number: 11, State: "OPEN", UpdatedAt: updated, Labels: []string{"ralph:queued"}},
	}}
	p, s := newTestPoller(t, lister)
	p.StoreAllOpen = false
	ctx := context.Background()

	if _, err := p.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if _, err := store.GetIssue(ctx, s, "org/demo", 10); !errors.Is(err, store.ErrNotFound) {
		t.Error("unlabeled issue mirrored despite filter")
	}
	// The legacy alias still counts as a ralph label after normalization.
	if _, err := store.GetIssue(ctx, s, "org/demo", 11); err != nil {
		t.Errorf("legacy-labeled issue missing: %v", err)
	}
}

func cursorAt(ts string) models.SyncCursor {
	return models.SyncCursor{Repo: "org/demo", LastSyncAt: ts, LastSeenIssueUpdated: ts}
}
