package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ralphbot/ralph/internal/forge"
	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/models"
)

// MergedPRSearcher is the forge slice the reconciler needs.
type MergedPRSearcher interface {
	SearchMergedPRs(ctx context.Context, owner, repo string, since time.Time) ([]forge.MergedPR, error)
}

// DoneReconciler catches merges the daemon missed (merged by a human, or
// merged while the daemon was down): it walks the merged-PR search cursor and
// flips matching PR snapshots to merged so waiting-on-pr tasks can finalize.
type DoneReconciler struct {
	RepoSlug string
	Store    store.Store
	Forge    MergedPRSearcher
	Now      func() time.Time // nil = time.Now
}

func (r *DoneReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ReconcileOnce scans merged PRs since the cursor. The cursor advances to the
// newest (mergedAt, prNumber) observed and is untouched on error.
func (r *DoneReconciler) ReconcileOnce(ctx context.Context) error {
	cursor, err := store.GetSyncCursor(ctx, r.Store, r.RepoSlug)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading reconciler cursor: %w", err)
	}

	since := time.Time{}
	if cursor.LastMergedAt != "" {
		if at, perr := time.Parse(time.RFC3339, cursor.LastMergedAt); perr == nil {
			since = at.Add(-cursorSlack)
		}
	}

	owner, name, _ := strings.Cut(r.RepoSlug, "/")
	merged, err := r.Forge.SearchMergedPRs(ctx, owner, name, since)
	if err != nil {
		return err
	}

	recordedAt := r.now().UTC().Format(time.RFC3339)
	var newestAt time.Time
	newestNum := cursor.LastPRNumber

	for _, pr := range merged {
		// Skip hits at or below the cursor to keep the walk idempotent.
		if pr.Number <= cursor.LastPRNumber && !pr.MergedAt.After(parseOrZero(cursor.LastMergedAt)) {
			continue
		}

		snaps, err := store.FindPRSnapshotsByURL(ctx, r.Store, r.RepoSlug, pr.URL)
		if err != nil {
			return fmt.Errorf("looking up PR %s: %w", pr.URL, err)
		}
		for _, snap := range snaps {
			if snap.State == models.PRMerged {
				continue
			}
			snap.State = models.PRMerged
			snap.RecordedAt = recordedAt
			if err := store.UpsertPRSnapshot(ctx, r.Store, snap); err != nil {
				return fmt.Errorf("marking PR merged: %w", err)
			}
			slog.Info("Reconciled merged PR", "repo", r.RepoSlug, "issue", snap.Issue, "pr", pr.URL)
		}

		if pr.MergedAt.After(newestAt) {
			newestAt = pr.MergedAt
		}
		if pr.Number > newestNum {
			newestNum = pr.Number
		}
	}

	if !newestAt.IsZero() {
		cursor.Repo = r.RepoSlug
		cursor.LastMergedAt = newestAt.UTC().Format(time.RFC3339)
		cursor.LastPRNumber = newestNum
		if err := store.UpsertSyncCursor(ctx, r.Store, cursor); err != nil {
			return fmt.Errorf("advancing reconciler cursor: %w", err)
		}
	}
	return nil
}

func parseOrZero(ts string) time.Time {
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return at
}
