// Package syncer mirrors forge issues and labels into the local store, one
// polling loop per repo, with jittered intervals and capped backoff.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/ralphbot/ralph/internal/forge"
	"github.com/ralphbot/ralph/internal/queue"
	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/models"
)

// cursorSlack is subtracted from the cursor on each tick so clock skew
// between us and the forge cannot drop an update.
const cursorSlack = 5 * time.Second

// IssueLister is the slice of the forge client the poller needs.
type IssueLister interface {
	ListIssuesSince(ctx context.Context, owner, repo string, since time.Time) ([]forge.IssueData, bool, error)
}

// Poller syncs one repo. Run blocks until the context is cancelled.
type Poller struct {
	RepoSlug     string // "owner/name"
	Store        store.Store
	Forge        IssueLister
	BaseInterval time.Duration
	MaxBackoff   time.Duration
	// StoreAllOpen keeps even unlabeled open issues in the mirror.
	StoreAllOpen bool
	Now          func() time.Time // nil = time.Now

	failures int
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run polls until cancelled. Each tick sleeps a jittered interval; failures
// stretch the delay exponentially up to MaxBackoff.
func (p *Poller) Run(ctx context.Context) error {
	for {
		hadChanges, err := p.SyncOnce(ctx)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			p.failures++
			slog.Warn("Issue sync failed", "repo", p.RepoSlug, "failures", p.failures, "error", err)
		} else {
			p.failures = 0
			if hadChanges {
				slog.Debug("Issue sync observed changes", "repo", p.RepoSlug)
			}
		}

		select {
		case <-time.After(p.nextDelay(err)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nextDelay computes the sleep before the next tick: uniform jitter in
// [1, 1.5] x base, multiplied per consecutive failure, capped.
func (p *Poller) nextDelay(lastErr error) time.Duration {
	base := p.BaseInterval
	if base <= 0 {
		base = 30 * time.Second
	}
	delay := base + time.Duration(rand.Int63n(int64(base/2)+1))

	for i := 0; i < p.failures; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			delay = p.MaxBackoff
			break
		}
	}

	var apiErr *forge.APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfterHint > delay {
		delay = apiErr.RetryAfterHint
	}
	return delay
}

// SyncOnce performs a single sync tick. The cursor only advances on success;
// an error or cancellation leaves it strictly unchanged.
func (p *Poller) SyncOnce(ctx context.Context) (hadChanges bool, err error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	cursor, err := store.GetSyncCursor(ctx, p.Store, p.RepoSlug)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("reading sync cursor: %w", err)
	}

	since := time.Time{}
	if cursor.LastSyncAt != "" {
		at, perr := time.Parse(time.RFC3339, cursor.LastSyncAt)
		if perr == nil {
			since = at.Add(-cursorSlack)
		}
	}

	owner, name, _ := strings.Cut(p.RepoSlug, "/")
	items, notModified, err := p.Forge.ListIssuesSince(ctx, owner, name, since)
	if err != nil {
		return false, err
	}
	if notModified {
		return false, nil
	}

	recordedAt := p.now().UTC().Format(time.RFC3339)
	var newest time.Time

	for _, item := range items {
		if item.PullRequest {
			continue
		}
		labels := queue.NormalizeSet(item.Labels)
		if !p.StoreAllOpen && !hasRalphLabel(labels) {
			continue
		}

		snap := models.IssueSnapshot{
			Repo:            p.RepoSlug,
			Number:          item.Number,
			Title:           item.Title,
			State:           item.State,
			URL:             item.URL,
			GithubUpdatedAt: item.UpdatedAt.UTC().Format(time.RFC3339),
			RecordedAt:      recordedAt,
		}
		err = p.Store.Tx(ctx, func(q store.Querier) error {
			if err := store.UpsertIssueSnapshot(ctx, q, snap); err != nil {
				return err
			}
			return store.ReplaceIssueLabels(ctx, q, p.RepoSlug, item.Number, labels, recordedAt)
		})
		if err != nil {
			return hadChanges, fmt.Errorf("mirroring %s#%d: %w", p.RepoSlug, item.Number, err)
		}
		hadChanges = true
		if item.UpdatedAt.After(newest) {
			newest = item.UpdatedAt
		}
	}

	if !newest.IsZero() {
		cursor.Repo = p.RepoSlug
		cursor.LastSyncAt = newest.UTC().Format(time.RFC3339)
		cursor.LastSeenIssueUpdated = cursor.LastSyncAt
		if err := store.UpsertSyncCursor(ctx, p.Store, cursor); err != nil {
			return hadChanges, fmt.Errorf("advancing sync cursor: %w", err)
		}
	}
	return hadChanges, nil
}

func hasRalphLabel(labels []string) bool {
	for _, l := range labels {
		if strings.HasPrefix(l, "ralph:") {
			return true
		}
	}
	return false
}
