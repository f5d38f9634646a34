// Package lease implements the idempotency and lease registry: claim/release
// of keyed tokens used for cross-restart dedupe of PR creation, watchdog
// comments, verification comments, and survey write-back.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ralphbot/ralph/internal/store"
	"github.com/ralphbot/ralph/models"
)

// Key constructors. Keys are content-derived so any process computes the same
// key for the same logical operation.

func PRCreateKey(repo string, issue int, botBranch string) string {
	return fmt.Sprintf("pr-create:%s#%d:%s", repo, issue, botBranch)
}

func WatchdogKey(repo string, issue int, markerID string) string {
	return fmt.Sprintf("gh-watchdog:%s#%d:%s", repo, issue, markerID)
}

func VerifyKey(repo string, issue int, markerID string) string {
	return fmt.Sprintf("gh-verify:%s#%d:%s", repo, issue, markerID)
}

func SurveyParentKey(repo string, issue int) string {
	return fmt.Sprintf("dx-survey-parent:%s#%d", repo, issue)
}

func SurveyChildKey(repo string, issue int, kind string) string {
	return fmt.Sprintf("dx-survey-child:%s#%d:%s", repo, issue, kind)
}

// Registry claims and releases idempotency keys backed by the state store.
// Self-heal attempts are tracked in memory: a key may be healed at most once
// per process lifetime.
type Registry struct {
	store store.Store
	owner string // daemon id recorded on claims

	mu     sync.Mutex
	healed map[string]bool
}

func NewRegistry(s store.Store, owner string) *Registry {
	return &Registry{store: s, owner: owner, healed: make(map[string]bool)}
}

// RecordKey claims a key if absent. Returns false when another writer claimed
// first. First writer wins across restarts.
func (r *Registry) RecordKey(ctx context.Context, key, scope, payload string) (bool, error) {
	var claimed bool
	err := r.store.Tx(ctx, func(q store.Querier) error {
		var err error
		claimed, err = store.ClaimIdempotencyKey(ctx, q, models.IdempotencyKey{
			Key:       key,
			Scope:     scope,
			Payload:   payload,
			Owner:     r.owner,
			CreatedMs: time.Now().UnixMilli(),
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("recording key %s: %w", key, err)
	}
	return claimed, nil
}

// UpsertKey updates the payload of an already-claimed key.
func (r *Registry) UpsertKey(ctx context.Context, key, payload string) error {
	return store.SetIdempotencyPayload(ctx, r.store, key, payload)
}

func (r *Registry) HasKey(ctx context.Context, key string) (bool, error) {
	_, err := store.GetIdempotencyKey(ctx, r.store, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) GetPayload(ctx context.Context, key string) (string, error) {
	rec, err := store.GetIdempotencyKey(ctx, r.store, key)
	if err != nil {
		return "", err
	}
	return rec.Payload, nil
}

// DeleteKey removes a key. Callers other than the claimant should go through
// SelfHeal instead.
func (r *Registry) DeleteKey(ctx context.Context, key string) error {
	return store.DeleteIdempotencyKey(ctx, r.store, key)
}

// SelfHeal deletes and re-claims a contested key, but only when the existing
// claim is at least minAge old and this process has not already healed the
// same key. Returns true when the caller now holds the key.
//
// The one-shot restriction is the escape hatch against leases orphaned by a
// daemon crash: a single retry recovers the stuck case, while repeated
// healing would let two live writers fight over the key.
func (r *Registry) SelfHeal(ctx context.Context, key, scope, payload string, minAge time.Duration) (bool, error) {
	r.mu.Lock()
	if r.healed[key] {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	rec, err := store.GetIdempotencyKey(ctx, r.store, key)
	if errors.Is(err, store.ErrNotFound) {
		// Key vanished between checks; a plain claim suffices.
		return r.RecordKey(ctx, key, scope, payload)
	}
	if err != nil {
		return false, err
	}

	age := time.Since(time.UnixMilli(rec.CreatedMs))
	if age < minAge {
		return false, nil
	}

	var claimed bool
	err = r.store.Tx(ctx, func(q store.Querier) error {
		if err := store.DeleteIdempotencyKey(ctx, q, key); err != nil {
			return err
		}
		var err error
		claimed, err = store.ClaimIdempotencyKey(ctx, q, models.IdempotencyKey{
			Key:       key,
			Scope:     scope,
			Payload:   payload,
			Owner:     r.owner,
			CreatedMs: time.Now().UnixMilli(),
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("self-healing key %s: %w", key, err)
	}

	r.mu.Lock()
	r.healed[key] = true
	r.mu.Unlock()

	slog.Warn("Self-healed stuck lease", "key", key, "previous_owner", rec.Owner, "age", age.Round(time.Second))
	return claimed, nil
}
