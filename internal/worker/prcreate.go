package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ralphbot/ralph/internal/forge"
	"github.com/ralphbot/ralph/internal/lease"
)

// ErrPRCreateContended is returned when another writer holds the pr-create
// lease, has published nothing within the wait window, and self-heal was not
// available. The caller backs off and retries the whole stage.
var ErrPRCreateContended = errors.New("pr-create lease contended")

// pullForge is the slice of the forge client PR creation needs.
type pullForge interface {
	CreatePR(ctx context.Context, owner, repo, title, body, head, base string) (forge.PRData, error)
	ListPRsForHead(ctx context.Context, owner, repo, headBranch string) ([]forge.PRData, error)
}

// PRCreator ensures exactly one PR exists for a task branch, across workers
// and across restarts, via the pr-create idempotency lease.
type PRCreator struct {
	Forge  pullForge
	Leases *lease.Registry
	// Push publishes the branch before PR creation; nil skips (tests).
	Push func(ctx context.Context) error

	ConflictWait   time.Duration // wait for a lease winner to publish
	SelfHealMinAge time.Duration // minimum lease age before self-heal
	PollInterval   time.Duration // 0 = 2s

	Sleep func(ctx context.Context, d time.Duration) error // nil = real sleep
}

func (p *PRCreator) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
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

// Ensure returns the PR for the task branch, creating it if this worker wins
// the lease. owner/name identify the repo; head is the task branch; base the
// integration branch.
func (p *PRCreator) Ensure(ctx context.Context, owner, name string, issue int, title, body, head, base string) (forge.PRData, error) {
	repo := owner + "/" + name

	// A PR may already exist from a previous attempt; reuse beats any lease
	// ceremony.
	if pr, ok, err := p.findExisting(ctx, owner, name, head); err != nil {
		return forge.PRData{}, err
	} else if ok {
		return pr, nil
	}

	key := lease.PRCreateKey(repo, issue, base)
	claimed, err := p.Leases.RecordKey(ctx, key, "pr-create", "")
	if err != nil {
		return forge.PRData{}, err
	}
	if claimed {
		return p.create(ctx, owner, name, key, title, body, head, base)
	}

	// Another writer holds the lease. Wait for it to publish.
	pr, ok, err := p.awaitWinner(ctx, owner, name, head)
	if err != nil || ok {
		return pr, err
	}

	// Nothing published within the window. One self-heal attempt is allowed
	// when the lease is old enough; a second is always refused.
	healed, err := p.Leases.SelfHeal(ctx, key, "pr-create", "", p.SelfHealMinAge)
	if err != nil {
		return forge.PRData{}, err
	}
	if healed {
		slog.Warn("Self-healed pr-create lease", "repo", repo, "issue", issue)
		return p.create(ctx, owner, name, key, title, body, head, base)
	}
	return forge.PRData{}, fmt.Errorf("%w: %s", ErrPRCreateContended, key)
}

func (p *PRCreator) create(ctx context.Context, owner, name, key, title, body, head, base string) (forge.PRData, error) {
	if p.Push != nil {
		if err := p.Push(ctx); err != nil {
			return forge.PRData{}, fmt.Errorf("pushing branch: %w", err)
		}
	}
	pr, err := p.Forge.CreatePR(ctx, owner, name, title, body, head, base)
	if forge.IsConflict(err) {
		// Someone created it between our list and create. Idempotent success.
		if existing, ok, ferr := p.findExisting(ctx, owner, name, head); ferr == nil && ok {
			pr, err = existing, nil
		}
	}
	if err != nil {
		return forge.PRData{}, err
	}
	if uerr := p.Leases.UpsertKey(ctx, key, pr.URL); uerr != nil {
		slog.Warn("Recording PR URL on lease failed", "key", key, "error", uerr)
	}
	return pr, nil
}

// awaitWinner polls for the lease winner's published PR until the conflict
// window closes.
func (p *PRCreator) awaitWinner(ctx context.Context, owner, name, head string) (forge.PRData, bool, error) {
	interval := p.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	var waited time.Duration
	for {
		if pr, ok, err := p.findExisting(ctx, owner, name, head); err == nil && ok {
			return pr, true, nil
		}
		if waited >= p.ConflictWait {
			return forge.PRData{}, false, nil
		}
		if err := p.sleep(ctx, interval); err != nil {
			return forge.PRData{}, false, err
		}
		waited += interval
	}
}

func (p *PRCreator) findExisting(ctx context.Context, owner, name, head string) (forge.PRData, bool, error) {
	prs, err := p.Forge.ListPRsForHead(ctx, owner, name, head)
	if err != nil {
		return forge.PRData{}, false, err
	}
	if len(prs) == 0 {
		return forge.PRData{}, false, nil
	}
	return prs[0], true, nil
}
