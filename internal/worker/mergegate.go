package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/forge"
)

// ErrChecksTimeout is returned when required checks never settle.
var ErrChecksTimeout = errors.New("required checks did not complete in time")

// ErrChecksFailed is returned when a required check concluded FAILURE.
type ErrChecksFailed struct {
	Failed []string
}

func (e *ErrChecksFailed) Error() string {
	return fmt.Sprintf("required checks failed: %v", e.Failed)
}

// mergeForge is the slice of the forge client the merge gate needs.
type mergeForge interface {
	GetPR(ctx context.Context, owner, repo string, number int) (forge.PRData, error)
	MergePR(ctx context.Context, owner, repo string, number int, method string) error
	UpdateBranch(ctx context.Context, owner, repo string, number int) error
	RequiredChecks(ctx context.Context, owner, repo, branch string) ([]string, error)
	ListChecks(ctx context.Context, owner, repo, ref string) ([]forge.CheckState, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

// MergeGate drives a PR from open to merged: resolve required checks, poll
// until they pass, merge, and handle the base-modified dance.
type MergeGate struct {
	Forge mergeForge
	Repo  config.RepoConfig

	CheckTimeout time.Duration // 0 = 45m
	PollInterval time.Duration // 0 = 30s
	MergeMethod  string        // "" = squash

	// Triage runs the CI-triage agent after a pre-merge check failure; nil
	// disables. Returning nil means the failure was fixed and the gate
	// re-polls once.
	Triage func(ctx context.Context, failed []string) error

	Sleep func(ctx context.Context, d time.Duration) error // nil = real sleep
}

func (g *MergeGate) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep != nil {
		return g.Sleep(ctx, d)
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

// ResolveRequiredChecks resolves the check set in priority order: explicit
// repo config wins; else branch protection on the bot branch, then the
// default branch; an empty result disables gating.
func (g *MergeGate) ResolveRequiredChecks(ctx context.Context, owner, name string) ([]string, error) {
	if len(g.Repo.RequiredChecks) > 0 {
		return g.Repo.RequiredChecks, nil
	}
	if g.Repo.BotBranch != "" {
		checks, err := g.Forge.RequiredChecks(ctx, owner, name, g.Repo.BotBranch)
		if err != nil {
			return nil, err
		}
		if len(checks) > 0 {
			return checks, nil
		}
	}
	def, err := g.Forge.DefaultBranch(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	return g.Forge.RequiredChecks(ctx, owner, name, def)
}

// Run takes the PR through checks and merge. Returns the merged PR state.
func (g *MergeGate) Run(ctx context.Context, owner, name string, prNumber int) (forge.PRData, error) {
	required, err := g.ResolveRequiredChecks(ctx, owner, name)
	if err != nil {
		return forge.PRData{}, fmt.Errorf("resolving required checks: %w", err)
	}

	triaged := false
	for {
		pr, err := g.Forge.GetPR(ctx, owner, name, prNumber)
		if err != nil {
			return forge.PRData{}, err
		}
		if pr.Merged {
			return pr, nil
		}

		if len(required) > 0 {
			err := g.awaitChecks(ctx, owner, name, pr.HeadSHA, required)
			var failed *ErrChecksFailed
			if errors.As(err, &failed) && g.Triage != nil && !triaged {
				triaged = true
				slog.Info("Pre-merge CI failure, invoking triage",
					"pr", pr.URL, "failed", failed.Failed)
				if terr := g.Triage(ctx, failed.Failed); terr != nil {
					return forge.PRData{}, fmt.Errorf("ci triage: %w", terr)
				}
				continue
			}
			if err != nil {
				return forge.PRData{}, err
			}
		}

		if err := g.merge(ctx, owner, name, prNumber); err != nil {
			return forge.PRData{}, err
		}
		return g.Forge.GetPR(ctx, owner, name, prNumber)
	}
}

// merge attempts the merge, handling "base branch was modified" by updating
// the branch and retrying exactly once.
func (g *MergeGate) merge(ctx context.Context, owner, name string, prNumber int) error {
	err := g.Forge.MergePR(ctx, owner, name, prNumber, g.MergeMethod)
	if err == nil || !forge.IsBaseModified(err) {
		return err
	}

	slog.Info("Base branch modified, updating and retrying merge",
		"repo", owner+"/"+name, "pr", prNumber)
	if uerr := g.Forge.UpdateBranch(ctx, owner, name, prNumber); uerr != nil {
		return fmt.Errorf("updating branch after base change: %w", uerr)
	}
	if err := g.awaitFreshSHA(ctx, owner, name, prNumber); err != nil {
		return err
	}

	err = g.Forge.MergePR(ctx, owner, name, prNumber, g.MergeMethod)
	if forge.IsBaseModified(err) {
		// The second 405 is a block, not a retry loop.
		return err
	}
	return err
}

// awaitFreshSHA waits for the update-branch push to land a new head.
func (g *MergeGate) awaitFreshSHA(ctx context.Context, owner, name string, prNumber int) error {
	before, err := g.Forge.GetPR(ctx, owner, name, prNumber)
	if err != nil {
		return err
	}
	interval := g.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for i := 0; i < 10; i++ {
		if err := g.sleep(ctx, interval/3); err != nil {
			return err
		}
		pr, err := g.Forge.GetPR(ctx, owner, name, prNumber)
		if err != nil {
			return err
		}
		if pr.HeadSHA != before.HeadSHA {
			return nil
		}
	}
	// Update may have been a no-op (already up to date); proceed and let the
	// merge call be the arbiter.
	return nil
}

// awaitChecks polls until every required check is SUCCESS, any is FAILURE, or
// the timeout elapses.
func (g *MergeGate) awaitChecks(ctx context.Context, owner, name, sha string, required []string) error {
	timeout := g.CheckTimeout
	if timeout <= 0 {
		timeout = 45 * time.Minute
	}
	interval := g.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	var waited time.Duration
	for {
		states, err := g.Forge.ListChecks(ctx, owner, name, sha)
		if err != nil {
			return err
		}
		byName := make(map[string]string, len(states))
		for _, st := range states {
			// Keep the worst status when a context reports twice.
			if cur, ok := byName[st.Name]; !ok || rank(st.Status) > rank(cur) {
				byName[st.Name] = st.Status
			}
		}

		var failed []string
		pending := 0
		for _, req := range required {
			switch byName[req] {
			case "SUCCESS":
			case "FAILURE":
				failed = append(failed, req)
			default:
				pending++
			}
		}
		if len(failed) > 0 {
			return &ErrChecksFailed{Failed: failed}
		}
		if pending == 0 {
			return nil
		}

		if waited >= timeout {
			return fmt.Errorf("%w after %v: %d pending", ErrChecksTimeout, waited, pending)
		}
		if err := g.sleep(ctx, interval); err != nil {
			return err
		}
		waited += interval
	}
}

func rank(status string) int {
	switch status {
	case "FAILURE":
		return 2
	case "SUCCESS":
		return 1
	default:
		return 0
	}
}
