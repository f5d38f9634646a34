package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// WorktreeManager provisions per-task working copies under
// <root>/<repo-slug>/slot-<n>/<issue>/task-a.
type WorktreeManager struct {
	Root  string
	Token func() string // bearer for HTTPS push/fetch; nil = unauthenticated
}

func (wm *WorktreeManager) auth() *githttp.BasicAuth {
	if wm.Token == nil {
		return nil
	}
	tok := wm.Token()
	if tok == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "ralph", Password: tok}
}

// Path computes the worktree location for a task without touching disk.
func (wm *WorktreeManager) Path(repoSlug string, slot, issue int) string {
	slug := strings.ReplaceAll(repoSlug, "/", "-")
	return filepath.Join(wm.Root, slug, fmt.Sprintf("slot-%d", slot), fmt.Sprintf("%d", issue), "task-a")
}

// BranchName is the working branch for an issue.
func BranchName(issue int) string {
	return fmt.Sprintf("ralph/issue-%d", issue)
}

// Ensure returns a ready worktree for the task. An existing directory is
// reused when keepDirty is set (a live PR branch is associated with it);
// otherwise a dirty or broken copy is pruned and recreated.
func (wm *WorktreeManager) Ensure(ctx context.Context, repoURL, repoSlug string, slot, issue int, keepDirty bool) (string, error) {
	dest := wm.Path(repoSlug, slot, issue)

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		repo, err := gogit.PlainOpen(dest)
		if err == nil {
			dirty, derr := isDirty(repo)
			if derr == nil && (!dirty || keepDirty) {
				slog.Debug("Reusing worktree", "path", dest, "dirty", dirty)
				return dest, nil
			}
		}
		slog.Info("Pruning stale worktree", "path", dest)
		if err := os.RemoveAll(dest); err != nil {
			return "", fmt.Errorf("pruning worktree %s: %w", dest, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating worktree parent: %w", err)
	}

	cloneOpts := &gogit.CloneOptions{URL: repoURL, Depth: 1}
	if auth := wm.auth(); auth != nil {
		cloneOpts.Auth = auth
	}

	slog.Debug("Cloning worktree", "url", repoURL, "dest", dest)
	repo, err := gogit.PlainCloneContext(ctx, dest, false, cloneOpts)
	if err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("cloning %s: %w", repoURL, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	branch := plumbing.NewBranchReferenceName(BranchName(issue))
	err = wt.Checkout(&gogit.CheckoutOptions{Branch: branch, Create: true})
	if err != nil && err != gogit.ErrBranchExists {
		// The branch may survive a prune-and-recreate cycle on the remote.
		if cerr := wt.Checkout(&gogit.CheckoutOptions{Branch: branch}); cerr != nil {
			return "", fmt.Errorf("checking out %s: %w", BranchName(issue), err)
		}
	}
	return dest, nil
}

// Prune removes a worktree directory. Used by the stale-sweep.
func (wm *WorktreeManager) Prune(path string) error {
	if path == "" {
		return nil
	}
	// Never follow a path outside the worktree root.
	abs, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(abs, filepath.Clean(wm.Root)+string(os.PathSeparator)) {
		return fmt.Errorf("refusing to prune %s outside worktree root", path)
	}
	return os.RemoveAll(abs)
}

// HasCommitsAhead reports whether the worktree branch has local commits that
// the remote base does not, meaning a PR push is worthwhile.
func (wm *WorktreeManager) HasCommitsAhead(path, baseBranch string) (bool, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return false, fmt.Errorf("resolving HEAD: %w", err)
	}
	baseRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", baseBranch), true)
	if err != nil {
		// No remote base ref locally; assume ahead and let the push decide.
		return true, nil
	}
	return head.Hash() != baseRef.Hash(), nil
}

// CommitAll stages everything and commits. Returns gogit.ErrEmptyCommit
// semantics as (false, nil) when there is nothing to commit.
func (wm *WorktreeManager) CommitAll(path, message string) (bool, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, err
	}
	if status.IsClean() {
		return false, nil
	}
	if err := wt.AddGlob("."); err != nil {
		return false, fmt.Errorf("staging: %w", err)
	}
	_, err = wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{Name: "ralph", Email: "ralph@localhost"},
	})
	if err != nil {
		return false, fmt.Errorf("committing: %w", err)
	}
	return true, nil
}

// Push publishes the task branch to origin.
func (wm *WorktreeManager) Push(ctx context.Context, path string, issue int) error {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	branch := BranchName(issue)
	opts := &gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)),
		},
	}
	if auth := wm.auth(); auth != nil {
		opts.Auth = auth
	}
	if err := repo.PushContext(ctx, opts); err != nil && err != gogit.NoErrAlreadyUpToDate {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

func isDirty(repo *gogit.Repository) (bool, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, err
	}
	return !status.IsClean(), nil
}
