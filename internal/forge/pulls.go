package forge

import (
	"context"
	"fmt"
	"time"

	gogithub "github.com/google/go-github/v68/github"
)

// PRData is the slice of a pull request the worker tracks.
type PRData struct {
	Number    int
	URL       string
	State     string // open|merged|closed
	HeadSHA   string
	HeadRef   string
	BaseRef   string
	CreatedAt time.Time
	MergedAt  time.Time
	Merged    bool
}

func convertPR(pr *gogithub.PullRequest) PRData {
	state := pr.GetState()
	if pr.GetMerged() || !pr.GetMergedAt().IsZero() {
		state = "merged"
	}
	return PRData{
		Number:    pr.GetNumber(),
		URL:       pr.GetHTMLURL(),
		State:     state,
		HeadSHA:   pr.GetHead().GetSHA(),
		HeadRef:   pr.GetHead().GetRef(),
		BaseRef:   pr.GetBase().GetRef(),
		CreatedAt: pr.GetCreatedAt().Time,
		MergedAt:  pr.GetMergedAt().Time,
		Merged:    pr.GetMerged() || !pr.GetMergedAt().IsZero(),
	}
}

// CreatePR opens a pull request from head into base.
func (c *Client) CreatePR(ctx context.Context, owner, repo, title, body, head, base string) (PRData, error) {
	var out PRData
	err := withRetry(ctx, "create-pr", func() error {
		pr, resp, err := c.gh.PullRequests.Create(ctx, owner, repo, &gogithub.NewPullRequest{
			Title:               gogithub.Ptr(title),
			Body:                gogithub.Ptr(body),
			Head:                gogithub.Ptr(head),
			Base:                gogithub.Ptr(base),
			MaintainerCanModify: gogithub.Ptr(true),
		})
		if err != nil {
			return wrapResponseError(err, resp)
		}
		out = convertPR(pr)
		return nil
	})
	if err != nil {
		return PRData{}, fmt.Errorf("creating PR on %s/%s: %w", owner, repo, err)
	}
	return out, nil
}

// GetPR fetches one pull request.
func (c *Client) GetPR(ctx context.Context, owner, repo string, number int) (PRData, error) {
	var out PRData
	err := withRetry(ctx, "get-pr", func() error {
		pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return wrapResponseError(err, resp)
		}
		out = convertPR(pr)
		return nil
	})
	return out, err
}

// ListPRsForHead returns open PRs whose head is the given branch.
func (c *Client) ListPRsForHead(ctx context.Context, owner, repo, headBranch string) ([]PRData, error) {
	var out []PRData
	err := withRetry(ctx, "list-prs-for-head", func() error {
		prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, &gogithub.PullRequestListOptions{
			State:       "open",
			Head:        owner + ":" + headBranch,
			ListOptions: gogithub.ListOptions{PerPage: 30},
		})
		if err != nil {
			return wrapResponseError(err, resp)
		}
		out = out[:0]
		for _, pr := range prs {
			out = append(out, convertPR(pr))
		}
		return nil
	})
	return out, err
}

// MergePR merges a PR. A 405 ("base branch was modified") surfaces as
// IsBaseModified so the caller can update the branch and retry once.
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int, method string) error {
	if method == "" {
		method = "squash"
	}
	// A 405 is non-retriable here; the caller owns the update-branch dance.
	return withRetry(ctx, "merge-pr", func() error {
		_, resp, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, "",
			&gogithub.PullRequestOptions{MergeMethod: method})
		return wrapResponseError(err, resp)
	})
}

// UpdateBranch asks GitHub to merge the base branch into the PR head.
func (c *Client) UpdateBranch(ctx context.Context, owner, repo string, number int) error {
	return withRetry(ctx, "update-branch", func() error {
		_, resp, err := c.gh.PullRequests.UpdateBranch(ctx, owner, repo, number, nil)
		// go-github surfaces the 202 "accepted" async response as
		// AcceptedError; that is success for our purposes.
		if _, accepted := err.(*gogithub.AcceptedError); accepted {
			return nil
		}
		return wrapResponseError(err, resp)
	})
}

// RequiredChecks reads branch protection for the branch and returns the
// required status check contexts. A repo without protection returns nil.
func (c *Client) RequiredChecks(ctx context.Context, owner, repo, branch string) ([]string, error) {
	var checks []string
	err := withRetry(ctx, "required-checks", func() error {
		prot, resp, err := c.gh.Repositories.GetBranchProtection(ctx, owner, repo, branch)
		err = wrapResponseError(err, resp)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if rsc := prot.GetRequiredStatusChecks(); rsc != nil && rsc.Contexts != nil {
			checks = append(checks[:0], *rsc.Contexts...)
		}
		return nil
	})
	return checks, err
}

// CheckState summarizes one status/check context on a commit.
type CheckState struct {
	Name   string
	Status string // SUCCESS | FAILURE | PENDING
}

// ListChecks returns the combined commit statuses and check runs for a ref,
// normalized to SUCCESS/FAILURE/PENDING.
func (c *Client) ListChecks(ctx context.Context, owner, repo, ref string) ([]CheckState, error) {
	var states []CheckState

	err := withRetry(ctx, "combined-status", func() error {
		combined, resp, err := c.gh.Repositories.GetCombinedStatus(ctx, owner, repo, ref, nil)
		if err != nil {
			return wrapResponseError(err, resp)
		}
		states = states[:0]
		for _, st := range combined.Statuses {
			states = append(states, CheckState{
				Name:   st.GetContext(),
				Status: normalizeStatusState(st.GetState()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = withRetry(ctx, "check-runs", func() error {
		runs, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, nil)
		if err != nil {
			return wrapResponseError(err, resp)
		}
		for _, run := range runs.CheckRuns {
			states = append(states, CheckState{
				Name:   run.GetName(),
				Status: normalizeCheckRun(run.GetStatus(), run.GetConclusion()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

func normalizeStatusState(s string) string {
	switch s {
	case "success":
		return "SUCCESS"
	case "failure", "error":
		return "FAILURE"
	default:
		return "PENDING"
	}
}

func normalizeCheckRun(status, conclusion string) string {
	if status != "completed" {
		return "PENDING"
	}
	switch conclusion {
	case "success", "neutral", "skipped":
		return "SUCCESS"
	default:
		return "FAILURE"
	}
}

// MergedPR is one hit from the done-reconciler search.
type MergedPR struct {
	Number   int
	URL      string
	MergedAt time.Time
}

// SearchMergedPRs returns PRs in the repo merged at or after since, oldest
// first, so the reconciler cursor advances monotonically.
func (c *Client) SearchMergedPRs(ctx context.Context, owner, repo string, since time.Time) ([]MergedPR, error) {
	query := fmt.Sprintf("repo:%s/%s is:pr is:merged merged:>=%s",
		owner, repo, since.UTC().Format("2006-01-02T15:04:05Z"))
	var out []MergedPR
	opts := &gogithub.SearchOptions{
		Sort: "updated", Order: "asc",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		var result *gogithub.IssuesSearchResult
		var resp *gogithub.Response
		err := withRetry(ctx, "search-merged-prs", func() error {
			var err error
			result, resp, err = c.gh.Search.Issues(ctx, query, opts)
			return wrapResponseError(err, resp)
		})
		if err != nil {
			return nil, err
		}
		for _, is := range result.Issues {
			out = append(out, MergedPR{
				Number:   is.GetNumber(),
				URL:      is.GetHTMLURL(),
				MergedAt: is.GetClosedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// DefaultBranch returns the repository default branch name.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var branch string
	err := withRetry(ctx, "get-repo", func() error {
		r, resp, err := c.gh.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return wrapResponseError(err, resp)
		}
		branch = r.GetDefaultBranch()
		return nil
	})
	return branch, err
}
