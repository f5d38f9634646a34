package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"
)

// IssueData is the slice of a forge issue the sync poller mirrors.
type IssueData struct {
	Number    int
	Title     string
	State     string // OPEN|CLOSED
	URL       string
	UpdatedAt time.Time
	Labels    []string
	// PullRequest marks items that are actually PRs; the poller skips them.
	PullRequest bool
}

// ListIssuesSince fetches all issues (and PR-shaped items) updated at or
// after since, following Link pagination. The first page carries the cached
// ETag; a 304 reports notModified with no items and leaves the cursor alone.
func (c *Client) ListIssuesSince(ctx context.Context, owner, repo string, since time.Time) (items []IssueData, notModified bool, err error) {
	etagKey := fmt.Sprintf("issues:%s/%s", owner, repo)

	page := 1
	for {
		var issues []*gogithub.Issue
		var resp *gogithub.Response

		err = withRetry(ctx, "list-issues", func() error {
			path := fmt.Sprintf(
				"repos/%s/%s/issues?state=all&sort=updated&direction=asc&per_page=100&page=%d&since=%s",
				owner, repo, page, since.UTC().Format(time.RFC3339))
			req, reqErr := c.gh.NewRequest(http.MethodGet, path, nil)
			if reqErr != nil {
				return reqErr
			}
			if page == 1 {
				if etag := c.etag(etagKey); etag != "" {
					req.Header.Set("If-None-Match", etag)
				}
			}

			issues = nil
			var doErr error
			resp, doErr = c.gh.Do(ctx, req, &issues)
			if resp != nil && resp.StatusCode == http.StatusNotModified {
				return nil
			}
			return wrapResponseError(doErr, resp)
		})
		if err != nil {
			return nil, false, err
		}

		if resp != nil && resp.StatusCode == http.StatusNotModified {
			return nil, true, nil
		}
		if page == 1 && resp != nil {
			c.storeETag(etagKey, resp.Header.Get("ETag"))
		}

		for _, is := range issues {
			if is == nil {
				continue
			}
			item := IssueData{
				Number:      is.GetNumber(),
				Title:       is.GetTitle(),
				State:       normalizeIssueState(is.GetState()),
				URL:         is.GetHTMLURL(),
				UpdatedAt:   is.GetUpdatedAt().Time,
				PullRequest: is.IsPullRequest(),
			}
			for _, l := range is.Labels {
				item.Labels = append(item.Labels, l.GetName())
			}
			items = append(items, item)
		}

		if resp == nil || resp.NextPage == 0 {
			return items, false, nil
		}
		page = resp.NextPage
	}
}

func normalizeIssueState(s string) string {
	if s == "closed" {
		return "CLOSED"
	}
	return "OPEN"
}

// GetIssueState fetches the current state of a single issue.
func (c *Client) GetIssueState(ctx context.Context, owner, repo string, number int) (string, error) {
	var state string
	err := withRetry(ctx, "get-issue", func() error {
		is, resp, err := c.gh.Issues.Get(ctx, owner, repo, number)
		if err != nil {
			return wrapResponseError(err, resp)
		}
		state = normalizeIssueState(is.GetState())
		return nil
	})
	return state, err
}

// MutateLabels applies an atomic add/remove plan to an issue. Removing an
// absent label (404) and adding a present one (422) are idempotent successes.
func (c *Client) MutateLabels(ctx context.Context, owner, repo string, number int, add, remove []string) error {
	if len(add) > 0 {
		err := withRetry(ctx, "add-labels", func() error {
			_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, add)
			err = wrapResponseError(err, resp)
			if IsConflict(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("adding labels to %s/%s#%d: %w", owner, repo, number, err)
		}
	}
	for _, label := range remove {
		err := withRetry(ctx, "remove-label", func() error {
			resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
			err = wrapResponseError(err, resp)
			if IsNotFound(err) || IsConflict(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("removing label %q from %s/%s#%d: %w", label, owner, repo, number, err)
		}
	}
	return nil
}

// CreateComment posts an issue comment and returns its URL.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) (string, error) {
	var url string
	err := withRetry(ctx, "create-comment", func() error {
		comment, resp, err := c.gh.Issues.CreateComment(ctx, owner, repo, number,
			&gogithub.IssueComment{Body: gogithub.Ptr(body)})
		if err != nil {
			return wrapResponseError(err, resp)
		}
		url = comment.GetHTMLURL()
		return nil
	})
	return url, err
}

// FindCommentWithMarker scans issue comments for one containing marker.
// Returns the comment URL, or "" when no comment matches.
func (c *Client) FindCommentWithMarker(ctx context.Context, owner, repo string, number int, marker string) (string, error) {
	opts := &gogithub.IssueListCommentsOptions{ListOptions: gogithub.ListOptions{PerPage: 100}}
	for {
		var comments []*gogithub.IssueComment
		var resp *gogithub.Response
		err := withRetry(ctx, "list-comments", func() error {
			var err error
			comments, resp, err = c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
			return wrapResponseError(err, resp)
		})
		if err != nil {
			return "", err
		}
		for _, cm := range comments {
			if marker != "" && strings.Contains(cm.GetBody(), marker) {
				return cm.GetHTMLURL(), nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return "", nil
		}
		opts.Page = resp.NextPage
	}
}

// CreateIssue files a new issue (survey write-back) and returns number + URL.
func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (int, string, error) {
	var number int
	var url string
	err := withRetry(ctx, "create-issue", func() error {
		req := &gogithub.IssueRequest{Title: gogithub.Ptr(title), Body: gogithub.Ptr(body)}
		if len(labels) > 0 {
			req.Labels = &labels
		}
		is, resp, err := c.gh.Issues.Create(ctx, owner, repo, req)
		if err != nil {
			return wrapResponseError(err, resp)
		}
		number = is.GetNumber()
		url = is.GetHTMLURL()
		return nil
	})
	return number, url, err
}
