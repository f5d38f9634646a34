// Package forge is the typed GitHub client: retry classification with
// Retry-After support, ETag caching on list endpoints, request pacing, and
// the sandbox tripwire that refuses out-of-allowlist writes.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/ralphbot/ralph/internal/config"
)

const (
	maxRetries     = 4
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

// Client wraps go-github with the cross-cutting behavior every caller needs.
type Client struct {
	gh       *gogithub.Client
	tripwire Tripwire

	mu    sync.Mutex
	etags map[string]string
}

// New builds a Client from config. The bearer token is resolved from the
// configured env var chain; an empty token yields an unauthenticated client
// (useful only in tests).
func New(cfg config.GitHubConfig) (*Client, error) {
	token := resolveToken(cfg)

	base := http.DefaultTransport
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		base = &oauth2.Transport{Source: ts, Base: base}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	var sem chan struct{}
	if cfg.MaxInflight > 0 {
		sem = make(chan struct{}, cfg.MaxInflight)
	}

	tripwire := Tripwire{
		Enabled:        cfg.Profile == "sandbox",
		AllowedOwners:  cfg.AllowedOwners,
		RepoNamePrefix: cfg.RepoNamePrefix,
	}

	// Tripwire sits outermost so rejected writes never reach pacing or the
	// network; pacing wraps auth so waits do not hold a stale token.
	transport := &tripwireTransport{
		tripwire: tripwire,
		base:     &paceTransport{limiter: limiter, sem: sem, base: base},
	}

	client := gogithub.NewClient(&http.Client{Transport: transport, Timeout: 60 * time.Second})
	if cfg.Host != "" && cfg.Host != "github.com" {
		baseURL := fmt.Sprintf("https://%s/api/v3/", cfg.Host)
		uploadURL := fmt.Sprintf("https://%s/api/uploads/", cfg.Host)
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, uploadURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub enterprise URLs: %w", err)
		}
	}

	return &Client{gh: client, tripwire: tripwire, etags: make(map[string]string)}, nil
}

// resolveToken walks the token env var chain: the configured var first, then
// the sandbox token when in sandbox profile, then the standard gh vars.
func resolveToken(cfg config.GitHubConfig) string {
	vars := []string{cfg.TokenEnv}
	if cfg.Profile == "sandbox" {
		vars = append(vars, "GITHUB_SANDBOX_TOKEN")
	}
	vars = append(vars, "GH_TOKEN", "GITHUB_TOKEN")
	for _, v := range vars {
		if v == "" {
			continue
		}
		if tok := os.Getenv(v); tok != "" {
			return tok
		}
	}
	return ""
}

// withRetry runs fn with capped exponential backoff and jitter. Retriable
// classification follows the taxonomy in errors.go; a Retry-After hint on the
// error overrides the computed delay when longer.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := baseRetryDelay
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !Retriable(err) || attempt >= maxRetries {
			return err
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		if hint := retryAfterHint(err); hint > wait {
			wait = hint
		}
		slog.Debug("Retrying forge call", "op", op, "attempt", attempt+1, "wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func retryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfterHint
	}
	return 0
}

// etag returns the cached ETag for a list-endpoint key.
func (c *Client) etag(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.etags[key]
}

func (c *Client) storeETag(key, etag string) {
	if etag == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.etags[key] = etag
}
