package forge

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	gogithub "github.com/google/go-github/v68/github"
)

// APIError is the structured error carried out of every forge call. Callers
// classify by fields, never by message text.
type APIError struct {
	Message      string
	Code         string // stable classification, e.g. "rate-limited", "sandbox-tripwire"
	Status       int
	RequestID    string
	ResponseText string
	// RetryAfterHint is the server-provided Retry-After delay, if any.
	RetryAfterHint time.Duration
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("forge: %s (status %d)", e.Message, e.Status)
	}
	return "forge: " + e.Message
}

// Stable classification codes.
const (
	CodeRateLimited     = "rate-limited"
	CodeAuthDenied      = "auth-denied"
	CodeNotFound        = "not-found"
	CodeConflict        = "conflict"
	CodeValidation      = "validation"
	CodeBaseModified    = "base-modified"
	CodeServerError     = "server-error"
	CodeNetwork         = "network"
	CodeSandboxTripwire = "sandbox-tripwire"
)

// wrapResponseError converts a go-github error into an APIError, preserving
// status, request id, and body text.
func wrapResponseError(err error, resp *gogithub.Response) error {
	if err == nil {
		return nil
	}
	apiErr := &APIError{Message: err.Error()}

	var ghErr *gogithub.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		apiErr.Status = ghErr.Response.StatusCode
		apiErr.RequestID = ghErr.Response.Header.Get("X-Github-Request-Id")
		apiErr.ResponseText = ghErr.Message
		apiErr.RetryAfterHint = RetryAfter(ghErr.Response.Header)
	} else if resp != nil && resp.Response != nil {
		apiErr.Status = resp.StatusCode
		apiErr.RequestID = resp.Header.Get("X-Github-Request-Id")
		apiErr.RetryAfterHint = RetryAfter(resp.Header)
	}

	var rateErr *gogithub.RateLimitError
	var abuseErr *gogithub.AbuseRateLimitError
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		apiErr.Code = CodeRateLimited
		if apiErr.Status == 0 {
			apiErr.Status = http.StatusForbidden
		}
	case apiErr.Status == http.StatusUnauthorized, apiErr.Status == http.StatusForbidden:
		apiErr.Code = CodeAuthDenied
	case apiErr.Status == http.StatusNotFound:
		apiErr.Code = CodeNotFound
	case apiErr.Status == http.StatusConflict:
		apiErr.Code = CodeConflict
	case apiErr.Status == http.StatusUnprocessableEntity:
		apiErr.Code = CodeValidation
	case apiErr.Status == http.StatusMethodNotAllowed:
		apiErr.Code = CodeBaseModified
	case apiErr.Status >= 500:
		apiErr.Code = CodeServerError
	case apiErr.Status == 0:
		apiErr.Code = CodeNetwork
	}
	return apiErr
}

// Retriable reports whether an error warrants a retry: HTTP 408/425/429/5xx,
// rate limits, and transient network failures. Auth, not-found, and
// validation errors are terminal.
func Retriable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
			return true
		}
		if apiErr.Status >= 500 {
			return true
		}
		return apiErr.Code == CodeRateLimited || apiErr.Code == CodeNetwork
	}

	return retriableNetwork(err)
}

// retriableNetwork matches the transient network failure set: timeouts,
// connection resets/refusals, and DNS resolution failures.
func retriableNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// IsConflict reports 409/422 responses, which write paths treat as
// idempotent success where applicable (label already present, PR exists).
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Code == CodeConflict || apiErr.Code == CodeValidation)
}

// IsAuthDenied reports 401/403 policy failures.
func IsAuthDenied(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeAuthDenied
}

// IsNotFound reports a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeNotFound
}

// IsBaseModified reports the 405 "base branch was modified" merge failure.
func IsBaseModified(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeBaseModified
}

// IsTripwire reports a sandbox tripwire rejection.
func IsTripwire(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeSandboxTripwire
}

// RetryAfter parses a Retry-After header value as either delta-seconds or an
// HTTP-date. Returns 0 when absent or unparseable.
func RetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
