package forge

import (
	"errors"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"
)

func TestRetriableByStatus(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{408, true},
		{425, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{401, false},
		{403, false},
		{404, false},
		{409, false},
		{422, false},
		{405, false},
	}
	for _, tc := range cases {
		err := &APIError{Message: "x", Status: tc.status, Code: classifyForTest(tc.status)}
		if got := Retriable(err); got != tc.want {
			t.Errorf("Retriable(status %d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

// classifyForTest mirrors the status->code mapping in wrapResponseError.
func classifyForTest(status int) string {
	switch {
	case status == 401 || status == 403:
		return CodeAuthDenied
	case status == 404:
		return CodeNotFound
	case status == 409:
		return CodeConflict
	case status == 422:
		return CodeValidation
	case status == 405:
		return CodeBaseModified
	case status >= 500:
		return CodeServerError
	default:
		return ""
	}
}

func TestRetriableNetworkErrors(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	if !Retriable(opErr) {
		t.Error("ECONNREFUSED not retriable")
	}
	if !Retriable(&net.DNSError{Err: "no such host", IsNotFound: true}) {
		t.Error("DNS failure not retriable")
	}
	if Retriable(errors.New("parse error")) {
		t.Error("generic error retriable")
	}
	if Retriable(nil) {
		t.Error("nil error retriable")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	if got := RetryAfter(h); got != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", got)
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
	got := RetryAfter(h)
	if got < 80*time.Second || got > 91*time.Second {
		t.Errorf("RetryAfter = %v, want ~90s", got)
	}
}

func TestRetryAfterAbsentOrGarbage(t *testing.T) {
	if got := RetryAfter(http.Header{}); got != 0 {
		t.Errorf("RetryAfter(empty) = %v, want 0", got)
	}
	h := http.Header{}
	h.Set("Retry-After", "soon")
	if got := RetryAfter(h); got != 0 {
		t.Errorf("RetryAfter(garbage) = %v, want 0", got)
	}
}

func TestClassifierHelpers(t *testing.T) {
	conflict := &APIError{Code: CodeConflict, Status: 409}
	if !IsConflict(conflict) {
		t.Error("409 not IsConflict")
	}
	validation := &APIError{Code: CodeValidation, Status: 422}
	if !IsConflict(validation) {
		t.Error("422 not IsConflict")
	}
	if !IsAuthDenied(&APIError{Code: CodeAuthDenied, Status: 403}) {
		t.Error("403 not IsAuthDenied")
	}
	if !IsBaseModified(&APIError{Code: CodeBaseModified, Status: 405}) {
		t.Error("405 not IsBaseModified")
	}
	if IsConflict(errors.New("nope")) || IsAuthDenied(nil) {
		t.Error("non-API errors matched classifiers")
	}
}
