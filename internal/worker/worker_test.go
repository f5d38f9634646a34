package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/forge"
	"github.com/ralphbot/ralph/internal/lease"
	"github.com/ralphbot/ralph/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

// fakePullForge serves the pr-create paths.
type fakePullForge struct {
	existing  []forge.PRData
	created   atomic.Int32
	createErr error
}

func (f *fakePullForge) CreatePR(ctx context.Context, owner, repo, title, body, head, base string) (forge.PRData, error) {
	if f.createErr != nil {
		return forge.PRData{}, f.createErr
	}
	f.created.Add(1)
	pr := forge.PRData{
		Number: 42, URL: fmt.Sprintf("https://github.com/%s/%s/pull/42", owner, repo),
		State: "open", HeadRef: head, BaseRef: base,
	}
	f.existing = append(f.existing, pr)
	return pr, nil
}

func (f *fakePullForge) ListPRsForHead(ctx context.Context, owner, repo, headBranch string) ([]forge.PRData, error) {
	return f.existing, nil
}

func TestPRCreateWinnerCreates(t *testing.T) {
	s := newTestStore(t)
	fake := &fakePullForge{}
	creator := &PRCreator{
		Forge:        fake,
		Leases:       lease.NewRegistry(s, "daemon-a"),
		ConflictWait: 10 * time.Second,
		Sleep:        noSleep,
	}

	pr, err := creator.Ensure(context.Background(), "org", "demo", 10, "t", "b", "ralph/issue-10", "bot/integration")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if pr.Number != 42 || fake.created.Load() != 1 {
		t.Errorf("pr = %+v, creates = %d", pr, fake.created.Load())
	}
}

func TestPRCreateReusesExisting(t *testing.T) {
	s := newTestStore(t)
	fake := &fakePullForge{existing: []forge.PRData{{Number: 7, URL: "https://github.com/org/demo/pull/7", State: "open"}}}
	creator := &PRCreator{Forge: fake, Leases: lease.NewRegistry(s, "daemon-a"), Sleep: noSleep}

	pr, err := creator.Ensure(context.Background(), "org", "demo", 10, "t", "b", "ralph/issue-10", "main")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if pr.Number != 7 || fake.created.Load() != 0 {
		t.Errorf("pr = %+v, creates = %d, want reuse", pr, fake.created.Load())
	}
}

func TestPRCreateConflictIsIdempotentSuccess(t *testing.T) {
	s := newTestStore(t)
	fake := &fakePullForge{
		createErr: &forge.APIError{Message: "already exists", Code: forge.CodeValidation, Status: http.StatusUnprocessableEntity},
	}
	creator := &PRCreator{Forge: fake, Leases: lease.NewRegistry(s, "daemon-a"), Sleep: noSleep}

	// The 422 arrives, then the listing finds the PR the other writer made.
	fake.existing = []forge.PRData{{Number: 9, URL: "https://github.com/org/demo/pull/9", State: "open"}}
	pr, err := creator.Ensure(context.Background(), "org", "demo", 10, "t", "b", "ralph/issue-10", "main")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if pr.Number != 9 {
		t.Errorf("pr = %+v, want reused 9", pr)
	}
}

func TestPRCreateContentionSelfHealOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Worker A holds the lease and never publishes.
	winner := lease.NewRegistry(s, "daemon-a")
	claimed, err := winner.RecordKey(ctx, lease.PRCreateKey("org/demo", 10, "bot/integration"), "pr-create", "")
	if err != nil || !claimed {
		t.Fatalf("seed claim = (%v, %v)", claimed, err)
	}

	fake := &fakePullForge{}
	loser := &PRCreator{
		Forge:          fake,
		Leases:         lease.NewRegistry(s, "daemon-b"),
		ConflictWait:   4 * time.Second,
		PollInterval:   time.Second,
		SelfHealMinAge: 0, // lease is instantly old enough
		Sleep:          noSleep,
	}

	// First pass: wait expires, self-heal fires once, PR gets created.
	pr, err := loser.Ensure(ctx, "org", "demo", 10, "t", "b", "ralph/issue-10", "bot/integration")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if pr.Number != 42 || fake.created.Load() != 1 {
		t.Errorf("pr = %+v, creates = %d", pr, fake.created.Load())
	}

	// Re-contend: A steals the key back, B's PR vanishes. The second
	// self-heal must be refused.
	if err := winner.DeleteKey(ctx, lease.PRCreateKey("org/demo", 10, "bot/integration")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if claimed, err := winner.RecordKey(ctx, lease.PRCreateKey("org/demo", 10, "bot/integration"), "pr-create", ""); err != nil || !claimed {
		t.Fatalf("re-claim = (%v, %v)", claimed, err)
	}
	fake.existing = nil
	fake.created.Store(0)

	_, err = loser.Ensure(ctx, "org", "demo", 10, "t", "b", "ralph/issue-10", "bot/integration")
	if !errors.Is(err, ErrPRCreateContended) {
		t.Fatalf("second ensure err = %v, want ErrPRCreateContended", err)
	}
	if fake.created.Load() != 0 {
		t.Errorf("second pass created %d PRs, want 0", fake.created.Load())
	}
}

// fakeMergeForge drives the merge gate.
type fakeMergeForge struct {
	pr             forge.PRData
	checks         []forge.CheckState
	protection     map[string][]string
	defaultBranch  string
	mergeErrs      []error // popped per merge call
	merges         int
	updates        int
	shaAfterUpdate string
}

func (f *fakeMergeForge) GetPR(ctx context.Context, owner, repo string, number int) (forge.PRData, error) {
	return f.pr, nil
}

func (f *fakeMergeForge) MergePR(ctx context.Context, owner, repo string, number int, method string) error {
	f.merges++
	if len(f.mergeErrs) > 0 {
		err := f.mergeErrs[0]
		f.mergeErrs = f.mergeErrs[1:]
		if err != nil {
			return err
		}
	}
	f.pr.Merged = true
	f.pr.State = "merged"
	return nil
}

func (f *fakeMergeForge) UpdateBranch(ctx context.Context, owner, repo string, number int) error {
	f.updates++
	if f.shaAfterUpdate != "" {
		f.pr.HeadSHA = f.shaAfterUpdate
	}
	return nil
}

func (f *fakeMergeForge) RequiredChecks(ctx context.Context, owner, repo, branch string) ([]string, error) {
	return f.protection[branch], nil
}

func (f *fakeMergeForge) ListChecks(ctx context.Context, owner, repo, ref string) ([]forge.CheckState, error) {
	return f.checks, nil
}

func (f *fakeMergeForge) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return f.defaultBranch, nil
}

func baseModified() error {
	return &forge.APIError{Message: "Base branch was modified", Code: forge.CodeBaseModified, Status: http.StatusMethodNotAllowed}
}

func TestMergeGateHappyPath(t *testing.T) {
	fake := &fakeMergeForge{
		pr:     forge.PRData{Number: 42, URL: "https://github.com/org/demo/pull/42", State: "open", HeadSHA: "abc"},
		checks: []forge.CheckState{{Name: "Test", Status: "SUCCESS"}},
	}
	gate := &MergeGate{
		Forge: fake,
		Repo:  config.RepoConfig{Owner: "org", Name: "demo", RequiredChecks: []string{"Test"}},
		Sleep: noSleep,
	}

	pr, err := gate.Run(context.Background(), "org", "demo", 42)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !pr.Merged {
		t.Error("pr not merged")
	}
	if fake.merges != 1 {
		t.Errorf("merges = %d, want exactly 1", fake.merges)
	}
}

func TestMergeGateBaseModifiedRetriesOnce(t *testing.T) {
	fake := &fakeMergeForge{
		pr:             forge.PRData{Number: 42, State: "open", HeadSHA: "abc"},
		checks:         []forge.CheckState{{Name: "Test", Status: "SUCCESS"}},
		mergeErrs:      []error{baseModified()},
		shaAfterUpdate: "def",
	}
	gate := &MergeGate{
		Forge: fake,
		Repo:  config.RepoConfig{RequiredChecks: []string{"Test"}},
		Sleep: noSleep,
	}

	pr, err := gate.Run(context.Background(), "org", "demo", 42)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !pr.Merged || fake.updates != 1 || fake.merges != 2 {
		t.Errorf("merged=%v updates=%d merges=%d", pr.Merged, fake.updates, fake.merges)
	}
}

func TestMergeGateRepeatedBaseModifiedSurfaces(t *testing.T) {
	fake := &fakeMergeForge{
		pr:        forge.PRData{Number: 42, State: "open", HeadSHA: "abc"},
		checks:    []forge.CheckState{{Name: "Test", Status: "SUCCESS"}},
		mergeErrs: []error{baseModified(), baseModified()},
	}
	gate := &MergeGate{
		Forge: fake,
		Repo:  config.RepoConfig{RequiredChecks: []string{"Test"}},
		Sleep: noSleep,
	}

	_, err := gate.Run(context.Background(), "org", "demo", 42)
	if !forge.IsBaseModified(err) {
		t.Fatalf("err = %v, want base-modified", err)
	}
	if fake.merges != 2 {
		t.Errorf("merges = %d, want 2 (no third attempt)", fake.merges)
	}
}

func TestMergeGateChecksFailureRunsTriage(t *testing.T) {
	fake := &fakeMergeForge{
		pr:     forge.PRData{Number: 42, State: "open", HeadSHA: "abc"},
		checks: []forge.CheckState{{Name: "Test", Status: "FAILURE"}},
	}
	triaged := 0
	gate := &MergeGate{
		Forge: fake,
		Repo:  config.RepoConfig{RequiredChecks: []string{"Test"}},
		Sleep: noSleep,
		Triage: func(ctx context.Context, failed []string) error {
			triaged++
			fake.checks = []forge.CheckState{{Name: "Test", Status: "SUCCESS"}}
			return nil
		},
	}

	pr, err := gate.Run(context.Background(), "org", "demo", 42)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if triaged != 1 || !pr.Merged {
		t.Errorf("triaged=%d merged=%v", triaged, pr.Merged)
	}
}

func TestResolveRequiredChecksPriority(t *testing.T) {
	fake := &fakeMergeForge{
		protection:    map[string][]string{"bot/integration": {"Lint"}, "main": {"Test"}},
		defaultBranch: "main",
	}
	ctx := context.Background()

	// Explicit config wins.
	gate := &MergeGate{Forge: fake, Repo: config.RepoConfig{RequiredChecks: []string{"Custom"}, BotBranch: "bot/integration"}}
	checks, err := gate.ResolveRequiredChecks(ctx, "org", "demo")
	if err != nil || len(checks) != 1 || checks[0] != "Custom" {
		t.Errorf("explicit: checks=%v err=%v", checks, err)
	}

	// Bot branch protection next.
	gate = &MergeGate{Forge: fake, Repo: config.RepoConfig{BotBranch: "bot/integration"}}
	checks, err = gate.ResolveRequiredChecks(ctx, "org", "demo")
	if err != nil || len(checks) != 1 || checks[0] != "Lint" {
		t.Errorf("bot branch: checks=%v err=%v", checks, err)
	}

	// Then default branch.
	gate = &MergeGate{Forge: fake, Repo: config.RepoConfig{}}
	checks, err = gate.ResolveRequiredChecks(ctx, "org", "demo")
	if err != nil || len(checks) != 1 || checks[0] != "Test" {
		t.Errorf("default branch: checks=%v err=%v", checks, err)
	}

	// Nothing anywhere: gating disabled.
	fake.protection = nil
	gate = &MergeGate{Forge: fake, Repo: config.RepoConfig{}}
	checks, err = gate.ResolveRequiredChecks(ctx, "org", "demo")
	if err != nil || len(checks) != 0 {
		t.Errorf("empty: checks=%v err=%v", checks, err)
	}
}

func TestClassifyTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind string
	}{
		{"permission", &forge.APIError{Code: forge.CodeAuthDenied, Status: 403}, FailPermission},
		{"conflict", &forge.APIError{Code: forge.CodeConflict, Status: 409}, FailConflict},
		{"base modified", baseModified(), FailBaseModified},
		{"rate limited", &forge.APIError{Code: forge.CodeRateLimited, Status: 429}, FailTransient},
		{"server error", &forge.APIError{Code: forge.CodeServerError, Status: 502}, FailTransient},
		{"tripwire", &forge.APIError{Code: forge.CodeSandboxTripwire}, FailPolicyDenied},
		{"unknown", errors.New("mystery"), FailUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got.Kind != tc.kind {
			t.Errorf("%s: kind = %s, want %s", tc.name, got.Kind, tc.kind)
		}
	}

	if got := Classify(baseModified()); got.BlockedSource != "auto-update" {
		t.Errorf("base-modified blockedSource = %q", got.BlockedSource)
	}
	if got := Classify(&forge.APIError{Code: forge.CodeAuthDenied, Status: 403}); got.BlockedSource != "permission" {
		t.Errorf("permission blockedSource = %q", got.BlockedSource)
	}
}

func TestClassifyAgentFailure(t *testing.T) {
	if got := ClassifyAgentFailure("blah external_directory permission denied blah"); got.Kind != FailPolicyDenied {
		t.Errorf("policy kind = %s", got.Kind)
	}
	if got := ClassifyAgentFailure("tool error: invalid_function_parameters"); got.Kind != FailConfigInvalid {
		t.Errorf("config kind = %s", got.Kind)
	}
	if got := ClassifyAgentFailure("plain crash"); got.Kind != FailUnknown {
		t.Errorf("plain kind = %s", got.Kind)
	}
}

func TestPRNumberFromURL(t *testing.T) {
	if n := prNumberFromURL("https://github.com/org/demo/pull/42"); n != 42 {
		t.Errorf("n = %d", n)
	}
	if n := prNumberFromURL("https://github.com/org/demo/pull/42/files"); n != 42 {
		t.Errorf("with suffix: n = %d", n)
	}
	if n := prNumberFromURL("https://github.com/org/demo/issues/42"); n != 0 {
		t.Errorf("issue url: n = %d", n)
	}
}
