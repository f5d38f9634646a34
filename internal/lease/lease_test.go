package lease

import (
	"context"
	"testing"
	"time"

	"github.com/ralphbot/ralph/internal/config"
	"github.com/ralphbot/ralph/internal/store"
)

func newTestRegistry(t *testing.T, owner string) (*Registry, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return NewRegistry(s, owner), s
}

func TestRecordKeyFirstWriterWins(t *testing.T) {
	reg, s := newTestRegistry(t, "daemon-a")
	ctx := context.Background()

	key := PRCreateKey("org/demo", 10, "bot/integration")
	claimed, err := reg.RecordKey(ctx, key, "pr-create", `{"ownerDaemon":"daemon-a"}`)
	if err != nil || !claimed {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", claimed, err)
	}

	// A second registry over the same store simulates a restarted daemon.
	reg2 := NewRegistry(s, "daemon-b")
	claimed, err = reg2.RecordKey(ctx, key, "pr-create", `{"ownerDaemon":"daemon-b"}`)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Error("second claim succeeded, want first-writer-wins")
	}

	has, err := reg2.HasKey(ctx, key)
	if err != nil || !has {
		t.Fatalf("HasKey = (%v, %v), want (true, nil)", has, err)
	}
	payload, err := reg2.GetPayload(ctx, key)
	if err != nil {
		t.Fatalf("GetPayload: %v", err)
	}
	if payload != `{"ownerDaemon":"daemon-a"}` {
		t.Errorf("payload = %q, want original claimant payload", payload)
	}
}

func TestUpsertKeyAfterClaim(t *testing.T) {
	reg, _ := newTestRegistry(t, "daemon-a")
	ctx := context.Background()

	key := SurveyParentKey("org/demo", 10)
	if _, err := reg.RecordKey(ctx, key, "dx-survey", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := reg.UpsertKey(ctx, key, `{"parentIssue":77}`); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	payload, err := reg.GetPayload(ctx, key)
	if err != nil || payload != `{"parentIssue":77}` {
		t.Fatalf("payload = (%q, %v), want upserted payload", payload, err)
	}
}

func TestSelfHealRespectsMinAge(t *testing.T) {
	reg, s := newTestRegistry(t, "daemon-a")
	ctx := context.Background()

	key := PRCreateKey("org/demo", 10, "bot/integration")
	if _, err := reg.RecordKey(ctx, key, "pr-create", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A contender cannot heal a fresh lease.
	contender := NewRegistry(s, "daemon-b")
	healed, err := contender.SelfHeal(ctx, key, "pr-create", "", time.Hour)
	if err != nil {
		t.Fatalf("self-heal: %v", err)
	}
	if healed {
		t.Error("healed a lease younger than minAge")
	}

	// With minAge zero the lease is stale by definition; healing succeeds.
	healed, err = contender.SelfHeal(ctx, key, "pr-create", "", 0)
	if err != nil || !healed {
		t.Fatalf("stale self-heal = (%v, %v), want (true, nil)", healed, err)
	}
	rec, err := store.GetIdempotencyKey(ctx, s, key)
	if err != nil {
		t.Fatalf("get after heal: %v", err)
	}
	if rec.Owner != "daemon-b" {
		t.Errorf("owner after heal = %q, want daemon-b", rec.Owner)
	}
}

func TestSelfHealIsOneShot(t *testing.T) {
	reg, s := newTestRegistry(t, "daemon-a")
	ctx := context.Background()

	key := PRCreateKey("org/demo", 10, "bot/integration")
	if _, err := reg.RecordKey(ctx, key, "pr-create", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	contender := NewRegistry(s, "daemon-b")
	healed, err := contender.SelfHeal(ctx, key, "pr-create", "", 0)
	if err != nil || !healed {
		t.Fatalf("first heal = (%v, %v), want (true, nil)", healed, err)
	}

	// Hand the key back to daemon-a to set up a second contention.
	if err := contender.DeleteKey(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reg.RecordKey(ctx, key, "pr-create", ""); err != nil {
		t.Fatalf("re-claim: %v", err)
	}

	// Second heal attempt by the same process must be refused even though the
	// lease is stale by age.
	healed, err = contender.SelfHeal(ctx, key, "pr-create", "", 0)
	if err != nil {
		t.Fatalf("second heal: %v", err)
	}
	if healed {
		t.Error("second self-heal succeeded, want one-shot refusal")
	}
}

func TestKeyConstructors(t *testing.T) {
	if got := PRCreateKey("org/demo", 10, "bot/integration"); got != "pr-create:org/demo#10:bot/integration" {
		t.Errorf("PRCreateKey = %q", got)
	}
	if got := WatchdogKey("org/demo", 10, "abc123"); got != "gh-watchdog:org/demo#10:abc123" {
		t.Errorf("WatchdogKey = %q", got)
	}
	if got := SurveyChildKey("org/demo", 10, "tooling"); got != "dx-survey-child:org/demo#10:tooling" {
		t.Errorf("SurveyChildKey = %q", got)
	}
}
