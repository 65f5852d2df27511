package blocker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"authguard/internal/config"
)

type mockEnforcer struct {
	mu      sync.Mutex
	applied map[string]int
	revoked map[string]int
	failOn  map[string]bool
}

func newMockEnforcer() *mockEnforcer {
	return &mockEnforcer{
		applied: make(map[string]int),
		revoked: make(map[string]int),
		failOn:  make(map[string]bool),
	}
}

func (m *mockEnforcer) Apply(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[ip] {
		return errors.New("nft: command failed")
	}
	m.applied[ip]++
	return nil
}

func (m *mockEnforcer) Revoke(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[ip]++
	return nil
}

func (m *mockEnforcer) appliedCount(ip string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[ip]
}

func (m *mockEnforcer) revokedCount(ip string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[ip]
}

func (m *mockEnforcer) setFail(ip string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[ip] = fail
}

func testBlockerConfig() config.BlockerConfig {
	return config.BlockerConfig{
		DurationLow:      time.Hour,
		DurationMedium:   24 * time.Hour,
		DurationHigh:     168 * time.Hour,
		DurationCritical: 720 * time.Hour,
		SweepInterval:    time.Minute,
	}
}

func TestRequestBlockCreatesActiveRecord(t *testing.T) {
	enf := newMockEnforcer()
	b := New(testBlockerConfig(), enf, nil, nil)

	out := b.RequestBlock(context.Background(), "203.0.113.1", "brute force", "bruteforce", SeverityHigh)
	if out.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", out.Status)
	}
	if !out.Enforced {
		t.Error("expected enforced outcome")
	}
	if !b.IsBlocked("203.0.113.1") {
		t.Error("IsBlocked = false after a successful block")
	}
	if enf.appliedCount("203.0.113.1") != 1 {
		t.Errorf("enforcer applied %d times, want 1", enf.appliedCount("203.0.113.1"))
	}

	want := time.Now().Add(168 * time.Hour)
	if diff := out.Record.ExpiresAt.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("expiry = %v, want ~%v", out.Record.ExpiresAt, want)
	}
}

func TestWhitelistedNeverBlocked(t *testing.T) {
	cfg := testBlockerConfig()
	cfg.Whitelist = []string{"10.0.0.1", "10.0.0.2"}
	enf := newMockEnforcer()
	b := New(cfg, enf, nil, nil)

	severities := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		ip := cfg.Whitelist[rng.Intn(len(cfg.Whitelist))]
		sev := severities[rng.Intn(len(severities))]
		out := b.RequestBlock(context.Background(), ip, "test", "test", sev)
		if out.Status != StatusWhitelisted {
			t.Fatalf("whitelisted %s blocked with severity %s", ip, sev)
		}
		if b.IsBlocked(ip) {
			t.Fatalf("whitelisted %s has an active record", ip)
		}
	}
	if enf.appliedCount("10.0.0.1")+enf.appliedCount("10.0.0.2") != 0 {
		t.Error("enforcer invoked for whitelisted IPs")
	}
}

func TestDurationMonotonicWithSeverity(t *testing.T) {
	b := New(testBlockerConfig(), newMockEnforcer(), nil, nil)

	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if b.duration(order[i]) < b.duration(order[i-1]) {
			t.Errorf("duration(%s)=%v < duration(%s)=%v",
				order[i], b.duration(order[i]), order[i-1], b.duration(order[i-1]))
		}
	}
}

func TestReblockExtendsNotDuplicates(t *testing.T) {
	enf := newMockEnforcer()
	b := New(testBlockerConfig(), enf, nil, nil)
	ctx := context.Background()

	first := b.RequestBlock(ctx, "203.0.113.2", "burst", "bruteforce", SeverityCritical)
	second := b.RequestBlock(ctx, "203.0.113.2", "burst again", "bruteforce", SeverityLow)

	if second.Status != StatusExtended {
		t.Fatalf("status = %s, want extended", second.Status)
	}
	// A shorter new duration must not shrink the remaining time.
	if second.Record.ExpiresAt.Before(first.Record.ExpiresAt) {
		t.Errorf("extension shrank expiry from %v to %v", first.Record.ExpiresAt, second.Record.ExpiresAt)
	}
	if got := b.ActiveCount(); got != 1 {
		t.Errorf("active records = %d, want 1", got)
	}
}

func TestReblockTakesLongerDuration(t *testing.T) {
	b := New(testBlockerConfig(), newMockEnforcer(), nil, nil)
	ctx := context.Background()

	low := b.RequestBlock(ctx, "203.0.113.3", "slow", "engine", SeverityLow)
	crit := b.RequestBlock(ctx, "203.0.113.3", "burst", "engine", SeverityCritical)

	if !crit.Record.ExpiresAt.After(low.Record.ExpiresAt) {
		t.Error("critical re-block did not extend the expiry")
	}
	if crit.Record.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical after escalation", crit.Record.Severity)
	}
}

func TestIsBlockedLazyExpiry(t *testing.T) {
	cfg := testBlockerConfig()
	cfg.DurationLow = 10 * time.Millisecond
	b := New(cfg, newMockEnforcer(), nil, nil)

	b.RequestBlock(context.Background(), "203.0.113.4", "test", "test", SeverityLow)
	if !b.IsBlocked("203.0.113.4") {
		t.Fatal("expected active block")
	}

	time.Sleep(20 * time.Millisecond)

	// No sweep has run, but the read must already say unblocked.
	if b.IsBlocked("203.0.113.4") {
		t.Error("IsBlocked = true for an expired record before the sweep")
	}
	if b.ActiveCount() != 0 {
		t.Error("ActiveCount counts an expired record")
	}
}

func TestSweepExpiredIdempotent(t *testing.T) {
	cfg := testBlockerConfig()
	cfg.DurationLow = 5 * time.Millisecond
	enf := newMockEnforcer()
	b := New(cfg, enf, nil, nil)
	ctx := context.Background()

	b.RequestBlock(ctx, "203.0.113.5", "test", "test", SeverityLow)
	time.Sleep(10 * time.Millisecond)

	if swept := b.SweepExpired(ctx); swept != 1 {
		t.Fatalf("first sweep = %d, want 1", swept)
	}
	if swept := b.SweepExpired(ctx); swept != 0 {
		t.Errorf("second sweep = %d, want 0", swept)
	}
	if enf.revokedCount("203.0.113.5") != 1 {
		t.Errorf("revoked %d times, want 1", enf.revokedCount("203.0.113.5"))
	}
}

func TestSweepDoesNotRaceReblock(t *testing.T) {
	cfg := testBlockerConfig()
	cfg.DurationLow = time.Millisecond
	b := New(cfg, newMockEnforcer(), nil, nil)
	ctx := context.Background()

	b.RequestBlock(ctx, "203.0.113.6", "test", "test", SeverityLow)
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.SweepExpired(ctx)
	}()
	go func() {
		defer wg.Done()
		b.RequestBlock(ctx, "203.0.113.6", "again", "test", SeverityCritical)
	}()
	wg.Wait()

	// Whichever won, the record must be self-consistent: never active
	// with a past expiry.
	sh := b.shard("203.0.113.6")
	sh.mu.Lock()
	record := sh.records["203.0.113.6"]
	sh.mu.Unlock()
	if record.Active && record.Expired(time.Now()) {
		t.Error("record left active with a past expiry")
	}
}

func TestEnforcementFailureNotMasked(t *testing.T) {
	enf := newMockEnforcer()
	enf.failOn["203.0.113.7"] = true
	b := New(testBlockerConfig(), enf, nil, nil)

	out := b.RequestBlock(context.Background(), "203.0.113.7", "test", "test", SeverityHigh)
	if out.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", out.Status)
	}
	if out.Enforced {
		t.Error("outcome reports enforced despite enforcement failure")
	}
	// The record survives for a later retry; state is not corrupted.
	if !b.IsBlocked("203.0.113.7") {
		t.Error("record dropped on enforcement failure")
	}
	if b.Metrics().EnforcementErrs != 1 {
		t.Errorf("enforcement failures = %d, want 1", b.Metrics().EnforcementErrs)
	}
}

func TestReblockRetriesFailedEnforcement(t *testing.T) {
	enf := newMockEnforcer()
	enf.setFail("203.0.113.20", true)
	b := New(testBlockerConfig(), enf, nil, nil)
	ctx := context.Background()

	first := b.RequestBlock(ctx, "203.0.113.20", "test", "test", SeverityCritical)
	if first.Enforced {
		t.Fatal("first block reports enforced despite Apply failure")
	}

	// The enforcement backend comes back; a re-block must retry Apply
	// instead of carrying the stale unenforced state.
	enf.setFail("203.0.113.20", false)
	second := b.RequestBlock(ctx, "203.0.113.20", "test", "test", SeverityCritical)
	if second.Status != StatusExtended {
		t.Fatalf("status = %s, want extended", second.Status)
	}
	if !second.Enforced {
		t.Error("re-block did not retry enforcement")
	}
	if enf.appliedCount("203.0.113.20") != 1 {
		t.Errorf("enforcer applied %d times, want 1", enf.appliedCount("203.0.113.20"))
	}
	for _, rec := range b.ActiveRecords() {
		if rec.IP == "203.0.113.20" && !rec.Enforced {
			t.Error("live record still unenforced after retry")
		}
	}
}

func TestSweepRetriesUnenforcedBlocks(t *testing.T) {
	enf := newMockEnforcer()
	enf.setFail("203.0.113.21", true)
	b := New(testBlockerConfig(), enf, nil, nil)
	ctx := context.Background()

	b.RequestBlock(ctx, "203.0.113.21", "test", "test", SeverityHigh)

	// While the backend is down the sweep keeps failing but never
	// corrupts the record.
	b.SweepExpired(ctx)
	if !b.IsBlocked("203.0.113.21") {
		t.Fatal("record dropped by sweep retry")
	}
	if enf.appliedCount("203.0.113.21") != 0 {
		t.Fatalf("applied %d times while backend down, want 0", enf.appliedCount("203.0.113.21"))
	}

	enf.setFail("203.0.113.21", false)
	b.SweepExpired(ctx)
	if enf.appliedCount("203.0.113.21") != 1 {
		t.Errorf("enforcer applied %d times after recovery, want 1", enf.appliedCount("203.0.113.21"))
	}
	for _, rec := range b.ActiveRecords() {
		if rec.IP == "203.0.113.21" && !rec.Enforced {
			t.Error("record still unenforced after sweep retry")
		}
	}

	// Once enforced, further sweeps leave it alone.
	b.SweepExpired(ctx)
	if enf.appliedCount("203.0.113.21") != 1 {
		t.Errorf("sweep re-applied an already enforced block (%d applies)", enf.appliedCount("203.0.113.21"))
	}
}

func TestUnblockRevokesImmediately(t *testing.T) {
	enf := newMockEnforcer()
	b := New(testBlockerConfig(), enf, nil, nil)
	ctx := context.Background()

	b.RequestBlock(ctx, "203.0.113.8", "test", "test", SeverityCritical)
	if err := b.Unblock(ctx, "203.0.113.8"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if b.IsBlocked("203.0.113.8") {
		t.Error("still blocked after Unblock")
	}
	if enf.revokedCount("203.0.113.8") != 1 {
		t.Errorf("revoked %d times, want 1", enf.revokedCount("203.0.113.8"))
	}
	if err := b.Unblock(ctx, "203.0.113.8"); !errors.Is(err, ErrNotBlocked) {
		t.Errorf("second Unblock = %v, want ErrNotBlocked", err)
	}
}

type mockRecordStore struct {
	mu     sync.Mutex
	saved  map[string]*BlockRecord
	active []*BlockRecord
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{saved: make(map[string]*BlockRecord)}
}

func (m *mockRecordStore) Save(_ context.Context, record *BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := *record
	m.saved[record.IP] = &rec
	return nil
}

func (m *mockRecordStore) LoadActive(context.Context) ([]*BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

func TestRestoreReappliesActiveBlocks(t *testing.T) {
	store := newMockRecordStore()
	store.active = []*BlockRecord{
		{IP: "203.0.113.9", Active: true, ExpiresAt: time.Now().Add(time.Hour), Severity: SeverityHigh},
		{IP: "203.0.113.10", Active: true, ExpiresAt: time.Now().Add(-time.Hour), Severity: SeverityLow},
	}
	enf := newMockEnforcer()
	b := New(testBlockerConfig(), enf, store, nil)

	if err := b.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !b.IsBlocked("203.0.113.9") {
		t.Error("unexpired persisted block not restored")
	}
	if b.IsBlocked("203.0.113.10") {
		t.Error("expired persisted block restored as active")
	}
	if enf.appliedCount("203.0.113.9") != 1 {
		t.Error("enforcement not re-applied on restore")
	}
}

func TestBlockPersisted(t *testing.T) {
	store := newMockRecordStore()
	b := New(testBlockerConfig(), newMockEnforcer(), store, nil)

	b.RequestBlock(context.Background(), "203.0.113.11", "test", "test", SeverityMedium)

	store.mu.Lock()
	rec, ok := store.saved["203.0.113.11"]
	store.mu.Unlock()
	if !ok || !rec.Active {
		t.Fatal("block record not persisted as active")
	}
}
