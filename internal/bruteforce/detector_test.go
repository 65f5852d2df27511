package bruteforce

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"authguard/internal/config"
	"authguard/internal/schema"
)

func testBruteForceConfig() config.BruteForceConfig {
	return config.BruteForceConfig{
		PerMinuteCritical:   10,
		Per10MinHigh:        20,
		PerHourMedium:       30,
		DistinctUsernames:   8,
		DictionaryFraction:  0.5,
		SequentialMin:       3,
		CoordinationWindow:  10 * time.Minute,
		CoordinationSources: 3,
		IndexShards:         16,
	}
}

func failedLogin(ip, username, host string, at time.Time) *schema.LoginEvent {
	return &schema.LoginEvent{
		EventID:   uuid.New(),
		Timestamp: at,
		SourceIP:  ip,
		Username:  username,
		Host:      host,
		Outcome:   schema.OutcomeFailure,
	}
}

func hasSignal(r Result, name string) bool {
	for _, s := range r.Signals {
		if s.Name == name {
			return true
		}
	}
	return false
}

func TestSingleFailureIsQuiet(t *testing.T) {
	d := New(testBruteForceConfig())

	r := d.Observe(failedLogin("10.0.0.1", "alice", "bastion-1", time.Now()))
	if r.Score != 0 || len(r.Signals) != 0 {
		t.Errorf("single failure scored %.1f with %d signals, want 0 and none", r.Score, len(r.Signals))
	}
}

func TestSuccessNeverFires(t *testing.T) {
	d := New(testBruteForceConfig())
	now := time.Now()

	for i := 0; i < 50; i++ {
		ev := failedLogin("10.0.0.1", "alice", "bastion-1", now.Add(time.Duration(i)*time.Second))
		ev.Outcome = schema.OutcomeSuccess
		if r := d.Observe(ev); r.Score != 0 {
			t.Fatalf("successful login %d scored %.1f", i, r.Score)
		}
	}
}

func TestRateCritical(t *testing.T) {
	d := New(testBruteForceConfig())
	now := time.Now()

	var last Result
	for i := 0; i < 10; i++ {
		last = d.Observe(failedLogin("203.0.113.5", "root", "bastion-1", now.Add(time.Duration(i)*time.Second)))
	}
	if !hasSignal(last, "rate_critical") {
		t.Fatalf("rate_critical did not fire, signals: %+v", last.Signals)
	}
	if last.Score < scoreRateCritical {
		t.Errorf("score = %.1f, want >= %d", last.Score, scoreRateCritical)
	}
}

func TestRateWindowSliding(t *testing.T) {
	d := New(testBruteForceConfig())
	now := time.Now()

	// Nine failures spread over 9 minutes: no per-minute signal, no
	// 10-minute signal.
	var last Result
	for i := 0; i < 9; i++ {
		last = d.Observe(failedLogin("203.0.113.6", "root", "bastion-1", now.Add(time.Duration(i)*time.Minute)))
	}
	if hasSignal(last, "rate_critical") || hasSignal(last, "rate_high") {
		t.Errorf("rate signal fired under threshold, signals: %+v", last.Signals)
	}
}

func TestSequentialAndRateTogether(t *testing.T) {
	// 20 failures in 60 seconds against user1..user20 must fire the
	// rate heuristic and the sequential-pattern heuristic at once.
	d := New(testBruteForceConfig())
	now := time.Now()

	var last Result
	for i := 1; i <= 20; i++ {
		ev := failedLogin("203.0.113.7", fmt.Sprintf("user%d", i), "bastion-1",
			now.Add(time.Duration(i*3)*time.Second))
		last = d.Observe(ev)
	}

	if !hasSignal(last, "rate_critical") {
		t.Errorf("rate_critical did not fire, signals: %+v", last.Signals)
	}
	if !hasSignal(last, "sequential_usernames") {
		t.Errorf("sequential_usernames did not fire, signals: %+v", last.Signals)
	}
	if !hasSignal(last, "credential_stuffing") {
		t.Errorf("credential_stuffing did not fire with 20 distinct usernames, signals: %+v", last.Signals)
	}
	if last.Score <= scoreRateCritical {
		t.Errorf("score = %.1f, want corroboration boost above %d", last.Score, scoreRateCritical)
	}
}

func TestDictionaryAttack(t *testing.T) {
	d := New(testBruteForceConfig())
	now := time.Now()

	var last Result
	for i, u := range []string{"root", "admin", "postgres", "xk23q"} {
		last = d.Observe(failedLogin("203.0.113.8", u, "bastion-1", now.Add(time.Duration(i)*time.Second)))
	}
	if !hasSignal(last, "dictionary_attack") {
		t.Fatalf("dictionary_attack did not fire at 75%% overlap, signals: %+v", last.Signals)
	}
}

func TestDistributedCorrelation(t *testing.T) {
	d := New(testBruteForceConfig())
	now := time.Now()

	d.Observe(failedLogin("198.51.100.1", "root", "db-1", now))
	d.Observe(failedLogin("198.51.100.2", "root", "db-1", now.Add(time.Minute)))
	last := d.Observe(failedLogin("198.51.100.3", "root", "db-1", now.Add(2*time.Minute)))

	if !hasSignal(last, "distributed_attack") {
		t.Fatalf("distributed_attack did not fire for 3 sources, signals: %+v", last.Signals)
	}
}

func TestDistributedCorrelationWindowExpiry(t *testing.T) {
	d := New(testBruteForceConfig())
	now := time.Now()

	d.Observe(failedLogin("198.51.100.1", "root", "db-2", now))
	d.Observe(failedLogin("198.51.100.2", "root", "db-2", now.Add(time.Minute)))
	// Third source outside the coordination window.
	last := d.Observe(failedLogin("198.51.100.3", "root", "db-2", now.Add(30*time.Minute)))

	if hasSignal(last, "distributed_attack") {
		t.Error("distributed_attack fired across an expired window")
	}
}

func TestDistributedRequiresSameTarget(t *testing.T) {
	d := New(testBruteForceConfig())
	now := time.Now()

	d.Observe(failedLogin("198.51.100.1", "root", "db-3", now))
	d.Observe(failedLogin("198.51.100.2", "admin", "db-3", now.Add(time.Minute)))
	last := d.Observe(failedLogin("198.51.100.3", "root", "web-1", now.Add(2*time.Minute)))

	if hasSignal(last, "distributed_attack") {
		t.Error("distributed_attack fired without a shared (host, username) target")
	}
}

func TestCombineBoost(t *testing.T) {
	tests := []struct {
		name    string
		signals []Signal
		want    float64
	}{
		{"none", nil, 0},
		{"single", []Signal{{Score: 80}}, 80},
		{"corroborated", []Signal{{Score: 80}, {Score: 60}, {Score: 50}}, 90},
		{"capped", []Signal{{Score: 95}, {Score: 90}, {Score: 85}, {Score: 80}}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := combine(tt.signals); got != tt.want {
				t.Errorf("combine = %.1f, want %.1f", got, tt.want)
			}
		})
	}
}

func TestSequentialRun(t *testing.T) {
	tests := []struct {
		name      string
		usernames []string
		wantRun   int
	}{
		{"consecutive", []string{"admin1", "admin2", "admin3"}, 3},
		{"gap breaks run", []string{"admin1", "admin2", "admin9"}, 2},
		{"mixed prefixes", []string{"admin1", "user1", "admin2", "user2", "admin3"}, 3},
		{"no suffixes", []string{"alice", "bob", "carol"}, 0},
		{"duplicates ignored", []string{"web1", "web1", "web2"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if run, _ := sequentialRun(tt.usernames); run != tt.wantRun {
				t.Errorf("run = %d, want %d", run, tt.wantRun)
			}
		})
	}
}

func TestMaintainDropsIdleProfiles(t *testing.T) {
	d := New(testBruteForceConfig())

	d.Observe(failedLogin("10.0.0.1", "alice", "bastion-1", time.Now().Add(-2*time.Hour)))
	if d.TrackedSources() != 1 {
		t.Fatalf("tracked = %d, want 1", d.TrackedSources())
	}

	d.Maintain(time.Now())
	if got := d.TrackedSources(); got != 0 {
		t.Errorf("tracked after maintain = %d, want 0", got)
	}
}
