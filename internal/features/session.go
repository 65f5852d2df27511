package features

import (
	"sync"
	"time"

	"authguard/internal/schema"
)

// sessionTracker tracks open sessions per (ip, username, host) and a
// running mean session duration per (username, host). A session opens on
// a successful login and closes on the next failure for the same triple
// or when the timeout elapses.
type sessionTracker struct {
	mu      sync.Mutex
	open    map[string]time.Time
	history map[string]*durationStats
	timeout time.Duration
}

type durationStats struct {
	count int
	total time.Duration
}

func (d *durationStats) mean() time.Duration {
	if d.count == 0 {
		return 0
	}
	return d.total / time.Duration(d.count)
}

func newSessionTracker(timeout time.Duration) *sessionTracker {
	return &sessionTracker{
		open:    make(map[string]time.Time),
		history: make(map[string]*durationStats),
		timeout: timeout,
	}
}

func sessionKey(e *schema.LoginEvent) string {
	return e.SourceIP + "|" + e.Username + "|" + e.Host
}

func identityKey(e *schema.LoginEvent) string {
	return e.Username + "|" + e.Host
}

// observe updates session state for event and returns an anomaly score.
// Sessions far shorter or longer than the identity's historical mean
// contribute modestly; identities without enough history score zero.
func (t *sessionTracker) observe(event *schema.LoginEvent) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := sessionKey(event)

	if event.Outcome == schema.OutcomeSuccess {
		t.open[key] = event.Timestamp
		return 0
	}

	started, ok := t.open[key]
	if !ok {
		return 0
	}
	delete(t.open, key)

	duration := event.Timestamp.Sub(started)
	if duration < 0 || duration > t.timeout {
		// Stale session, the close never arrived. No judgment.
		return 0
	}

	idKey := identityKey(event)
	stats, ok := t.history[idKey]
	if !ok {
		stats = &durationStats{}
		t.history[idKey] = stats
	}

	score := 0.0
	if stats.count >= 5 {
		mean := stats.mean()
		if mean > 0 {
			switch {
			case duration < mean/10:
				score = 30
			case duration > mean*10:
				score = 25
			}
		}
	}

	stats.count++
	stats.total += duration
	return score
}

// expire closes sessions opened longer than the timeout ago.
func (t *sessionTracker) expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, started := range t.open {
		if now.Sub(started) > t.timeout {
			delete(t.open, key)
			removed++
		}
	}
	return removed
}
