package intel

import (
	"sync"
	"time"
)

// RateLimiter enforces per-provider call budgets over a fixed window.
// Exhaustion is a planned skip, not an error.
type RateLimiter struct {
	mu        sync.Mutex
	providers map[string]*providerWindow
	window    time.Duration
}

type providerWindow struct {
	budget    int
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a limiter with a one hour window.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		providers: make(map[string]*providerWindow),
		window:    time.Hour,
	}
}

// SetBudget registers a provider's calls-per-window budget.
// A budget of zero or less means unlimited.
func (rl *RateLimiter) SetBudget(provider string, budget int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.providers[provider] = &providerWindow{
		budget:    budget,
		windowEnd: time.Now().Add(rl.window),
	}
}

// Allow consumes one call from the provider's budget. Returns false when
// the budget for the current window is exhausted.
func (rl *RateLimiter) Allow(provider string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	pw, ok := rl.providers[provider]
	if !ok {
		pw = &providerWindow{windowEnd: time.Now().Add(rl.window)}
		rl.providers[provider] = pw
	}

	if pw.budget <= 0 {
		return true
	}

	now := time.Now()
	if now.After(pw.windowEnd) {
		pw.count = 0
		pw.windowEnd = now.Add(rl.window)
	}

	if pw.count >= pw.budget {
		return false
	}

	pw.count++
	return true
}

// Remaining reports the calls left in the provider's current window.
// Returns -1 for unlimited providers.
func (rl *RateLimiter) Remaining(provider string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	pw, ok := rl.providers[provider]
	if !ok || pw.budget <= 0 {
		return -1
	}

	if time.Now().After(pw.windowEnd) {
		return pw.budget
	}
	return pw.budget - pw.count
}
