// Package intel aggregates IP reputation from external providers and a
// local allow/deny feed into one normalized verdict.
package intel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"authguard/internal/config"
)

// ErrInvalidIP is returned for lookups on syntactically invalid addresses.
var ErrInvalidIP = errors.New("intel: invalid IP address")

// Verdict is the aggregated reputation verdict for one source IP.
type Verdict struct {
	IP        string           `json:"ip"`
	Score     float64          `json:"score"` // 0-100
	Queried   int              `json:"queried"`
	Responded int              `json:"responded"`
	LocalFeed FeedVerdict      `json:"local_feed"`
	Results   []ProviderResult `json:"results"`
	CheckedAt time.Time        `json:"checked_at"`
}

// Dominant returns the provider that produced the verdict score, or the
// local feed name when no provider responded.
func (v *Verdict) Dominant() string {
	best := ""
	bestScore := -1.0
	for _, r := range v.Results {
		if (r.Status == StatusResponded || r.Status == StatusCached) && r.Score > bestScore {
			best = r.Provider
			bestScore = r.Score
		}
	}
	if best == "" || (v.LocalFeed == FeedDeny && bestScore < 100) {
		return "local_feed"
	}
	return best
}

// Aggregator queries the configured providers, respecting cache and
// per-provider rate budgets, and merges their answers. A lookup never
// fails because one provider failed.
type Aggregator struct {
	cfg       config.IntelConfig
	providers []Provider
	cache     *Cache
	limiter   *RateLimiter
	feed      *LocalFeed

	// Per-provider call counters for observability.
	mu    sync.Mutex
	calls map[string]*uint64

	lookups   uint64
	cacheHits uint64
}

// NewAggregator wires the aggregator from configuration. The store may be
// nil when cache persistence is disabled.
func NewAggregator(cfg config.IntelConfig, store Store) *Aggregator {
	a := &Aggregator{
		cfg:     cfg,
		cache:   NewCache(cfg.CacheShards, cfg.CacheTTL, store),
		limiter: NewRateLimiter(),
		feed:    NewLocalFeed(cfg.LocalFeed),
		calls:   make(map[string]*uint64),
	}

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		a.providers = append(a.providers, NewHTTPProvider(pc, cfg.ProviderTimeout))
		a.limiter.SetBudget(pc.Name, pc.CallsPerHour)
	}

	return a
}

// NewAggregatorWithProviders wires an aggregator over explicit providers.
// Used by tests to inject fakes.
func NewAggregatorWithProviders(cfg config.IntelConfig, store Store, providers ...Provider) *Aggregator {
	a := NewAggregator(cfg, store)
	a.providers = providers
	return a
}

// Feed exposes the local feed, e.g. for startup registration of known-bad IPs.
func (a *Aggregator) Feed() *LocalFeed {
	return a.feed
}

// Start begins background maintenance (feed refresh, cache cleanup).
func (a *Aggregator) Start(ctx context.Context) {
	a.feed.Start(ctx)

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := a.cache.Cleanup(); removed > 0 {
					slog.Debug("intel cache cleanup", "removed", removed)
				}
			}
		}
	}()
}

// Stop stops background maintenance.
func (a *Aggregator) Stop() {
	a.feed.Stop()
}

// Lookup produces the aggregated verdict for ip. Provider failures and
// exhausted budgets degrade to whatever subset of sources responded; the
// local feed is always consulted.
func (a *Aggregator) Lookup(ctx context.Context, ip string) (*Verdict, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	atomic.AddUint64(&a.lookups, 1)

	verdict := &Verdict{
		IP:        ip,
		LocalFeed: a.feed.Check(ip),
		CheckedAt: time.Now(),
	}

	for _, p := range a.providers {
		verdict.Queried++
		result := a.consult(ctx, p, ip)
		verdict.Results = append(verdict.Results, result)
		if result.Status == StatusResponded || result.Status == StatusCached {
			verdict.Responded++
		}
	}

	verdict.Score = a.scoreVerdict(verdict)
	return verdict, nil
}

// consult resolves one provider through cache, rate limiter and network,
// in that order.
func (a *Aggregator) consult(ctx context.Context, p Provider, ip string) ProviderResult {
	name := p.Name()

	if entry := a.cache.Get(ctx, ip, name); entry != nil {
		atomic.AddUint64(&a.cacheHits, 1)
		cached := entry.Result
		cached.Status = StatusCached
		return cached
	}

	if !a.limiter.Allow(name) {
		slog.Debug("provider budget exhausted", "provider", name, "ip", ip)
		return ProviderResult{Provider: name, Status: StatusRateLimited}
	}

	a.countCall(name)

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ProviderResult{Provider: name, Status: StatusErrored, Error: ctx.Err().Error()}
			case <-time.After(a.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
		result, err := p.Check(callCtx, ip)
		cancel()

		if err == nil {
			// The call completed within its deadline, so this write can
			// never land after the owning evaluation has moved on.
			a.cache.Put(ctx, ip, name, result)
			return result
		}
		lastErr = err
	}

	slog.Warn("provider lookup failed", "provider", name, "ip", ip, "error", lastErr)
	return ProviderResult{Provider: name, Status: StatusErrored, Error: lastErr.Error()}
}

// scoreVerdict merges provider scores: maximum across responding sources
// weighted toward confidence, so a high-confidence source is not diluted
// by silent or low-confidence ones. Falls back to the local feed alone
// when nothing responded.
func (a *Aggregator) scoreVerdict(v *Verdict) float64 {
	score := 0.0
	for _, r := range v.Results {
		if r.Status != StatusResponded && r.Status != StatusCached {
			continue
		}
		weighted := r.Score * (0.6 + 0.4*r.Confidence)
		if weighted > score {
			score = weighted
		}
	}

	switch v.LocalFeed {
	case FeedDeny:
		score = 100
	case FeedAllow:
		if score > 10 {
			score = 10
		}
	}

	return clampScore(score)
}

func (a *Aggregator) countCall(provider string) {
	a.mu.Lock()
	counter, ok := a.calls[provider]
	if !ok {
		counter = new(uint64)
		a.calls[provider] = counter
	}
	a.mu.Unlock()
	atomic.AddUint64(counter, 1)
}

// Stats returns aggregator observability counters.
func (a *Aggregator) Stats() Stats {
	s := Stats{
		Lookups:       atomic.LoadUint64(&a.lookups),
		CacheHits:     atomic.LoadUint64(&a.cacheHits),
		CacheEntries:  a.cache.Len(),
		ProviderCalls: make(map[string]uint64),
	}
	a.mu.Lock()
	for name, counter := range a.calls {
		s.ProviderCalls[name] = atomic.LoadUint64(counter)
	}
	a.mu.Unlock()
	s.DenyEntries, s.AllowEntries = a.feed.Counts()
	s.FeedLoadedAt = a.feed.LastLoad()
	return s
}

// Stats holds aggregator counters.
type Stats struct {
	Lookups       uint64            `json:"lookups"`
	CacheHits     uint64            `json:"cache_hits"`
	CacheEntries  int               `json:"cache_entries"`
	ProviderCalls map[string]uint64 `json:"provider_calls"`
	DenyEntries   int               `json:"deny_entries"`
	AllowEntries  int               `json:"allow_entries"`
	FeedLoadedAt  time.Time         `json:"feed_loaded_at"`
}
