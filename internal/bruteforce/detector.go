// Package bruteforce detects high-volume and patterned credential
// guessing, per source and across coordinated sources.
package bruteforce

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"authguard/internal/config"
	"authguard/internal/schema"
)

// Signal is one fired heuristic with its parameters, for explainability.
type Signal struct {
	Name      string   `json:"name"`
	Score     float64  `json:"score"`
	Count     int      `json:"count,omitempty"`
	Usernames []string `json:"usernames,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

// Result is the combined brute-force verdict for one event.
type Result struct {
	Score   float64  `json:"score"` // 0-100
	Signals []Signal `json:"signals,omitempty"`
}

// sourceProfile is the per-IP sliding state. Owned by one shard; all
// access goes through the shard lock. Dispatch guarantees per-source
// arrival order, the lock guards cross-source collisions on a shard.
type sourceProfile struct {
	failures  []time.Time          // pruned past one hour
	usernames map[string]time.Time // username -> last failed attempt
	updatedAt time.Time
}

// Detector scores credential-guessing behavior. Safe for concurrent use.
type Detector struct {
	cfg    config.BruteForceConfig
	shards []*profileShard
	index  *correlationIndex
}

type profileShard struct {
	mu       sync.Mutex
	profiles map[string]*sourceProfile
}

// New creates a detector with the given thresholds.
func New(cfg config.BruteForceConfig) *Detector {
	shards := cfg.IndexShards
	if shards <= 0 {
		shards = 16
	}
	d := &Detector{
		cfg:    cfg,
		shards: make([]*profileShard, shards),
		index:  newCorrelationIndex(shards, cfg.CoordinationWindow),
	}
	for i := range d.shards {
		d.shards[i] = &profileShard{profiles: make(map[string]*sourceProfile)}
	}
	return d
}

func (d *Detector) shard(ip string) *profileShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return d.shards[int(h.Sum32())%len(d.shards)]
}

// Rate-signal scores by severity.
const (
	scoreRateCritical = 95
	scoreRateHigh     = 80
	scoreRateMedium   = 60
	scoreDistributed  = 85
	scoreStuffing     = 85
	scoreSequential   = 80
	scoreDictionary   = 75

	// Each corroborating signal past the first boosts the combined
	// score modestly.
	corroborationBoost = 5
)

// Observe folds event into the sliding state and returns the combined
// brute-force score. Successful logins update state but never fire
// heuristics; absence of signal is score zero, not an error.
func (d *Detector) Observe(event *schema.LoginEvent) Result {
	now := event.Timestamp

	if !event.Failed() {
		// A success clears nothing but is tracked for recency.
		sh := d.shard(event.SourceIP)
		sh.mu.Lock()
		if p, ok := sh.profiles[event.SourceIP]; ok {
			p.updatedAt = now
		}
		sh.mu.Unlock()
		return Result{}
	}

	sh := d.shard(event.SourceIP)
	sh.mu.Lock()
	p, ok := sh.profiles[event.SourceIP]
	if !ok {
		p = &sourceProfile{usernames: make(map[string]time.Time)}
		sh.profiles[event.SourceIP] = p
	}

	p.failures = append(p.failures, now)
	p.usernames[event.Username] = now
	p.updatedAt = now
	p.prune(now)

	lastMinute := p.countSince(now.Add(-time.Minute))
	last10Min := p.countSince(now.Add(-10 * time.Minute))
	lastHour := len(p.failures)
	windowUsernames := p.recentUsernames(now.Add(-time.Hour))
	sh.mu.Unlock()

	var signals []Signal

	switch {
	case lastMinute >= d.cfg.PerMinuteCritical:
		signals = append(signals, Signal{
			Name: "rate_critical", Score: scoreRateCritical, Count: lastMinute,
			Detail: fmt.Sprintf("%d failures in 1m", lastMinute),
		})
	case last10Min >= d.cfg.Per10MinHigh:
		signals = append(signals, Signal{
			Name: "rate_high", Score: scoreRateHigh, Count: last10Min,
			Detail: fmt.Sprintf("%d failures in 10m", last10Min),
		})
	case lastHour >= d.cfg.PerHourMedium:
		signals = append(signals, Signal{
			Name: "rate_medium", Score: scoreRateMedium, Count: lastHour,
			Detail: fmt.Sprintf("%d failures in 1h", lastHour),
		})
	}

	if len(windowUsernames) >= d.cfg.DistinctUsernames {
		signals = append(signals, Signal{
			Name: "credential_stuffing", Score: scoreStuffing,
			Count: len(windowUsernames), Usernames: windowUsernames,
		})
	}

	if len(windowUsernames) >= 2 {
		if fraction, matched := dictionaryOverlap(windowUsernames); fraction >= d.cfg.DictionaryFraction {
			signals = append(signals, Signal{
				Name: "dictionary_attack", Score: scoreDictionary, Count: matched,
				Detail: fmt.Sprintf("%.0f%% wordlist overlap", fraction*100),
			})
		}
	}

	if run, prefix := sequentialRun(windowUsernames); run >= d.cfg.SequentialMin {
		signals = append(signals, Signal{
			Name: "sequential_usernames", Score: scoreSequential, Count: run,
			Detail: fmt.Sprintf("prefix %q", prefix),
		})
	}

	// Cross-source coordination against the same target.
	if sources := d.index.record(event.Host, event.Username, event.SourceIP, now); sources >= d.cfg.CoordinationSources {
		signals = append(signals, Signal{
			Name: "distributed_attack", Score: scoreDistributed, Count: sources,
			Detail: fmt.Sprintf("%d sources targeting %s@%s", sources, event.Username, event.Host),
		})
	}

	return Result{Score: combine(signals), Signals: signals}
}

// combine takes the highest single signal and boosts it modestly for
// each additional corroborating signal.
func combine(signals []Signal) float64 {
	if len(signals) == 0 {
		return 0
	}
	top := 0.0
	for _, s := range signals {
		if s.Score > top {
			top = s.Score
		}
	}
	score := top + float64(len(signals)-1)*corroborationBoost
	if score > 100 {
		return 100
	}
	return score
}

func (p *sourceProfile) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for ; i < len(p.failures); i++ {
		if !p.failures[i].Before(cutoff) {
			break
		}
	}
	p.failures = p.failures[i:]

	for u, seen := range p.usernames {
		if seen.Before(cutoff) {
			delete(p.usernames, u)
		}
	}
}

func (p *sourceProfile) countSince(cutoff time.Time) int {
	n := 0
	for i := len(p.failures) - 1; i >= 0; i-- {
		if p.failures[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

func (p *sourceProfile) recentUsernames(cutoff time.Time) []string {
	names := make([]string, 0, len(p.usernames))
	for u, seen := range p.usernames {
		if !seen.Before(cutoff) {
			names = append(names, u)
		}
	}
	return names
}

// Maintain drops idle source profiles and stale correlation targets.
func (d *Detector) Maintain(now time.Time) {
	cutoff := now.Add(-time.Hour)
	for _, sh := range d.shards {
		sh.mu.Lock()
		for ip, p := range sh.profiles {
			if p.updatedAt.Before(cutoff) {
				delete(sh.profiles, ip)
			}
		}
		sh.mu.Unlock()
	}
	d.index.prune(now)
}

// TrackedSources returns the number of source profiles currently held.
func (d *Detector) TrackedSources() int {
	n := 0
	for _, sh := range d.shards {
		sh.mu.Lock()
		n += len(sh.profiles)
		sh.mu.Unlock()
	}
	return n
}
