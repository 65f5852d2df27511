package features

import (
	"hash/fnv"
	"sync"
	"time"

	"authguard/internal/schema"
)

// profile holds rolling behavioral statistics for one key (an IP or a
// username). All counters are guarded by the owning shard's lock.
type profile struct {
	samples   int
	hourHits  [24]int
	countries map[string]int
	successes int
	failures  int
	updatedAt time.Time
}

// baselineStore is a sharded map of behavioral profiles. Sharding keeps
// concurrent workers from serializing on one lock.
type baselineStore struct {
	shards     []*baselineShard
	minSamples int
}

type baselineShard struct {
	mu       sync.Mutex
	profiles map[string]*profile
}

func newBaselineStore(shards, minSamples int) *baselineStore {
	if shards <= 0 {
		shards = 16
	}
	s := &baselineStore{
		shards:     make([]*baselineShard, shards),
		minSamples: minSamples,
	}
	for i := range s.shards {
		s.shards[i] = &baselineShard{profiles: make(map[string]*profile)}
	}
	return s
}

func (s *baselineStore) shard(key string) *baselineShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

// observe scores the event's deviation from the key's baseline, then
// folds the event into the baseline. Insufficient history is neutral,
// never punitive.
func (s *baselineStore) observe(key string, event *schema.LoginEvent) float64 {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.profiles[key]
	if !ok {
		p = &profile{countries: make(map[string]int)}
		sh.profiles[key] = p
	}

	score := 0.0
	if p.samples >= s.minSamples {
		score = p.deviation(event)
	}

	p.update(event)
	return score
}

// deviation scores how unusual the event looks against the profile.
func (p *profile) deviation(event *schema.LoginEvent) float64 {
	score := 0.0

	// Activity at an hour this identity has rarely or never used.
	hour := event.Timestamp.Hour()
	if hits := p.hourHits[hour]; hits == 0 {
		score += 35
	} else if float64(hits)/float64(p.samples) < 0.05 {
		score += 20
	}

	// A country never seen for this identity.
	if event.HasGeo() && event.Geo.Country != "" {
		if _, seen := p.countries[event.Geo.Country]; !seen {
			score += 40
		}
	}

	// A failure from an identity that almost always succeeds.
	total := p.successes + p.failures
	if event.Failed() && total > 0 {
		if rate := float64(p.successes) / float64(total); rate > 0.9 {
			score += 25
		}
	}

	if score > 100 {
		score = 100
	}
	return score
}

func (p *profile) update(event *schema.LoginEvent) {
	p.samples++
	p.hourHits[event.Timestamp.Hour()]++
	if event.HasGeo() && event.Geo.Country != "" {
		p.countries[event.Geo.Country]++
	}
	if event.Failed() {
		p.failures++
	} else {
		p.successes++
	}
	p.updatedAt = event.Timestamp
}

// prune drops profiles idle longer than window. Returns how many were
// removed.
func (s *baselineStore) prune(window time.Duration, now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, p := range sh.profiles {
			if now.Sub(p.updatedAt) > window {
				delete(sh.profiles, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *baselineStore) len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.profiles)
		sh.mu.Unlock()
	}
	return n
}
