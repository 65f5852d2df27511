package bruteforce

import (
	"hash/fnv"
	"sync"
	"time"
)

// correlationIndex is the global recent-attempts index keyed by
// (host, username), shared across all workers. It answers the question
// "how many distinct sources hit this target recently" for the
// distributed-attack heuristic. Sharded so cross-source bookkeeping does
// not serialize event processing.
type correlationIndex struct {
	shards []*correlationShard
	window time.Duration
}

type correlationShard struct {
	mu      sync.Mutex
	targets map[string]map[string]time.Time // target key -> source IP -> last seen
}

func newCorrelationIndex(shards int, window time.Duration) *correlationIndex {
	if shards <= 0 {
		shards = 16
	}
	idx := &correlationIndex{
		shards: make([]*correlationShard, shards),
		window: window,
	}
	for i := range idx.shards {
		idx.shards[i] = &correlationShard{targets: make(map[string]map[string]time.Time)}
	}
	return idx
}

func targetKey(host, username string) string {
	return host + "|" + username
}

func (idx *correlationIndex) shard(key string) *correlationShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return idx.shards[int(h.Sum32())%len(idx.shards)]
}

// record notes an attempt on (host, username) from sourceIP and returns
// the number of distinct sources that hit the same target within the
// coordination window, including this one.
func (idx *correlationIndex) record(host, username, sourceIP string, at time.Time) int {
	key := targetKey(host, username)
	sh := idx.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sources, ok := sh.targets[key]
	if !ok {
		sources = make(map[string]time.Time)
		sh.targets[key] = sources
	}
	sources[sourceIP] = at

	cutoff := at.Add(-idx.window)
	n := 0
	for ip, seen := range sources {
		if seen.Before(cutoff) {
			delete(sources, ip)
			continue
		}
		n++
	}
	return n
}

// prune drops targets with no attempts inside the window.
func (idx *correlationIndex) prune(now time.Time) int {
	cutoff := now.Add(-idx.window)
	removed := 0
	for _, sh := range idx.shards {
		sh.mu.Lock()
		for key, sources := range sh.targets {
			for ip, seen := range sources {
				if seen.Before(cutoff) {
					delete(sources, ip)
				}
			}
			if len(sources) == 0 {
				delete(sh.targets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
