package engine

import "sync/atomic"

// Stats holds process-lifetime counters, incremented concurrently by
// every evaluation worker.
type Stats struct {
	processed uint64
	clean     uint64
	low       uint64
	medium    uint64
	high      uint64
	critical  uint64
	blocks    uint64
}

func (s *Stats) observe(level ThreatLevel) {
	atomic.AddUint64(&s.processed, 1)
	switch level {
	case LevelCritical:
		atomic.AddUint64(&s.critical, 1)
	case LevelHigh:
		atomic.AddUint64(&s.high, 1)
	case LevelMedium:
		atomic.AddUint64(&s.medium, 1)
	case LevelLow:
		atomic.AddUint64(&s.low, 1)
	default:
		atomic.AddUint64(&s.clean, 1)
	}
}

func (s *Stats) observeBlock() {
	atomic.AddUint64(&s.blocks, 1)
}

// StatsSnapshot is a consistent read of the counters.
type StatsSnapshot struct {
	Processed       uint64 `json:"processed"`
	Clean           uint64 `json:"clean"`
	Low             uint64 `json:"low"`
	Medium          uint64 `json:"medium"`
	High            uint64 `json:"high"`
	Critical        uint64 `json:"critical"`
	BlocksRequested uint64 `json:"blocks_requested"`
}

// ThreatsDetected counts every non-clean assessment.
func (s StatsSnapshot) ThreatsDetected() uint64 {
	return s.Low + s.Medium + s.High + s.Critical
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Processed:       atomic.LoadUint64(&s.processed),
		Clean:           atomic.LoadUint64(&s.clean),
		Low:             atomic.LoadUint64(&s.low),
		Medium:          atomic.LoadUint64(&s.medium),
		High:            atomic.LoadUint64(&s.high),
		Critical:        atomic.LoadUint64(&s.critical),
		BlocksRequested: atomic.LoadUint64(&s.blocks),
	}
}
