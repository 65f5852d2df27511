// Package features derives behavioral and geo-temporal risk signals per
// event: impossible travel, baseline deviation, session anomalies and an
// optional supplementary classifier.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"authguard/internal/config"
	"authguard/internal/schema"
)

// Signal is one fired sub-signal, kept for explainability.
type Signal struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Detail string  `json:"detail,omitempty"`
}

// Result is the composite feature risk for one event.
type Result struct {
	Score   float64  `json:"score"` // 0-100
	Signals []Signal `json:"signals,omitempty"`
}

// Extractor computes the feature risk score. Safe for concurrent use;
// internal state is sharded or lock-guarded.
type Extractor struct {
	cfg      config.FeaturesConfig
	travel   *travelTracker
	baseline *baselineStore
	sessions *sessionTracker
	scorer   Scorer
}

// NewExtractor creates an extractor with the neutral classifier.
func NewExtractor(cfg config.FeaturesConfig) *Extractor {
	return NewExtractorWithScorer(cfg, NeutralScorer{})
}

// NewExtractorWithScorer creates an extractor with a supplementary
// classifier folded into the composite at cfg.ClassifierWeight.
func NewExtractorWithScorer(cfg config.FeaturesConfig, scorer Scorer) *Extractor {
	return &Extractor{
		cfg:      cfg,
		travel:   newTravelTracker(),
		baseline: newBaselineStore(16, cfg.BaselineMinSamples),
		sessions: newSessionTracker(cfg.SessionTimeout),
		scorer:   scorer,
	}
}

// Signal weights. The classifier's share comes from configuration; the
// remainder is split across the hand-written heuristics.
const (
	weightTravel   = 0.45
	weightBaseline = 0.25
	weightSession  = 0.10
)

// Extract computes the composite feature risk for event and updates all
// rolling state. Never fails: classifier errors degrade to neutral.
func (e *Extractor) Extract(ctx context.Context, event *schema.LoginEvent) Result {
	var signals []Signal

	travelRisk, distanceKm := e.travel.check(event, e.cfg.MaxTravelSpeedKmh)
	if travelRisk > 0 {
		signals = append(signals, Signal{
			Name:   "impossible_travel",
			Score:  travelRisk,
			Detail: fmt.Sprintf("%.0f km for user %s", distanceKm, event.Username),
		})
	}

	ipRisk := e.baseline.observe("ip|"+event.SourceIP, event)
	userRisk := e.baseline.observe("user|"+event.Username, event)
	baselineRisk := maxOf(ipRisk, userRisk)
	if baselineRisk > 0 {
		signals = append(signals, Signal{
			Name:  "baseline_deviation",
			Score: baselineRisk,
		})
	}

	sessionRisk := e.sessions.observe(event)
	if sessionRisk > 0 {
		signals = append(signals, Signal{Name: "session_anomaly", Score: sessionRisk})
	}

	classifierRisk := 0.0
	if e.cfg.ClassifierWeight > 0 {
		score, err := e.scorer.Score(ctx, event)
		if err != nil {
			slog.Debug("classifier unavailable, scoring neutral",
				"classifier", e.scorer.Name(), "error", err)
		} else if score > 0 {
			classifierRisk = clamp(score)
			signals = append(signals, Signal{Name: e.scorer.Name(), Score: classifierRisk})
		}
	}

	weighted := weightTravel*travelRisk +
		weightBaseline*baselineRisk +
		weightSession*sessionRisk +
		e.cfg.ClassifierWeight*classifierRisk

	// Weight the worst single signal highly so one severe signal is not
	// diluted by quiet ones.
	worst := 0.0
	for _, s := range signals {
		if s.Score > worst {
			worst = s.Score
		}
	}
	composite := clamp(0.5*worst + 0.5*weighted)

	return Result{Score: composite, Signals: signals}
}

// Maintain prunes idle baselines and expired sessions. Called
// periodically by the owner.
func (e *Extractor) Maintain(now time.Time) {
	pruned := e.baseline.prune(e.cfg.HistoryWindow, now)
	expired := e.sessions.expire(now)
	if pruned > 0 || expired > 0 {
		slog.Debug("feature state maintenance", "profiles_pruned", pruned, "sessions_expired", expired)
	}
}

// Profiles returns the number of tracked behavioral profiles.
func (e *Extractor) Profiles() int {
	return e.baseline.len()
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func maxOf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
