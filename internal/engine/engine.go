// Package engine is the per-event evaluation entry point: it runs the
// three detectors, fuses their scores into one risk assessment, and
// escalates to blocking and alerting.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"authguard/internal/alerting"
	"authguard/internal/blocker"
	"authguard/internal/bruteforce"
	"authguard/internal/config"
	"authguard/internal/features"
	"authguard/internal/intel"
	"authguard/internal/schema"
)

// ThreatLevel is the discrete band an overall score falls into.
type ThreatLevel string

const (
	LevelClean    ThreatLevel = "clean"
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

// LevelFor maps an overall score onto its threat band.
func LevelFor(score float64) ThreatLevel {
	switch {
	case score >= 90:
		return LevelCritical
	case score >= 70:
		return LevelHigh
	case score >= 50:
		return LevelMedium
	case score >= 30:
		return LevelLow
	default:
		return LevelClean
	}
}

// Action is what the engine did about an event.
type Action string

const (
	ActionNone           Action = "none"
	ActionBlockRequested Action = "block_requested"
)

// RiskAssessment is the engine's verdict for one event.
type RiskAssessment struct {
	EventID         uuid.UUID       `json:"event_id"`
	SourceIP        string          `json:"source_ip"`
	Username        string          `json:"username"`
	Host            string          `json:"host"`
	IntelScore      float64         `json:"intel_score"`
	FeatureScore    float64         `json:"feature_score"`
	BruteForceScore float64         `json:"bruteforce_score"`
	Overall         float64         `json:"overall"`
	Level           ThreatLevel     `json:"level"`
	Reasons         []string        `json:"reasons,omitempty"`
	Action          Action          `json:"action"`
	BlockStatus     string          `json:"block_status,omitempty"`
	BlockEnforced   bool            `json:"block_enforced"`
	IntelDegraded   bool            `json:"intel_degraded"`
	EvaluatedAt     time.Time       `json:"evaluated_at"`
	Elapsed         time.Duration   `json:"elapsed"`
	Signals         AssessmentParts `json:"signals"`
}

// AssessmentParts keeps the per-detector detail for explainability.
type AssessmentParts struct {
	Intel      []intel.ProviderResult `json:"intel,omitempty"`
	Features   []features.Signal      `json:"features,omitempty"`
	BruteForce []bruteforce.Signal    `json:"bruteforce,omitempty"`
}

// IntelSource produces a reputation verdict for an IP.
type IntelSource interface {
	Lookup(ctx context.Context, ip string) (*intel.Verdict, error)
}

// FeatureSource produces the behavioral feature score for an event.
type FeatureSource interface {
	Extract(ctx context.Context, event *schema.LoginEvent) features.Result
}

// BruteForceSource produces the brute-force score for an event.
type BruteForceSource interface {
	Observe(event *schema.LoginEvent) bruteforce.Result
}

// BlockController is the blocking port the engine escalates through.
type BlockController interface {
	RequestBlock(ctx context.Context, ip, reason, source string, severity blocker.Severity) blocker.Outcome
	IsBlocked(ip string) bool
}

// Notifier receives alerts for high and critical assessments.
type Notifier interface {
	Notify(ctx context.Context, alert alerting.Alert)
}

// Recorder persists assessments. Optional; failures are the recorder's
// concern.
type Recorder interface {
	Record(assessment *RiskAssessment)
}

// Engine fuses detector output per event. Safe for concurrent use.
type Engine struct {
	cfg        config.EngineConfig
	intel      IntelSource
	features   FeatureSource
	bruteforce BruteForceSource
	blocker    BlockController
	notifier   Notifier
	recorder   Recorder

	stats Stats
}

// New creates an engine. notifier and recorder may be nil.
func New(cfg config.EngineConfig, intelSrc IntelSource, featureSrc FeatureSource,
	bruteSrc BruteForceSource, blockCtl BlockController, notifier Notifier, recorder Recorder) *Engine {
	return &Engine{
		cfg:        cfg,
		intel:      intelSrc,
		features:   featureSrc,
		bruteforce: bruteSrc,
		blocker:    blockCtl,
		notifier:   notifier,
		recorder:   recorder,
	}
}

// Evaluate produces a RiskAssessment for a well-formed event. It never
// refuses to classify: total external degradation yields an assessment
// built from local state alone.
func (e *Engine) Evaluate(ctx context.Context, event *schema.LoginEvent) *RiskAssessment {
	start := time.Now()

	assessment := &RiskAssessment{
		EventID:     event.EventID,
		SourceIP:    event.SourceIP,
		Username:    event.Username,
		Host:        event.Host,
		Action:      ActionNone,
		EvaluatedAt: start,
	}

	verdict, err := e.intel.Lookup(ctx, event.SourceIP)
	if err != nil {
		// Reputation unknown, score neutral.
		assessment.IntelDegraded = true
		slog.Warn("intel lookup unavailable", "ip", event.SourceIP, "error", err)
	} else {
		assessment.IntelScore = verdict.Score
		assessment.Signals.Intel = verdict.Results
		assessment.IntelDegraded = verdict.Queried > 0 && verdict.Responded == 0
		if verdict.Score >= 50 {
			assessment.Reasons = append(assessment.Reasons,
				fmt.Sprintf("reputation %.0f via %s", verdict.Score, verdict.Dominant()))
		}
	}

	featureResult := e.features.Extract(ctx, event)
	assessment.FeatureScore = featureResult.Score
	assessment.Signals.Features = featureResult.Signals
	for _, s := range featureResult.Signals {
		assessment.Reasons = append(assessment.Reasons, fmt.Sprintf("%s (%.0f)", s.Name, s.Score))
	}

	bruteResult := e.bruteforce.Observe(event)
	assessment.BruteForceScore = bruteResult.Score
	assessment.Signals.BruteForce = bruteResult.Signals
	for _, s := range bruteResult.Signals {
		reason := s.Name
		if s.Detail != "" {
			reason += ": " + s.Detail
		}
		assessment.Reasons = append(assessment.Reasons, reason)
	}

	assessment.Overall = fuse(assessment.IntelScore, assessment.FeatureScore, assessment.BruteForceScore)
	assessment.Level = LevelFor(assessment.Overall)

	e.stats.observe(assessment.Level)

	if e.shouldBlock(assessment) {
		e.escalate(ctx, event, assessment)
	}

	if e.notifier != nil && (assessment.Level == LevelHigh || assessment.Level == LevelCritical) {
		e.notifier.Notify(ctx, alerting.Alert{
			EventID:  event.EventID,
			SourceIP: event.SourceIP,
			Username: event.Username,
			Host:     event.Host,
			Score:    assessment.Overall,
			Level:    string(assessment.Level),
			Reasons:  assessment.Reasons,
			Blocked:  assessment.Action == ActionBlockRequested,
			Time:     start,
		})
	}

	assessment.Elapsed = time.Since(start)
	if e.recorder != nil {
		e.recorder.Record(assessment)
	}

	return assessment
}

// fuse combines sub-scores, weighting the worst single signal highly so
// one severe detector is not diluted by quiet ones, while still letting
// corroboration push the score past any single detector. The mean runs
// over detectors that actually fired: a silent detector is absence of
// evidence, not evidence of safety.
func fuse(scores ...float64) float64 {
	max, sum, fired := 0.0, 0.0, 0
	for _, s := range scores {
		if s > max {
			max = s
		}
		if s > 0 {
			sum += s
			fired++
		}
	}
	if fired == 0 {
		return 0
	}
	return 0.5*max + 0.5*(sum/float64(fired))
}

func (e *Engine) shouldBlock(a *RiskAssessment) bool {
	if a.Level == LevelHigh || a.Level == LevelCritical {
		return true
	}
	return a.Overall >= e.cfg.AutoBlockThreshold
}

// escalate requests a block with the severity of the threat band and a
// reason derived from the dominant detector.
func (e *Engine) escalate(ctx context.Context, event *schema.LoginEvent, a *RiskAssessment) {
	severity := blocker.SeverityHigh
	if a.Level == LevelCritical {
		severity = blocker.SeverityCritical
	}

	source, reason := dominantDetector(a)
	outcome := e.blocker.RequestBlock(ctx, event.SourceIP, reason, source, severity)

	a.Action = ActionBlockRequested
	a.BlockStatus = string(outcome.Status)
	a.BlockEnforced = outcome.Enforced

	if outcome.Status == blocker.StatusWhitelisted {
		a.Reasons = append(a.Reasons, "block skipped: source whitelisted")
		return
	}
	e.stats.observeBlock()
}

// dominantDetector names the detector that pushed the score highest and
// a human-readable reason built from it.
func dominantDetector(a *RiskAssessment) (source, reason string) {
	switch {
	case a.BruteForceScore >= a.IntelScore && a.BruteForceScore >= a.FeatureScore:
		return "bruteforce", fmt.Sprintf("brute-force score %.0f for %s", a.BruteForceScore, a.Username)
	case a.IntelScore >= a.FeatureScore:
		return "intel", fmt.Sprintf("reputation score %.0f", a.IntelScore)
	default:
		return "features", fmt.Sprintf("behavioral score %.0f for %s", a.FeatureScore, a.Username)
	}
}

// Stats returns a snapshot of the engine's lifetime counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.snapshot()
}
