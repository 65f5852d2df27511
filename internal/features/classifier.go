package features

import (
	"context"

	"authguard/internal/schema"
)

// Scorer is an optional supplementary classifier folded into the
// composite score. It is treated as one more fallible signal, never as
// ground truth: an error degrades to neutral.
type Scorer interface {
	Name() string
	Score(ctx context.Context, event *schema.LoginEvent) (float64, error)
}

// NeutralScorer is the default classifier. It contributes nothing.
type NeutralScorer struct{}

// Name returns the scorer name.
func (NeutralScorer) Name() string { return "neutral" }

// Score always returns zero risk.
func (NeutralScorer) Score(context.Context, *schema.LoginEvent) (float64, error) {
	return 0, nil
}
