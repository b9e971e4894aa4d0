package dq

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"routekern/internal/baseline"
	"routekern/internal/tier"
)

func newScorer() *Scorer {
	return New(baseline.Defaults())
}

func TestScore_InRangeNoHistory(t *testing.T) {
	s := newScorer()

	// Complexity 0.10 sits in fast's range: perfect validity and
	// specificity, neutral correctness.
	score := s.Score("hi", 0.10, tier.Fast, nil)
	assert.Equal(t, 1.0, score.Validity)
	assert.Equal(t, 1.0, score.Specificity)
	assert.Equal(t, 0.5, score.Correctness)
	assert.InDelta(t, 0.4*1.0+0.3*1.0+0.3*0.5, score.Total, 1e-9)
	assert.True(t, score.Actionable)
}

func TestScore_UnderProvisioningPenalisedHeavily(t *testing.T) {
	s := newScorer()

	// Complexity 0.50 on fast (hi 0.25): excess 0.25, validity 1 - 2*0.25.
	score := s.Score("implement the parser", 0.50, tier.Fast, nil)
	assert.InDelta(t, 0.5, score.Validity, 1e-9)

	// Far beyond the bound clamps to zero.
	extreme := s.Score("design a compiler", 0.95, tier.Fast, nil)
	assert.Equal(t, 0.0, extreme.Validity)
}

func TestScore_OverProvisioningPenalisedLightly(t *testing.T) {
	s := newScorer()

	// Complexity 0.10 on strong (lo 0.70): shortfall 0.60, validity 1 - 0.5*0.60.
	score := s.Score("hi", 0.10, tier.Strong, nil)
	assert.InDelta(t, 0.70, score.Validity, 1e-9)
}

func TestScore_Specificity(t *testing.T) {
	s := newScorer()

	// Ideal tier for 0.10 is fast.
	assert.Equal(t, 1.0, s.Score("q", 0.10, tier.Fast, nil).Specificity)
	assert.Equal(t, 0.6, s.Score("q", 0.10, tier.Medium, nil).Specificity)
	assert.Equal(t, 0.2, s.Score("q", 0.10, tier.Strong, nil).Specificity)
}

func TestScore_CorrectnessFromFeedback(t *testing.T) {
	s := newScorer()
	history := []HistoryEntry{
		{Query: "refactor the payment module", Tier: tier.Medium, DQTotal: 0.8, Outcome: OutcomeSuccess},
		{Query: "refactor the payment module tests", Tier: tier.Medium, DQTotal: 0.8, Outcome: OutcomeSuccess},
		{Query: "refactor the payment module again", Tier: tier.Medium, DQTotal: 0.8, Outcome: OutcomeFailure},
		// Different tier: must not count for medium.
		{Query: "refactor the payment module once more", Tier: tier.Strong, DQTotal: 0.9, Outcome: OutcomeFailure},
	}

	score := s.Score("refactor the payment module", 0.40, tier.Medium, history)
	assert.InDelta(t, 2.0/3.0, score.Correctness, 1e-9)
}

func TestScore_CorrectnessFromMeanDQWithoutFeedback(t *testing.T) {
	s := newScorer()
	history := []HistoryEntry{
		{Query: "refactor the payment module", Tier: tier.Medium, DQTotal: 0.7},
		{Query: "refactor the payment module tests", Tier: tier.Medium, DQTotal: 0.9},
	}

	score := s.Score("refactor the payment module", 0.40, tier.Medium, history)
	assert.InDelta(t, 0.8, score.Correctness, 1e-9)
}

func TestScore_CorrectnessNeutralWithoutSimilarHistory(t *testing.T) {
	s := newScorer()
	history := []HistoryEntry{
		{Query: "completely unrelated gardening question", Tier: tier.Medium, DQTotal: 0.9, Outcome: OutcomeSuccess},
	}

	score := s.Score("refactor the payment module", 0.40, tier.Medium, history)
	assert.Equal(t, 0.5, score.Correctness)
}

func TestScore_ActionableThreshold(t *testing.T) {
	b := baseline.Defaults()
	b.ActionableThreshold = 0.99
	s := New(b)

	score := s.Score("hi", 0.10, tier.Fast, nil)
	assert.False(t, score.Actionable)
}
