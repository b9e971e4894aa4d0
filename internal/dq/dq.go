// Package dq computes the decision-quality score for a candidate tier: how
// valid, specific, and historically correct it would be to route a query of a
// given complexity there. The composite total is the dot product with the
// baseline weights.
package dq

import (
	"routekern/internal/baseline"
	"routekern/internal/complexity"
	"routekern/internal/tier"
)

// Outcome mirrors the terminal state of a historical decision.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown_timeout"
)

// HistoryEntry is a prior decision as seen by the scorer: the query, where it
// was routed, what the DQ was, and how it turned out.
type HistoryEntry struct {
	Query   string
	Tier    tier.Tier
	DQTotal float64
	Outcome Outcome
}

// Score is the component breakdown plus the weighted total.
type Score struct {
	Total       float64 `json:"total"`
	Validity    float64 `json:"validity"`
	Specificity float64 `json:"specificity"`
	Correctness float64 `json:"correctness"`

	// Actionable is true when the total clears the baseline actionable
	// threshold, i.e. the routing decision counts as confident.
	Actionable bool `json:"actionable"`
}

// Scorer evaluates candidate tiers against a baseline snapshot.
type Scorer struct {
	baselines *baseline.Baselines
}

// New creates a Scorer bound to a baseline snapshot. The snapshot is not
// mutated during scoring; concurrent routing requests each hold their own.
func New(b *baseline.Baselines) *Scorer {
	return &Scorer{baselines: b}
}

// Score computes the DQ breakdown for routing the query, at the given
// complexity, to the candidate tier.
func (s *Scorer) Score(query string, c float64, candidate tier.Tier, history []HistoryEntry) Score {
	validity := s.validity(c, candidate)
	specificity := s.specificity(c, candidate)
	correctness := s.correctness(query, candidate, history)

	total := s.baselines.DQWeights.Dot(validity, specificity, correctness)
	return Score{
		Total:       total,
		Validity:    validity,
		Specificity: specificity,
		Correctness: correctness,
		Actionable:  total >= s.baselines.ActionableThreshold,
	}
}

// validity penalises under-provisioning heavily (twice the excess beyond the
// tier's upper bound) and over-provisioning lightly (half the shortfall below
// its lower bound). In range is a perfect 1.0.
func (s *Scorer) validity(c float64, candidate tier.Tier) float64 {
	r := s.baselines.ComplexityThresholds[candidate]
	switch {
	case r.Contains(c):
		return 1.0
	case c >= r.Hi:
		return clamp01(1.0 - 2.0*(c-r.Hi))
	default:
		return clamp01(1.0 - 0.5*(r.Lo-c))
	}
}

// specificity compares the candidate against the ideal tier for this
// complexity: exact match 1.0, adjacent 0.6, distant 0.2.
func (s *Scorer) specificity(c float64, candidate tier.Tier) float64 {
	ideal := s.baselines.TierFor(c)
	switch tier.Distance(candidate, ideal) {
	case 0:
		return 1.0
	case 1:
		return 0.6
	default:
		return 0.2
	}
}

// correctness consults decisions for similar past queries on the candidate
// tier. With feedback it is the success rate; without feedback, the mean DQ
// of those decisions; with no similar history at all, the neutral 0.5.
func (s *Scorer) correctness(query string, candidate tier.Tier, history []HistoryEntry) float64 {
	if len(history) == 0 {
		return 0.5
	}

	querySet := complexity.TokenSet(query)
	threshold := s.baselines.Analyzer.SimilarityThreshold

	var successes, withFeedback int
	var dqSum float64
	var similar int

	for _, h := range history {
		if h.Tier != candidate {
			continue
		}
		if complexity.Jaccard(querySet, complexity.TokenSet(h.Query)) < threshold {
			continue
		}
		similar++
		dqSum += h.DQTotal
		switch h.Outcome {
		case OutcomeSuccess:
			withFeedback++
			successes++
		case OutcomeFailure:
			withFeedback++
		}
	}

	if similar == 0 {
		return 0.5
	}
	if withFeedback > 0 {
		return float64(successes) / float64(withFeedback)
	}
	return dqSum / float64(similar)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
