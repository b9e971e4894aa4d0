package baseline

import (
	"fmt"
	"math"
	"sort"

	"routekern/internal/tier"
)

const (
	// weightSumTolerance is the accepted deviation of the weight sum from 1.
	weightSumTolerance = 1e-6

	// weightRenormalizeBand is how far off the weight sum may be and still be
	// silently renormalised instead of rejected.
	weightRenormalizeBand = 0.01
)

// Validate checks every baseline invariant: weights normalised, thresholds a
// contiguous partition of [0,1], costs non-negative and finite, gates and
// heuristics positive. It renormalises weights in place when they are within
// the renormalise band. Returns ErrBaselinesInvalid-wrapped errors.
func (b *Baselines) Validate() error {
	if b.Version == "" {
		return fmt.Errorf("%w: empty version", ErrBaselinesInvalid)
	}
	if err := b.validateWeights(); err != nil {
		return err
	}
	if err := b.validateThresholds(); err != nil {
		return err
	}
	if err := b.validateCosts(); err != nil {
		return err
	}
	if b.ActionableThreshold < 0 || b.ActionableThreshold > 1 {
		return fmt.Errorf("%w: actionable_threshold %.4f outside [0,1]", ErrBaselinesInvalid, b.ActionableThreshold)
	}
	if b.TokenHeuristic.Input <= 0 || b.TokenHeuristic.Output <= 0 {
		return fmt.Errorf("%w: token heuristic must be positive", ErrBaselinesInvalid)
	}
	if err := b.validateGates(); err != nil {
		return err
	}
	return nil
}

func (b *Baselines) validateWeights() error {
	w := b.DQWeights
	for name, v := range map[string]float64{
		"validity":    w.Validity,
		"specificity": w.Specificity,
		"correctness": w.Correctness,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%w: dq_weights.%s %.4f outside [0,1]", ErrBaselinesInvalid, name, v)
		}
	}

	sum := w.Sum()
	if math.Abs(sum-1.0) <= weightSumTolerance {
		return nil
	}
	if math.Abs(sum-1.0) <= weightRenormalizeBand && sum > 0 {
		b.DQWeights.Validity /= sum
		b.DQWeights.Specificity /= sum
		b.DQWeights.Correctness /= sum
		return nil
	}
	return fmt.Errorf("%w: dq_weights sum %.6f not 1 (and outside the renormalise band)", ErrBaselinesInvalid, sum)
}

func (b *Baselines) validateThresholds() error {
	if len(b.ComplexityThresholds) != len(tier.All()) {
		return fmt.Errorf("%w: complexity_thresholds must cover all %d tiers", ErrBaselinesInvalid, len(tier.All()))
	}

	type span struct {
		t tier.Tier
		r Range
	}
	spans := make([]span, 0, len(b.ComplexityThresholds))
	for _, t := range tier.All() {
		r, ok := b.ComplexityThresholds[t]
		if !ok {
			return fmt.Errorf("%w: missing threshold range for tier %s", ErrBaselinesInvalid, t)
		}
		if math.IsNaN(r.Lo) || math.IsNaN(r.Hi) || r.Lo < 0 || r.Hi > 1 || r.Lo >= r.Hi {
			return fmt.Errorf("%w: tier %s range [%.4f,%.4f) malformed", ErrBaselinesInvalid, t, r.Lo, r.Hi)
		}
		spans = append(spans, span{t: t, r: r})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].r.Lo < spans[j].r.Lo })

	if spans[0].r.Lo != 0 {
		return fmt.Errorf("%w: partition does not start at 0 (first lo=%.4f)", ErrBaselinesInvalid, spans[0].r.Lo)
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].r.Lo != spans[i-1].r.Hi {
			return fmt.Errorf("%w: gap or overlap between tier %s (hi=%.4f) and tier %s (lo=%.4f)",
				ErrBaselinesInvalid, spans[i-1].t, spans[i-1].r.Hi, spans[i].t, spans[i].r.Lo)
		}
	}
	if last := spans[len(spans)-1].r; last.Hi != 1.0 {
		return fmt.Errorf("%w: partition does not end at 1 (last hi=%.4f)", ErrBaselinesInvalid, last.Hi)
	}
	return nil
}

func (b *Baselines) validateCosts() error {
	for _, t := range tier.All() {
		c, ok := b.CostPerMTok[t]
		if !ok {
			return fmt.Errorf("%w: missing cost entry for tier %s", ErrBaselinesInvalid, t)
		}
		for name, v := range map[string]float64{"input": c.Input, "output": c.Output} {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: cost_per_mtok.%s.%s must be non-negative finite", ErrBaselinesInvalid, t, name)
			}
		}
	}
	return nil
}

func (b *Baselines) validateGates() error {
	g := b.FeedbackGates
	if g.MinQueries < 0 || g.MinFeedback < 0 || g.RecentSample <= 0 ||
		g.MaxUpdatesPerWindow < 0 || g.UpdateWindowQueries <= 0 {
		return fmt.Errorf("%w: feedback_gates counts must be non-negative (recent_sample and window positive)", ErrBaselinesInvalid)
	}
	if g.MinDataQuality < 0 || g.MinDataQuality > 1 {
		return fmt.Errorf("%w: feedback_gates.min_data_quality %.4f outside [0,1]", ErrBaselinesInvalid, g.MinDataQuality)
	}
	if g.RollbackDropPct <= 0 || g.RollbackDropPct >= 1 {
		return fmt.Errorf("%w: feedback_gates.rollback_drop_pct %.4f outside (0,1)", ErrBaselinesInvalid, g.RollbackDropPct)
	}
	return nil
}
