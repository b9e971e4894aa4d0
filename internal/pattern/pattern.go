// Package pattern scans recent routing outcomes for recurring anti-patterns
// and turns them into proposed baseline updates. Detection is pure analysis
// over the telemetry aggregates; nothing here mutates baselines.
package pattern

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"routekern/internal/baseline"
	"routekern/internal/event"
	"routekern/internal/telemetry"
	"routekern/internal/tier"
)

// DefaultWindowDays is the sliding window detectors evaluate over.
const DefaultWindowDays = 30

// Detector runs the four anti-pattern scans over a telemetry window.
type Detector struct {
	baselines *baseline.Store
	store     *telemetry.Store
	window    int
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindow overrides the sliding window, in days.
func WithWindow(days int) Option {
	return func(d *Detector) { d.window = days }
}

// New creates a Detector over the given stores.
func New(baselines *baseline.Store, store *telemetry.Store, opts ...Option) *Detector {
	d := &Detector{baselines: baselines, store: store, window: DefaultWindowDays}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect runs every detector and persists new proposals. A proposal matching
// an existing open one (same target, same value) is not duplicated; the
// existing proposal is returned instead. Cancellation discards partial work.
func (d *Detector) Detect(ctx context.Context) ([]baseline.ProposedUpdate, error) {
	snapshot := d.baselines.Load()

	tierStats, err := d.store.TierStats(d.window)
	if err != nil {
		return nil, err
	}

	var candidates []baseline.ProposedUpdate
	for _, detect := range []func(*baseline.Baselines, []telemetry.TierStat) ([]baseline.ProposedUpdate, error){
		d.overProvisioning,
		d.underProvisioning,
		d.lowEfficiencyDeciles,
		d.tierOveruse,
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := detect(snapshot, tierStats)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, found...)
	}

	candidates = dedupeByTarget(candidates)
	return d.persist(ctx, snapshot, candidates)
}

// overProvisioning fires when the strong tier takes too large a share of the
// window while its queries are not actually complex. It proposes raising the
// strong lower bound so borderline queries route cheaper.
func (d *Detector) overProvisioning(b *baseline.Baselines, tiers []telemetry.TierStat) ([]baseline.ProposedUpdate, error) {
	p := b.Detector
	stat := statFor(tiers, tier.Strong)
	if stat.Decisions < p.MinSample {
		return nil, nil
	}
	if stat.Share <= p.StrongShareHighWater || stat.MeanComplexity >= p.LowComplexityCeiling {
		return nil, nil
	}

	lo := b.ComplexityThresholds[tier.Strong].Lo
	return []baseline.ProposedUpdate{d.proposal(
		b,
		baseline.UpdateThresholdAdjustment,
		"complexity_thresholds.strong.lo",
		lo, lo+p.ThresholdStep,
		fmt.Sprintf("strong tier at %.0f%% share with mean complexity %.2f over the last %d days; raising its lower bound by %.2f",
			stat.Share*100, stat.MeanComplexity, d.window, p.ThresholdStep),
		stat.Decisions,
		effectWeight(stat.Share, p.StrongShareHighWater),
	)}, nil
}

// underProvisioning fires when decisions inside the fast band keep failing.
// It proposes lowering the fast upper bound so those queries escalate.
func (d *Detector) underProvisioning(b *baseline.Baselines, _ []telemetry.TierStat) ([]baseline.ProposedUpdate, error) {
	p := b.Detector
	r := b.ComplexityThresholds[tier.Fast]
	slice, err := d.store.TierBandStats(d.window, tier.Fast, r.Lo, r.Hi)
	if err != nil {
		return nil, err
	}
	if slice.Resolved() < p.MinSample || slice.FailureRate() <= p.FastFailureThreshold {
		return nil, nil
	}

	return []baseline.ProposedUpdate{d.proposal(
		b,
		baseline.UpdateThresholdAdjustment,
		"complexity_thresholds.fast.hi",
		r.Hi, r.Hi-p.ThresholdStep,
		fmt.Sprintf("fast tier failing %.0f%% of %d resolved decisions in its own band; lowering its upper bound by %.2f",
			slice.FailureRate()*100, slice.Resolved(), p.ThresholdStep),
		slice.Resolved(),
		effectWeight(slice.FailureRate(), p.FastFailureThreshold),
	)}, nil
}

// lowEfficiencyDeciles fires for any complexity decile whose success rate
// sits below the floor with enough resolved decisions. The decile's tier gets
// its upper bound pulled down so those queries route one tier up. The strong
// tier has no higher neighbour, so its deciles are skipped.
func (d *Detector) lowEfficiencyDeciles(b *baseline.Baselines, _ []telemetry.TierStat) ([]baseline.ProposedUpdate, error) {
	p := b.Detector
	deciles, err := d.store.DecileStats(d.window)
	if err != nil {
		return nil, err
	}

	var out []baseline.ProposedUpdate
	for _, dec := range deciles {
		resolved := dec.Successes + dec.Failures
		if resolved < p.MinSample || dec.Efficiency >= p.EfficiencyFloor {
			continue
		}
		mid := (float64(dec.Decile) + 0.5) / 10.0
		t := b.TierFor(mid)
		if t == tier.Strong {
			continue
		}
		hi := b.ComplexityThresholds[t].Hi
		out = append(out, d.proposal(
			b,
			baseline.UpdateThresholdAdjustment,
			fmt.Sprintf("complexity_thresholds.%s.hi", t),
			hi, hi-p.ThresholdStep,
			fmt.Sprintf("complexity decile %d at %.0f%% efficiency over %d resolved decisions; narrowing the %s band toward it",
				dec.Decile, dec.Efficiency*100, resolved, t),
			resolved,
			effectWeight(1.0-dec.Efficiency, 1.0-p.EfficiencyFloor),
		))
	}
	return out, nil
}

// tierOveruse fires when a tier's window share exceeds the target share by
// more than the margin. The overused tier's range is shrunk by one step on
// the side that sheds load to a cheaper neighbour.
func (d *Detector) tierOveruse(b *baseline.Baselines, tiers []telemetry.TierStat) ([]baseline.ProposedUpdate, error) {
	p := b.Detector

	var total int
	for _, ts := range tiers {
		total += ts.Decisions
	}
	if total < p.MinSample {
		return nil, nil
	}

	var out []baseline.ProposedUpdate
	for _, ts := range tiers {
		if ts.Share <= p.TargetShare+p.ShareMargin {
			continue
		}
		var path string
		var current, proposed float64
		switch ts.Tier {
		case tier.Fast:
			current = b.ComplexityThresholds[tier.Fast].Hi
			path, proposed = "complexity_thresholds.fast.hi", current-p.ThresholdStep
		case tier.Medium:
			current = b.ComplexityThresholds[tier.Medium].Lo
			path, proposed = "complexity_thresholds.medium.lo", current+p.ThresholdStep
		case tier.Strong:
			current = b.ComplexityThresholds[tier.Strong].Lo
			path, proposed = "complexity_thresholds.strong.lo", current+p.ThresholdStep
		}
		out = append(out, d.proposal(
			b,
			baseline.UpdateThresholdAdjustment,
			path,
			current, proposed,
			fmt.Sprintf("%s tier at %.0f%% share against a %.0f%% target over the last %d days; rebalancing by %.2f",
				ts.Tier, ts.Share*100, p.TargetShare*100, d.window, p.ThresholdStep),
			ts.Decisions,
			effectWeight(ts.Share, p.TargetShare+p.ShareMargin),
		))
	}
	return out, nil
}

// proposal assembles a ProposedUpdate with a time-ordered id and derived
// confidence.
func (d *Detector) proposal(b *baseline.Baselines, typ baseline.UpdateType, path string, current, proposed float64, rationale string, sampleSize int, effect float64) baseline.ProposedUpdate {
	confidence := effect
	if n := float64(sampleSize) / float64(b.Detector.MinSample); n < 1 {
		confidence *= n
	}
	return baseline.ProposedUpdate{
		ID:                    newProposalID(),
		Type:                  typ,
		TargetPath:            path,
		CurrentValue:          current,
		ProposedValue:         proposed,
		Rationale:             rationale,
		SampleSize:            sampleSize,
		Confidence:            clamp01(confidence),
		Status:                baseline.StatusProposed,
		ParentBaselineVersion: b.Version,
		CreatedAt:             time.Now().UTC(),
	}
}

// persist appends a proposal event for each new candidate, reusing any open
// proposal that already targets the same path with the same value.
func (d *Detector) persist(ctx context.Context, b *baseline.Baselines, candidates []baseline.ProposedUpdate) ([]baseline.ProposedUpdate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	open, err := d.store.Proposals(baseline.StatusProposed)
	if err != nil {
		return nil, err
	}

	var out []baseline.ProposedUpdate
	for _, p := range candidates {
		if existing, ok := findOpen(open, p); ok {
			out = append(out, existing)
			continue
		}
		if _, err := d.store.Append(ctx, event.TypeProposal, b.Version, p); err != nil {
			return nil, err
		}
		log.Printf("[PatternDetector] proposed %s %s -> %.3f (confidence %.2f, n=%d)",
			p.Type, p.TargetPath, p.ProposedValue, p.Confidence, p.SampleSize)
		out = append(out, p)
	}
	return out, nil
}

func findOpen(open []baseline.ProposedUpdate, p baseline.ProposedUpdate) (baseline.ProposedUpdate, bool) {
	for _, o := range open {
		if o.TargetPath == p.TargetPath && o.ProposedValue == p.ProposedValue {
			return o, true
		}
	}
	return baseline.ProposedUpdate{}, false
}

// dedupeByTarget keeps the highest-confidence proposal per target path so two
// detectors cannot fight over the same boundary in one run.
func dedupeByTarget(in []baseline.ProposedUpdate) []baseline.ProposedUpdate {
	best := make(map[string]baseline.ProposedUpdate)
	var order []string
	for _, p := range in {
		cur, seen := best[p.TargetPath]
		if !seen {
			order = append(order, p.TargetPath)
		}
		if !seen || p.Confidence > cur.Confidence {
			best[p.TargetPath] = p
		}
	}
	out := make([]baseline.ProposedUpdate, 0, len(best))
	for _, path := range order {
		out = append(out, best[path])
	}
	return out
}

// effectWeight maps how far an observation exceeds its trigger threshold to
// [0,1]. At the threshold it is 0.5; twice the threshold saturates at 1.
func effectWeight(observed, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	return clamp01(0.5 + (observed-threshold)/threshold)
}

func statFor(tiers []telemetry.TierStat, t tier.Tier) telemetry.TierStat {
	for _, ts := range tiers {
		if ts.Tier == t {
			return ts
		}
	}
	return telemetry.TierStat{Tier: t}
}

// newProposalID builds a time-ordered id: a millisecond timestamp prefix
// keeps lexical and chronological order aligned, the random suffix breaks
// same-millisecond collisions.
func newProposalID() string {
	return fmt.Sprintf("p-%013d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
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
