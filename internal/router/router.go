// Package router orchestrates one routing decision: complexity estimation,
// per-tier decision-quality scoring, cost-aware winner selection, and the
// durable decision record. The routing path holds no locks and does no
// retries; persistence failures surface to the caller.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"routekern/internal/baseline"
	"routekern/internal/complexity"
	"routekern/internal/dq"
	"routekern/internal/event"
	"routekern/internal/telemetry"
	"routekern/internal/tier"
)

// ErrRoutingPersistFailed is returned when the decision could not be made
// durable. The caller decides whether to proceed with the tier anyway.
var ErrRoutingPersistFailed = errors.New("routing decision could not be persisted")

const (
	// tieBand is the DQ distance from the top score within which a cheaper
	// tier is preferred over a marginally better one.
	tieBand = 0.05

	// defaultDeadline is the hard ceiling on the scoring phase. Past it the
	// rule-based fallback decides.
	defaultDeadline = 200 * time.Millisecond

	// historyLimit bounds how many past decisions feed correctness scoring
	// and the analyzer's similarity pull.
	historyLimit = 200
)

// Router routes queries to tiers. Safe for concurrent use; every call takes
// its own baseline snapshot.
type Router struct {
	baselines *baseline.Store
	store     *telemetry.Store
	deadline  time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithDeadline overrides the scoring-phase ceiling.
func WithDeadline(d time.Duration) Option {
	return func(r *Router) { r.deadline = d }
}

// New creates a Router over the given baseline and telemetry stores.
func New(baselines *baseline.Store, store *telemetry.Store, opts ...Option) *Router {
	r := &Router{baselines: baselines, store: store, deadline: defaultDeadline}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request is one routing request. Override forces the chosen tier while still
// recording what the scorer would have picked.
type Request struct {
	Query     string
	SessionID string
	Override  *tier.Tier
}

// scored is the outcome of the full scoring phase.
type scored struct {
	estimate complexity.Estimate
	chosen   tier.Tier
	dq       dq.Score
	alts     []event.Alternative
}

// Route scores the query against every tier and appends a durable Decision.
// If scoring exceeds the deadline, the rule-based fallback decides and the
// decision is marked accordingly.
func (r *Router) Route(ctx context.Context, req Request) (event.Decision, error) {
	if req.Query == "" {
		return event.Decision{}, errors.New("empty query")
	}
	snapshot := r.baselines.Load()

	d := event.Decision{
		ID:              uuid.NewString(),
		TS:              time.Now().UTC(),
		QueryHash:       event.HashQuery(req.Query),
		QueryPreview:    event.Preview(req.Query),
		BaselineVersion: snapshot.Version,
		SessionID:       req.SessionID,
	}

	resCh := make(chan scored, 1)
	go func() {
		resCh <- r.score(req.Query, snapshot)
	}()

	timer := time.NewTimer(r.deadline)
	defer timer.Stop()

	select {
	case sc := <-resCh:
		d.Complexity = sc.estimate.Score
		d.ComplexityRationale = sc.estimate.Rationale
		d.ChosenTier = sc.chosen
		d.DQ = sc.dq
		d.Alternatives = sc.alts

	case <-timer.C:
		// Ceiling exceeded: the last-known-good rule router decides from a
		// lexical-only estimate. The scoring goroutine's result is discarded.
		est := complexity.New(snapshot.Analyzer).Estimate(req.Query, nil)
		d.Complexity = est.Score
		d.ComplexityRationale = est.Rationale
		d.ChosenTier = snapshot.TierFor(est.Score)
		d.Fallback = true

	case <-ctx.Done():
		return event.Decision{}, ctx.Err()
	}

	// An override always marks the decision, even when it lands on the tier
	// the scorer picked anyway; provenance must survive the coincidence.
	if req.Override != nil {
		d.ChosenTier = *req.Override
		d.Overridden = true
	}
	d.CostEstimate = snapshot.EstimateCost(d.ChosenTier)

	if err := r.store.AppendDecision(ctx, d); err != nil {
		return event.Decision{}, fmt.Errorf("%w: %w", ErrRoutingPersistFailed, err)
	}
	if d.Fallback {
		fb := event.FallbackUsed{
			DecisionID: d.ID,
			ChosenTier: d.ChosenTier,
			Reason:     fmt.Sprintf("scoring exceeded %s ceiling", r.deadline),
			TS:         time.Now().UTC(),
		}
		if _, err := r.store.Append(ctx, event.TypeFallbackUsed, snapshot.Version, fb); err != nil {
			log.Printf("[Router] fallback event not persisted: %v", err)
		}
	}
	return d, nil
}

// score runs the full pipeline: complexity with historical pull, then DQ for
// every tier, then cost-aware selection.
func (r *Router) score(query string, snapshot *baseline.Baselines) scored {
	samples, err := r.store.ComplexitySamples(historyLimit)
	if err != nil {
		log.Printf("[Router] complexity samples unavailable, scoring without history: %v", err)
	}
	history, err := r.store.History(historyLimit)
	if err != nil {
		log.Printf("[Router] history unavailable, scoring without history: %v", err)
	}

	est := complexity.New(snapshot.Analyzer).Estimate(query, samples)
	scorer := dq.New(snapshot)

	scores := make(map[tier.Tier]dq.Score, len(tier.All()))
	for _, t := range tier.All() {
		scores[t] = scorer.Score(query, est.Score, t, history)
	}
	chosen := pick(snapshot, scores)

	var alts []event.Alternative
	for _, t := range tier.All() {
		if t == chosen {
			continue
		}
		alts = append(alts, event.Alternative{Tier: t, DQ: scores[t].Total})
	}
	return scored{estimate: est, chosen: chosen, dq: scores[chosen], alts: alts}
}

// pick selects the winner: highest DQ, but within the tie band the cheaper
// tier wins; at equal cost the lower tier index wins. Iterating tiers in
// ascending order makes both tie-breaks fall out of the comparison.
func pick(snapshot *baseline.Baselines, scores map[tier.Tier]dq.Score) tier.Tier {
	var top float64
	for _, t := range tier.All() {
		if scores[t].Total > top {
			top = scores[t].Total
		}
	}

	var (
		best     tier.Tier
		bestCost float64
		found    bool
	)
	for i := len(tier.All()) - 1; i >= 0; i-- {
		t := tier.All()[i]
		if top-scores[t].Total > tieBand {
			continue
		}
		cost := snapshot.EstimateCost(t)
		if !found || cost <= bestCost {
			best, bestCost, found = t, cost, true
		}
	}
	return best
}
