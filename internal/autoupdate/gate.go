// Package autoupdate is the gatekeeper between proposed baseline updates and
// the baseline store. It evaluates the gate predicates, applies or previews
// proposals, and monitors applied proposals for efficiency regressions,
// reverting automatically when one appears.
package autoupdate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"routekern/internal/baseline"
	"routekern/internal/event"
	"routekern/internal/telemetry"
)

var (
	// ErrGatesUnmet means one or more gate predicates failed. Non-fatal: the
	// proposal stays proposed.
	ErrGatesUnmet = errors.New("auto-update gates unmet")

	// ErrProposalNotApplicable means the proposal is not in a state the
	// requested operation accepts.
	ErrProposalNotApplicable = errors.New("proposal not applicable")
)

// DefaultWindowDays matches the pattern-detection window.
const DefaultWindowDays = 30

// Predicate is one evaluated gate condition.
type Predicate struct {
	Name   string `json:"name"`
	Met    bool   `json:"met"`
	Detail string `json:"detail"`
}

// Report is the outcome of a gate evaluation.
type Report struct {
	Predicates  []Predicate `json:"predicates"`
	AllMet      bool        `json:"all_met"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Unmet lists the names of failed predicates.
func (r Report) Unmet() []string {
	var out []string
	for _, p := range r.Predicates {
		if !p.Met {
			out = append(out, p.Name)
		}
	}
	return out
}

// Result is what an apply or rollback produced.
type Result struct {
	Proposal baseline.ProposedUpdate `json:"proposal"`
	Report   Report                  `json:"report"`

	// Preview is set on dry runs.
	Preview *baseline.Preview `json:"preview,omitempty"`

	// Applied is the new current baselines after a real apply or rollback.
	Applied *baseline.Baselines `json:"applied,omitempty"`
}

// Gate evaluates and executes baseline updates.
type Gate struct {
	baselines *baseline.Store
	store     *telemetry.Store
	window    int
}

// Option configures a Gate.
type Option func(*Gate)

// WithWindow overrides the evaluation window, in days.
func WithWindow(days int) Option {
	return func(g *Gate) { g.window = days }
}

// New creates a Gate over the given stores.
func New(baselines *baseline.Store, store *telemetry.Store, opts ...Option) *Gate {
	g := &Gate{baselines: baselines, store: store, window: DefaultWindowDays}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate checks every gate predicate against current telemetry. The
// performance target is the baseline actionable threshold applied to mean
// decision quality, over the recent sample and over the full window.
func (g *Gate) Evaluate(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	b := g.baselines.Load()
	gates := b.FeedbackGates

	report := Report{EvaluatedAt: time.Now().UTC(), AllMet: true}
	add := func(name string, met bool, detail string) {
		report.Predicates = append(report.Predicates, Predicate{Name: name, Met: met, Detail: detail})
		if !met {
			report.AllMet = false
		}
	}

	total, err := g.store.TotalDecisions()
	if err != nil {
		return Report{}, err
	}
	add("min_queries", total >= gates.MinQueries,
		fmt.Sprintf("%d all-time decisions, need %d", total, gates.MinQueries))

	feedback, err := g.store.TotalFeedback()
	if err != nil {
		return Report{}, err
	}
	add("min_feedback", feedback >= gates.MinFeedback,
		fmt.Sprintf("%d attached outcomes, need %d", feedback, gates.MinFeedback))

	quality, err := g.store.DataQuality(g.window)
	if err != nil {
		return Report{}, err
	}
	add("min_data_quality", quality >= gates.MinDataQuality,
		fmt.Sprintf("mean match confidence %.2f, need %.2f", quality, gates.MinDataQuality))

	recentDQ, covered, err := g.store.RecentMeanDQ(gates.RecentSample)
	if err != nil {
		return Report{}, err
	}
	add("recent_performance", covered > 0 && recentDQ >= b.ActionableThreshold,
		fmt.Sprintf("mean DQ %.2f over last %d decisions, need %.2f", recentDQ, covered, b.ActionableThreshold))

	windowDQ, err := g.store.WindowMeanDQ(g.window)
	if err != nil {
		return Report{}, err
	}
	add("window_performance", windowDQ >= b.ActionableThreshold,
		fmt.Sprintf("mean DQ %.2f over %d-day window, need %.2f", windowDQ, g.window, b.ActionableThreshold))

	applied, err := g.store.AppliedInWindow(gates.UpdateWindowQueries)
	if err != nil {
		return Report{}, err
	}
	add("update_budget", applied < gates.MaxUpdatesPerWindow,
		fmt.Sprintf("%d updates in current window, cap %d", applied, gates.MaxUpdatesPerWindow))

	return report, nil
}

// Apply executes (or previews) a proposal. A dry run always returns the
// preview alongside the gate report; a real apply requires every gate to
// hold and the proposal to still be open.
func (g *Gate) Apply(ctx context.Context, proposalID string, dryRun bool) (*Result, error) {
	p, _, err := g.store.Proposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != baseline.StatusProposed {
		return nil, fmt.Errorf("%w: %s is %s", ErrProposalNotApplicable, p.ID, p.Status)
	}

	report, err := g.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Proposal: p, Report: report}

	if dryRun {
		_, preview, err := g.baselines.ApplyUpdate(p, true)
		if err != nil {
			return nil, err
		}
		res.Preview = preview
		return res, nil
	}

	if !report.AllMet {
		return res, fmt.Errorf("%w: %v", ErrGatesUnmet, report.Unmet())
	}

	// Capture the monitoring anchor before the change takes effect.
	preEff, _, err := g.store.RecentEfficiency(g.baselines.Load().FeedbackGates.RecentSample)
	if err != nil {
		return nil, err
	}
	total, err := g.store.TotalDecisions()
	if err != nil {
		return nil, err
	}

	applied, _, err := g.baselines.ApplyUpdate(p, false)
	if err != nil {
		return nil, err
	}
	res.Applied = applied

	change := event.ProposalStatusChange{
		ProposalID:         p.ID,
		Status:             string(baseline.StatusApplied),
		AppliedVersion:     applied.Version,
		PreApplyEfficiency: preEff,
		DecisionsAtApply:   total,
		TS:                 time.Now().UTC(),
	}
	if _, err := g.store.Append(ctx, event.TypeProposalStatus, applied.Version, change); err != nil {
		return nil, err
	}
	return res, nil
}

// Rollback reverts an applied proposal, restoring the pre-apply content
// under a new version.
func (g *Gate) Rollback(ctx context.Context, proposalID string) (*Result, error) {
	p, _, err := g.store.Proposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != baseline.StatusApplied {
		return nil, fmt.Errorf("%w: %s is %s, only applied proposals roll back", ErrProposalNotApplicable, p.ID, p.Status)
	}

	restored, err := g.baselines.Rollback(p.ParentBaselineVersion, p.ID)
	if err != nil {
		return nil, err
	}

	change := event.ProposalStatusChange{
		ProposalID: p.ID,
		Status:     string(baseline.StatusRolledBack),
		Reason:     fmt.Sprintf("manual rollback to %s content", p.ParentBaselineVersion),
		TS:         time.Now().UTC(),
	}
	if _, err := g.store.Append(ctx, event.TypeProposalStatus, restored.Version, change); err != nil {
		return nil, err
	}
	return &Result{Proposal: p, Applied: restored}, nil
}

// Reject marks an open proposal rejected without touching baselines.
func (g *Gate) Reject(ctx context.Context, proposalID, reason string) error {
	p, _, err := g.store.Proposal(proposalID)
	if err != nil {
		return err
	}
	if p.Status != baseline.StatusProposed {
		return fmt.Errorf("%w: %s is %s", ErrProposalNotApplicable, p.ID, p.Status)
	}
	change := event.ProposalStatusChange{
		ProposalID: p.ID,
		Status:     string(baseline.StatusRejected),
		Reason:     reason,
		TS:         time.Now().UTC(),
	}
	_, err = g.store.Append(ctx, event.TypeProposalStatus, g.baselines.CurrentVersion(), change)
	return err
}

// Monitor checks every applied proposal whose post-apply sample is complete
// and auto-reverts any that regressed efficiency beyond the rollback
// threshold. Run periodically by the scheduler.
func (g *Gate) Monitor(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := g.baselines.Load()
	gates := b.FeedbackGates

	applied, err := g.store.Proposals(baseline.StatusApplied)
	if err != nil {
		return err
	}
	total, err := g.store.TotalDecisions()
	if err != nil {
		return err
	}

	for _, p := range applied {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, anchor, err := g.store.Proposal(p.ID)
		if err != nil {
			return err
		}
		if total-anchor.DecisionsAtApply < gates.RecentSample {
			continue // post-apply sample not complete yet
		}
		if anchor.PreApplyEfficiency <= 0 {
			continue
		}

		eff, resolved, err := g.store.RecentEfficiency(gates.RecentSample)
		if err != nil {
			return err
		}
		if resolved == 0 {
			continue
		}
		drop := (anchor.PreApplyEfficiency - eff) / anchor.PreApplyEfficiency
		if drop <= gates.RollbackDropPct {
			continue
		}

		log.Printf("[AutoUpdateGate] efficiency dropped %.0f%% after %s (%.2f -> %.2f), reverting",
			drop*100, p.ID, anchor.PreApplyEfficiency, eff)

		fromVersion := g.baselines.CurrentVersion()
		restored, err := g.baselines.Rollback(p.ParentBaselineVersion, p.ID)
		if err != nil {
			return err
		}
		rb := event.RollbackTriggered{
			ProposalID:       p.ID,
			FromVersion:      fromVersion,
			RestoredVersion:  restored.Version,
			EfficiencyBefore: anchor.PreApplyEfficiency,
			EfficiencyAfter:  eff,
			TS:               time.Now().UTC(),
		}
		if _, err := g.store.Append(ctx, event.TypeRollbackTriggered, restored.Version, rb); err != nil {
			return err
		}
	}
	return nil
}
