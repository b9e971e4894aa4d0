// Package baseline owns the kernel's versioned configuration: decision-quality
// weights, complexity thresholds, tier cost tables, feedback gates, and the
// tunables for the complexity analyzer and pattern detector. The Store is the
// only component allowed to mutate baselines; everything else takes read-only
// snapshots.
package baseline

import (
	"encoding/json"
	"time"

	"routekern/internal/tier"
)

// Weights holds the decision-quality component weights. They must each be in
// [0,1] and sum to 1 within 1e-6 (renormalised on write if within 1%).
type Weights struct {
	Validity    float64 `json:"validity"`
	Specificity float64 `json:"specificity"`
	Correctness float64 `json:"correctness"`
}

// Sum returns the total of the three weights.
func (w Weights) Sum() float64 {
	return w.Validity + w.Specificity + w.Correctness
}

// Dot computes the weighted total for a set of component scores.
func (w Weights) Dot(validity, specificity, correctness float64) float64 {
	return w.Validity*validity + w.Specificity*specificity + w.Correctness*correctness
}

// Range is a half-open complexity interval [Lo, Hi). The top range in a
// partition additionally owns the point 1.0.
type Range struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// Contains reports whether c falls inside the range, treating Hi == 1.0 as
// inclusive so the partition covers the full [0,1] interval.
func (r Range) Contains(c float64) bool {
	if c >= r.Lo && c < r.Hi {
		return true
	}
	return c == 1.0 && r.Hi == 1.0
}

// Cost holds normalised per-million-token costs for one tier.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// TokenHeuristic is the nominal token count used for cost estimates at
// routing time, before any real usage is known.
type TokenHeuristic struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// FeedbackGates holds the sample-size and quality criteria that must hold
// before a proposed update may be auto-applied.
type FeedbackGates struct {
	// MinQueries is the minimum all-time decision count.
	MinQueries int `json:"min_queries"`

	// MinFeedback is the minimum number of attached outcome signals.
	MinFeedback int `json:"min_feedback"`

	// MinDataQuality is the minimum mean match confidence over resolved
	// outcomes in the window. Prefix-matched signals dilute it; direct-id
	// signals count as 1.0.
	MinDataQuality float64 `json:"min_data_quality"`

	// RecentSample is the number of most-recent decisions the performance
	// targets and the post-apply rollback monitor are evaluated over.
	RecentSample int `json:"recent_sample"`

	// RollbackDropPct is the relative efficiency drop (0-1) that triggers an
	// automatic rollback after an apply.
	RollbackDropPct float64 `json:"rollback_drop_pct"`

	// MaxUpdatesPerWindow caps how many updates may be applied within one
	// update window.
	MaxUpdatesPerWindow int `json:"max_updates_per_window"`

	// UpdateWindowQueries is the window size, measured in decisions.
	UpdateWindowQueries int `json:"update_window_queries"`
}

// TokenBand maps a query token count to a complexity prior. Bands are ordered
// ascending by MaxTokens; the final band has MaxTokens == 0 and catches
// everything longer.
type TokenBand struct {
	MaxTokens int     `json:"max_tokens"`
	Prior     float64 `json:"prior"`
}

// KeywordCategory is one weighted keyword group in the complexity pipeline.
// Matches within a category are capped (AnalyzerParams.CategoryMatchCap).
type KeywordCategory struct {
	Name     string   `json:"name"`
	Weight   float64  `json:"weight"`
	Keywords []string `json:"keywords"`
}

// AnalyzerParams holds every tunable of the complexity pipeline so the
// scoring behaviour can evolve through baseline updates alone.
type AnalyzerParams struct {
	TokenBands            []TokenBand       `json:"token_bands"`
	Categories            []KeywordCategory `json:"categories"`
	CategoryMatchCap      int               `json:"category_match_cap"`
	ProjectCues           []string          `json:"project_cues"`
	ProjectBonus          float64           `json:"project_bonus"`
	ConversationalCues    []string          `json:"conversational_cues"`
	ConversationalPenalty float64           `json:"conversational_penalty"`

	// HistoryPull bounds how far the score may move toward the mean of
	// similar past queries, as a fraction of the gap.
	HistoryPull float64 `json:"history_pull"`

	// SimilarityThreshold is the minimum Jaccard similarity over token sets
	// for a past query to count as similar.
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// DetectorParams holds the pattern-detector knobs: high-water marks, floors,
// step sizes, and the minimum sample below which no proposal is emitted.
type DetectorParams struct {
	// MinSample is the minimum slice size for any detector to fire.
	MinSample int `json:"min_sample"`

	// ThresholdStep is the boundary adjustment step proposed by the
	// provisioning detectors.
	ThresholdStep float64 `json:"threshold_step"`

	// FastFailureThreshold is the fast-tier failure rate above which the
	// under-provisioning detector fires.
	FastFailureThreshold float64 `json:"fast_failure_threshold"`

	// StrongShareHighWater is the strong-tier share above which the
	// over-provisioning detector considers firing.
	StrongShareHighWater float64 `json:"strong_share_high_water"`

	// LowComplexityCeiling is the mean complexity below which the strong
	// slice counts as "low complexity" for over-provisioning.
	LowComplexityCeiling float64 `json:"low_complexity_ceiling"`

	// EfficiencyFloor is the per-decile efficiency below which the
	// low-efficiency detector fires.
	EfficiencyFloor float64 `json:"efficiency_floor"`

	// TargetShare and ShareMargin drive the tier-overuse detector: a tier
	// whose window share exceeds TargetShare+ShareMargin triggers a
	// rebalancing proposal.
	TargetShare float64 `json:"target_share"`
	ShareMargin float64 `json:"share_margin"`
}

// LineageEntry records one baseline change with provenance.
type LineageEntry struct {
	Version    string    `json:"version"`
	AppliedAt  time.Time `json:"applied_at"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Rationale  string    `json:"rationale"`
	Author     string    `json:"author"`
}

// Baselines is the kernel's configuration snapshot. Value semantics: Store
// hands out deep copies, so holders never observe concurrent mutation.
type Baselines struct {
	Version              string              `json:"version"`
	DQWeights            Weights             `json:"dq_weights"`
	ComplexityThresholds map[tier.Tier]Range `json:"complexity_thresholds"`
	CostPerMTok          map[tier.Tier]Cost  `json:"cost_per_mtok"`
	ActionableThreshold  float64             `json:"actionable_threshold"`
	TokenHeuristic       TokenHeuristic      `json:"token_heuristic"`
	FeedbackGates        FeedbackGates       `json:"feedback_gates"`
	Analyzer             AnalyzerParams      `json:"analyzer"`
	Detector             DetectorParams      `json:"detector"`
	Lineage              []LineageEntry      `json:"lineage"`

	// extra preserves unknown top-level fields across read-modify-write so
	// baselines written by a newer kernel survive older ones.
	extra map[string]json.RawMessage
}

// TierFor returns the tier owning the given complexity. Boundaries belong to
// the lower tier (half-open intervals); 1.0 belongs to the top range.
func (b *Baselines) TierFor(c float64) tier.Tier {
	for _, t := range tier.All() {
		if r, ok := b.ComplexityThresholds[t]; ok && r.Contains(c) {
			return t
		}
	}
	// Unreachable for a validated partition; fall back to the balanced tier.
	return tier.Medium
}

// EstimateCost returns the nominal routing-time cost estimate for a tier
// using the baseline token heuristic.
func (b *Baselines) EstimateCost(t tier.Tier) float64 {
	c := b.CostPerMTok[t]
	in := float64(b.TokenHeuristic.Input) / 1_000_000.0 * c.Input
	out := float64(b.TokenHeuristic.Output) / 1_000_000.0 * c.Output
	return in + out
}

// Clone returns a deep copy of the baselines.
func (b *Baselines) Clone() *Baselines {
	cp := *b
	cp.ComplexityThresholds = make(map[tier.Tier]Range, len(b.ComplexityThresholds))
	for k, v := range b.ComplexityThresholds {
		cp.ComplexityThresholds[k] = v
	}
	cp.CostPerMTok = make(map[tier.Tier]Cost, len(b.CostPerMTok))
	for k, v := range b.CostPerMTok {
		cp.CostPerMTok[k] = v
	}
	cp.Lineage = append([]LineageEntry(nil), b.Lineage...)
	cp.Analyzer.TokenBands = append([]TokenBand(nil), b.Analyzer.TokenBands...)
	cp.Analyzer.Categories = make([]KeywordCategory, len(b.Analyzer.Categories))
	for i, cat := range b.Analyzer.Categories {
		cat.Keywords = append([]string(nil), cat.Keywords...)
		cp.Analyzer.Categories[i] = cat
	}
	cp.Analyzer.ProjectCues = append([]string(nil), b.Analyzer.ProjectCues...)
	cp.Analyzer.ConversationalCues = append([]string(nil), b.Analyzer.ConversationalCues...)
	if b.extra != nil {
		cp.extra = make(map[string]json.RawMessage, len(b.extra))
		for k, v := range b.extra {
			cp.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &cp
}

// EqualContent reports whether two baselines carry the same configuration,
// ignoring version and lineage. Used by the rollback round-trip check.
func (b *Baselines) EqualContent(other *Baselines) bool {
	normalize := func(in *Baselines) []byte {
		cp := in.Clone()
		cp.Version = ""
		cp.Lineage = nil
		data, _ := json.Marshal(cp)
		return data
	}
	return string(normalize(b)) == string(normalize(other))
}

// UpdateType enumerates the kinds of baseline changes a proposal may carry.
type UpdateType string

const (
	UpdateThresholdAdjustment UpdateType = "threshold_adjustment"
	UpdateWeightAdjustment    UpdateType = "weight_adjustment"
	UpdateCostRefresh         UpdateType = "cost_refresh"
	UpdateGateAdjustment      UpdateType = "gate_adjustment"
)

// ProposalStatus tracks a proposal through its lifecycle.
type ProposalStatus string

const (
	StatusProposed   ProposalStatus = "proposed"
	StatusApplied    ProposalStatus = "applied"
	StatusRolledBack ProposalStatus = "rolled_back"
	StatusRejected   ProposalStatus = "rejected"
)

// ProposedUpdate is a structured recommendation to alter one baseline value.
// Produced by the pattern detector, consumed only by the auto-update gate.
type ProposedUpdate struct {
	// ID is time-ordered (UUIDv7-style ordering via timestamp prefix).
	ID string `json:"id"`

	Type UpdateType `json:"type"`

	// TargetPath is a dotted key into the baselines,
	// e.g. "complexity_thresholds.fast.hi".
	TargetPath string `json:"target_path"`

	CurrentValue  float64 `json:"current_value"`
	ProposedValue float64 `json:"proposed_value"`

	Rationale  string         `json:"rationale"`
	SampleSize int            `json:"sample_size"`
	Confidence float64        `json:"confidence"`
	Status     ProposalStatus `json:"status"`

	// ParentBaselineVersion is the baseline version the proposal was
	// computed against.
	ParentBaselineVersion string `json:"parent_baseline_version"`

	CreatedAt time.Time `json:"created_at"`
}
