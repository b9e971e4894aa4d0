// Package event defines the kernel's wire records: a self-delimiting
// envelope carrying a type tag, a monotonically-increasing sequence number,
// the baseline version in effect, and a type-specific payload. Records are
// forward-compatible: unknown envelope fields survive read-modify-write.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"routekern/internal/dq"
	"routekern/internal/tier"
)

// Type tags the payload kind of an envelope.
type Type string

const (
	TypeDecision          Type = "decision"
	TypeFeedback          Type = "feedback"
	TypeEscalation        Type = "escalation"
	TypeSessionOutcome    Type = "session_outcome"
	TypeLoadFail          Type = "loadfail"
	TypeFallbackUsed      Type = "fallback_used"
	TypeProposal          Type = "proposal"
	TypeProposalStatus    Type = "proposal_status"
	TypeRollbackTriggered Type = "rollback_triggered"
)

// Envelope is one event record. Payload stays raw so the log can carry
// payloads written by newer kernels without loss.
type Envelope struct {
	Type            Type            `json:"type"`
	Seq             uint64          `json:"seq"`
	TS              time.Time       `json:"ts"`
	BaselineVersion string          `json:"baseline_version"`
	Payload         json.RawMessage `json:"payload"`

	extra map[string]json.RawMessage
}

var envelopeKnownFields = []string{"type", "seq", "ts", "baseline_version", "payload"}

type envelopeAlias Envelope

// UnmarshalJSON decodes an envelope, preserving unknown fields.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var a envelopeAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range envelopeKnownFields {
		delete(raw, k)
	}
	*e = Envelope(a)
	if len(raw) > 0 {
		e.extra = raw
	}
	return nil
}

// MarshalJSON re-emits preserved unknown fields alongside the known ones.
func (e Envelope) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(envelopeAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// Outcome is the terminal state of a decision's lifecycle:
// open -> success | failure | unknown_timeout.
type Outcome string

const (
	OutcomeOpen    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown_timeout"
)

// Alternative records the DQ a non-chosen tier would have had.
type Alternative struct {
	Tier tier.Tier `json:"tier"`
	DQ   float64   `json:"dq"`
}

// Decision is the persistent record of one routing choice. Created by the
// router; mutated only by feedback ingest to attach an outcome.
type Decision struct {
	ID                  string        `json:"id"`
	TS                  time.Time     `json:"ts"`
	QueryHash           string        `json:"query_hash"`
	QueryPreview        string        `json:"query_preview"`
	Complexity          float64       `json:"complexity"`
	ComplexityRationale string        `json:"complexity_rationale"`
	ChosenTier          tier.Tier     `json:"chosen_tier"`
	DQ                  dq.Score      `json:"dq"`
	Alternatives        []Alternative `json:"alternatives"`
	CostEstimate        float64       `json:"cost_estimate"`
	BaselineVersion     string        `json:"baseline_version"`
	SessionID           string        `json:"session_id,omitempty"`
	Overridden          bool          `json:"overridden,omitempty"`
	Fallback            bool          `json:"fallback,omitempty"`

	// Attached by feedback ingest; never set at creation.
	Outcome         Outcome    `json:"outcome,omitempty"`
	FeedbackTS      *time.Time `json:"feedback_ts,omitempty"`
	MatchConfidence float64    `json:"match_confidence,omitempty"`
}

// SignalKind classifies an outcome signal.
type SignalKind string

const (
	SignalSuccess    SignalKind = "success"
	SignalFailure    SignalKind = "failure"
	SignalEscalation SignalKind = "escalation"

	// SignalTimeout is internal: written by the stale sweep when the grace
	// period expires, never accepted from callers.
	SignalTimeout SignalKind = "timeout"
)

// EscalationReason classifies why a decision was escalated.
type EscalationReason string

const (
	ReasonExitCode             EscalationReason = "exit_code"
	ReasonCapabilityLimitation EscalationReason = "capability_limitation"
	ReasonTruncatedResponse    EscalationReason = "truncated_response"
	ReasonUserRejection        EscalationReason = "user_rejection"
)

// Signal is an outcome report for a prior decision, addressed either by
// decision id or, when that is unavailable, by query prefix.
type Signal struct {
	DecisionID       string           `json:"decision_id,omitempty"`
	QueryPrefix      string           `json:"query_prefix,omitempty"`
	Kind             SignalKind       `json:"signal"`
	EscalationReason EscalationReason `json:"escalation_reason,omitempty"`
	TS               time.Time        `json:"ts"`
}

// Feedback is the persisted form of a resolved outcome signal. Unlike
// Signal, it always carries the decision id the signal resolved to, so
// replaying the log reattaches outcomes deterministically.
type Feedback struct {
	DecisionID       string           `json:"decision_id"`
	Kind             SignalKind       `json:"signal"`
	Outcome          Outcome          `json:"outcome"`
	EscalationReason EscalationReason `json:"escalation_reason,omitempty"`
	MatchConfidence  float64          `json:"match_confidence"`
	TS               time.Time        `json:"ts"`
}

// ProposalStatusChange records a proposal lifecycle transition (applied,
// rejected, rolled back) together with the monitoring anchor captured at
// apply time.
type ProposalStatusChange struct {
	ProposalID         string    `json:"proposal_id"`
	Status             string    `json:"status"`
	AppliedVersion     string    `json:"applied_version,omitempty"`
	PreApplyEfficiency float64   `json:"pre_apply_efficiency,omitempty"`
	DecisionsAtApply   int       `json:"decisions_at_apply,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	TS                 time.Time `json:"ts"`
}

// Escalation links a failed decision to its retry at a higher tier.
type Escalation struct {
	DecisionID  string           `json:"decision_id"`
	FromTier    tier.Tier        `json:"from_tier"`
	RetriedTier tier.Tier        `json:"retried_tier"`
	Reason      EscalationReason `json:"reason,omitempty"`
	TS          time.Time        `json:"ts"`
}

// SessionState classifies how a session ended.
type SessionState string

const (
	SessionCompleted   SessionState = "completed"
	SessionInterrupted SessionState = "interrupted"
	SessionAbandoned   SessionState = "abandoned"
)

// SessionOutcome is the derived per-session aggregate. It can always be
// recomputed from decisions plus outcome signals.
type SessionOutcome struct {
	SessionID      string       `json:"session_id"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        time.Time    `json:"ended_at"`
	MessageCount   int          `json:"message_count"`
	ToolCount      int          `json:"tool_count"`
	Quality        float64      `json:"quality"`
	ComplexityAvg  float64      `json:"complexity_avg"`
	TierEfficiency float64      `json:"tier_efficiency"`
	Outcome        SessionState `json:"outcome"`
}

// LoadFail reports that persisted baselines were unreadable and defaults are
// in effect.
type LoadFail struct {
	Error string    `json:"error"`
	TS    time.Time `json:"ts"`
}

// FallbackUsed reports that the routing deadline was exceeded and the
// rule-based router decided instead.
type FallbackUsed struct {
	DecisionID string    `json:"decision_id"`
	ChosenTier tier.Tier `json:"chosen_tier"`
	Reason     string    `json:"reason"`
	TS         time.Time `json:"ts"`
}

// RollbackTriggered reports an automatic post-apply revert.
type RollbackTriggered struct {
	ProposalID       string    `json:"proposal_id"`
	FromVersion      string    `json:"from_version"`
	RestoredVersion  string    `json:"restored_version"`
	EfficiencyBefore float64   `json:"efficiency_before"`
	EfficiencyAfter  float64   `json:"efficiency_after"`
	TS               time.Time `json:"ts"`
}

// previewLimit caps how much query text a decision may retain. The kernel
// never stores user content verbatim beyond this.
const previewLimit = 50

// HashQuery returns a stable 128-bit hex digest of the query text.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:16])
}

// Preview truncates query text to the persisted preview limit, rune-safe.
func Preview(query string) string {
	runes := []rune(query)
	if len(runes) <= previewLimit {
		return query
	}
	return string(runes[:previewLimit])
}

// NewEnvelope wraps a payload value into an envelope. Seq is assigned by the
// telemetry store at durable-append time.
func NewEnvelope(t Type, baselineVersion string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:            t,
		TS:              time.Now().UTC(),
		BaselineVersion: baselineVersion,
		Payload:         raw,
	}, nil
}
