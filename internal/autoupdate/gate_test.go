package autoupdate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routekern/internal/baseline"
	"routekern/internal/dq"
	"routekern/internal/event"
	"routekern/internal/telemetry"
	"routekern/internal/tier"
)

func newTestGate(t *testing.T) (*Gate, *baseline.Store, *telemetry.Store) {
	t.Helper()
	bs, err := baseline.NewStore(t.TempDir())
	require.NoError(t, err)
	ts, err := telemetry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	return New(bs, ts), bs, ts
}

// seedHealthy writes n well-scored decisions, each with a direct-id success
// signal, so every gate predicate holds.
func seedHealthy(t *testing.T, ts *telemetry.Store, n int) {
	t.Helper()
	seedOutcomes(t, ts, n, 0, time.Now().UTC().Add(-time.Hour))
}

func seedOutcomes(t *testing.T, ts *telemetry.Store, n, nFail int, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		d := event.Decision{
			ID:              uuid.NewString(),
			TS:              base.Add(time.Duration(i) * time.Second),
			QueryHash:       event.HashQuery(fmt.Sprintf("gate seed %d", i)),
			QueryPreview:    fmt.Sprintf("gate seed %d", i),
			Complexity:      0.45,
			ChosenTier:      tier.Medium,
			DQ:              dq.Score{Total: 0.82},
			BaselineVersion: "1.0.0",
		}
		require.NoError(t, ts.AppendDecision(ctx, d))

		kind := event.SignalSuccess
		if i < nFail {
			kind = event.SignalFailure
		}
		_, err := ts.AttachOutcome(ctx, event.Signal{DecisionID: d.ID, Kind: kind, TS: d.TS.Add(time.Second)}, "1.0.0")
		require.NoError(t, err)
	}
}

func seedProposal(t *testing.T, ts *telemetry.Store, parent string) baseline.ProposedUpdate {
	t.Helper()
	p := baseline.ProposedUpdate{
		ID:                    "p-0000000000001-test",
		Type:                  baseline.UpdateThresholdAdjustment,
		TargetPath:            "complexity_thresholds.fast.hi",
		CurrentValue:          0.25,
		ProposedValue:         0.23,
		Rationale:             "fast tier failing in its own band",
		SampleSize:            42,
		Confidence:            0.95,
		Status:                baseline.StatusProposed,
		ParentBaselineVersion: parent,
		CreatedAt:             time.Now().UTC(),
	}
	_, err := ts.Append(context.Background(), event.TypeProposal, parent, p)
	require.NoError(t, err)
	return p
}

func TestEvaluate_AllPredicates(t *testing.T) {
	g, _, ts := newTestGate(t)
	seedHealthy(t, ts, 60)

	report, err := g.Evaluate(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Predicates, 6)
	assert.True(t, report.AllMet, "unmet: %v", report.Unmet())
}

func TestEvaluate_EmptyStoreFailsGates(t *testing.T) {
	g, _, _ := newTestGate(t)

	report, err := g.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, report.AllMet)
	assert.Contains(t, report.Unmet(), "min_queries")
	assert.Contains(t, report.Unmet(), "min_feedback")
}

func TestApply_DryRunPreviewsWithoutMutating(t *testing.T) {
	g, bs, ts := newTestGate(t)
	seedHealthy(t, ts, 60)
	p := seedProposal(t, ts, bs.CurrentVersion())

	res, err := g.Apply(context.Background(), p.ID, true)
	require.NoError(t, err)
	require.NotNil(t, res.Preview)

	// Only the fast/medium boundary changes in the proposed baselines.
	proposed := res.Preview.Proposed
	assert.InDelta(t, 0.23, proposed.ComplexityThresholds[tier.Fast].Hi, 1e-9)
	assert.InDelta(t, 0.23, proposed.ComplexityThresholds[tier.Medium].Lo, 1e-9)
	assert.InDelta(t, 0.70, proposed.ComplexityThresholds[tier.Strong].Lo, 1e-9)

	// The store itself is untouched: version, lineage, proposal status.
	assert.Equal(t, baseline.DefaultVersion, bs.CurrentVersion())
	assert.Empty(t, bs.Lineage())
	stored, _, err := ts.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, baseline.StatusProposed, stored.Status)
}

func TestApply_GatesUnmetLeavesProposalOpen(t *testing.T) {
	g, bs, ts := newTestGate(t)
	p := seedProposal(t, ts, bs.CurrentVersion())

	res, err := g.Apply(context.Background(), p.ID, false)
	assert.ErrorIs(t, err, ErrGatesUnmet)
	require.NotNil(t, res)
	assert.False(t, res.Report.AllMet)

	stored, _, err := ts.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, baseline.StatusProposed, stored.Status)
	assert.Equal(t, baseline.DefaultVersion, bs.CurrentVersion())
}

func TestApply_ThenRollbackRestoresContent(t *testing.T) {
	g, bs, ts := newTestGate(t)
	seedHealthy(t, ts, 60)
	before := bs.Load()
	p := seedProposal(t, ts, before.Version)

	res, err := g.Apply(context.Background(), p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", res.Applied.Version)

	stored, anchor, err := ts.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, baseline.StatusApplied, stored.Status)
	assert.Equal(t, "1.0.1", anchor.AppliedVersion)
	assert.Equal(t, 60, anchor.DecisionsAtApply)
	assert.InDelta(t, 1.0, anchor.PreApplyEfficiency, 1e-9)

	// Applying the same proposal again is rejected by status.
	_, err = g.Apply(context.Background(), p.ID, false)
	assert.ErrorIs(t, err, ErrProposalNotApplicable)

	rb, err := g.Rollback(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.0.2", rb.Applied.Version)
	assert.True(t, rb.Applied.EqualContent(before))

	stored, _, err = ts.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, baseline.StatusRolledBack, stored.Status)

	lineage := bs.Lineage()
	require.Len(t, lineage, 2)
	assert.Equal(t, p.ID, lineage[0].ProposalID)
	assert.Equal(t, p.ID, lineage[1].ProposalID)
}

func TestReject(t *testing.T) {
	g, bs, ts := newTestGate(t)
	p := seedProposal(t, ts, bs.CurrentVersion())

	require.NoError(t, g.Reject(context.Background(), p.ID, "superseded"))

	stored, _, err := ts.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, baseline.StatusRejected, stored.Status)

	// A rejected proposal cannot be applied.
	_, err = g.Apply(context.Background(), p.ID, false)
	assert.ErrorIs(t, err, ErrProposalNotApplicable)
}

func TestMonitor_AutoRevertsOnEfficiencyDrop(t *testing.T) {
	g, bs, ts := newTestGate(t)
	ctx := context.Background()

	seedHealthy(t, ts, 60)
	before := bs.Load()
	p := seedProposal(t, ts, before.Version)

	_, err := g.Apply(ctx, p.ID, false)
	require.NoError(t, err)

	// Post-apply sample not complete: monitor must not act yet.
	require.NoError(t, g.Monitor(ctx))
	assert.Equal(t, "1.0.1", bs.CurrentVersion())

	// Inject recent_sample decisions with a collapsed success rate.
	seedOutcomes(t, ts, 20, 16, time.Now().UTC().Add(-time.Minute))

	require.NoError(t, g.Monitor(ctx))

	// Reverted: content equals pre-apply under a new version, proposal
	// marked rolled_back, and a rollback event is in the log.
	restored := bs.Load()
	assert.Equal(t, "1.0.2", restored.Version)
	assert.True(t, restored.EqualContent(before))

	stored, _, err := ts.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, baseline.StatusRolledBack, stored.Status)

	lineage := bs.Lineage()
	require.Len(t, lineage, 2)

	// Monitor is idempotent once the proposal left the applied state.
	require.NoError(t, g.Monitor(ctx))
	assert.Equal(t, "1.0.2", bs.CurrentVersion())
}
