package feedback

import (
	"context"
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

func newTestIngest(t *testing.T, opts ...Option) (*Ingest, *telemetry.Store) {
	t.Helper()
	bs, err := baseline.NewStore(t.TempDir())
	require.NoError(t, err)
	ts, err := telemetry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	return New(bs, ts, opts...), ts
}

func seedDecision(t *testing.T, ts *telemetry.Store, query string, chosen tier.Tier, age time.Duration) event.Decision {
	t.Helper()
	d := event.Decision{
		ID:              uuid.NewString(),
		TS:              time.Now().UTC().Add(-age),
		QueryHash:       event.HashQuery(query),
		QueryPreview:    event.Preview(query),
		Complexity:      0.3,
		ChosenTier:      chosen,
		DQ:              dq.Score{Total: 0.8},
		BaselineVersion: "1.0.0",
	}
	require.NoError(t, ts.AppendDecision(context.Background(), d))
	return d
}

func TestRecord_Success(t *testing.T) {
	in, ts := newTestIngest(t)
	d := seedDecision(t, ts, "rename the metrics package", tier.Fast, time.Minute)

	res, err := in.Record(context.Background(), event.Signal{
		DecisionID: d.ID,
		Kind:       event.SignalSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeSuccess, res.Outcome)

	got, err := ts.Decision(d.ID)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeSuccess, got.Outcome)
}

func TestRecord_Validation(t *testing.T) {
	in, _ := newTestIngest(t)
	ctx := context.Background()

	cases := []struct {
		name string
		sig  event.Signal
	}{
		{"unknown kind", event.Signal{DecisionID: "x", Kind: "maybe"}},
		{"reserved timeout kind", event.Signal{DecisionID: "x", Kind: event.SignalTimeout}},
		{"no target", event.Signal{Kind: event.SignalSuccess}},
		{"reason without escalation", event.Signal{
			DecisionID: "x", Kind: event.SignalSuccess,
			EscalationReason: event.ReasonExitCode,
		}},
		{"unknown reason", event.Signal{
			DecisionID: "x", Kind: event.SignalEscalation,
			EscalationReason: "bored",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := in.Record(ctx, tc.sig)
			assert.ErrorIs(t, err, ErrInvalidSignal)
		})
	}
}

func TestRecord_EscalationLinksRetry(t *testing.T) {
	in, ts := newTestIngest(t)
	d := seedDecision(t, ts, "explain this stack trace", tier.Fast, time.Minute)

	res, err := in.Record(context.Background(), event.Signal{
		DecisionID:       d.ID,
		Kind:             event.SignalEscalation,
		EscalationReason: event.ReasonCapabilityLimitation,
	})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeFailure, res.Outcome)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, tier.Medium, res.Escalation.RetriedTier)
}

func TestRecord_ByPrefix(t *testing.T) {
	in, ts := newTestIngest(t)
	d := seedDecision(t, ts, "migrate the users table to uuid keys", tier.Medium, time.Minute)

	res, err := in.Record(context.Background(), event.Signal{
		QueryPrefix: "migrate the users table",
		Kind:        event.SignalFailure,
	})
	require.NoError(t, err)
	assert.Equal(t, d.ID, res.DecisionID)
	assert.Equal(t, 1.0, res.MatchConfidence)
}

func TestSweepStale(t *testing.T) {
	in, ts := newTestIngest(t, WithGrace(time.Hour))
	stale := seedDecision(t, ts, "an abandoned query", tier.Medium, 2*time.Hour)
	fresh := seedDecision(t, ts, "a fresh query", tier.Medium, time.Minute)

	closed, err := in.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := ts.Decision(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeUnknown, got.Outcome)

	got, err = ts.Decision(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeOpen, got.Outcome)
}

func TestRecordSession_Validation(t *testing.T) {
	in, _ := newTestIngest(t)
	ctx := context.Background()

	err := in.RecordSession(ctx, event.SessionOutcome{
		SessionID: "", Outcome: event.SessionCompleted, Quality: 4,
	})
	assert.ErrorIs(t, err, ErrInvalidSignal)

	err = in.RecordSession(ctx, event.SessionOutcome{
		SessionID: "s-1", Outcome: "vanished", Quality: 4,
	})
	assert.ErrorIs(t, err, ErrInvalidSignal)

	err = in.RecordSession(ctx, event.SessionOutcome{
		SessionID: "s-1", Outcome: event.SessionCompleted, Quality: 9,
	})
	assert.ErrorIs(t, err, ErrInvalidSignal)

	err = in.RecordSession(ctx, event.SessionOutcome{
		SessionID: "s-1", Outcome: event.SessionCompleted, Quality: 4,
		StartedAt: time.Now().UTC().Add(-time.Hour), EndedAt: time.Now().UTC(),
	})
	assert.NoError(t, err)
}
