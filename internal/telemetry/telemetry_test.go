package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routekern/internal/dq"
	"routekern/internal/event"
	"routekern/internal/tier"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeDecision(query string, chosen tier.Tier, ts time.Time) event.Decision {
	return event.Decision{
		ID:              uuid.NewString(),
		TS:              ts,
		QueryHash:       event.HashQuery(query),
		QueryPreview:    event.Preview(query),
		Complexity:      0.4,
		ChosenTier:      chosen,
		DQ:              dq.Score{Total: 0.8, Validity: 1.0, Specificity: 1.0, Correctness: 0.5},
		CostEstimate:    0.002,
		BaselineVersion: "1.0.0",
	}
}

func TestStore_AppendAndFetchDecision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := makeDecision("refactor the config loader", tier.Medium, time.Now().UTC())
	require.NoError(t, s.AppendDecision(ctx, d))

	got, err := s.Decision(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, tier.Medium, got.ChosenTier)
	assert.Equal(t, event.OutcomeOpen, got.Outcome)
	assert.Equal(t, d.QueryHash, got.QueryHash)
}

func TestStore_AttachOutcomeByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := makeDecision("fix the flaky websocket test", tier.Fast, time.Now().UTC())
	require.NoError(t, s.AppendDecision(ctx, d))

	res, err := s.AttachOutcome(ctx, event.Signal{
		DecisionID: d.ID,
		Kind:       event.SignalSuccess,
		TS:         time.Now().UTC(),
	}, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, d.ID, res.DecisionID)
	assert.Equal(t, event.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1.0, res.MatchConfidence)
	assert.False(t, res.AlreadyResolved)

	got, err := s.Decision(d.ID)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeSuccess, got.Outcome)
	require.NotNil(t, got.FeedbackTS)

	// Terminal outcomes are write-once: a second signal is a no-op.
	res2, err := s.AttachOutcome(ctx, event.Signal{
		DecisionID: d.ID,
		Kind:       event.SignalFailure,
		TS:         time.Now().UTC(),
	}, "1.0.0")
	require.NoError(t, err)
	assert.True(t, res2.AlreadyResolved)
	assert.Equal(t, event.OutcomeSuccess, res2.Outcome)

	got, err = s.Decision(d.ID)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeSuccess, got.Outcome)
}

func TestStore_AttachOutcomeByPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	old := makeDecision("deploy the staging cluster", tier.Medium, base)
	newer := makeDecision("deploy the staging cluster again", tier.Medium, base.Add(time.Minute))
	require.NoError(t, s.AppendDecision(ctx, old))
	require.NoError(t, s.AppendDecision(ctx, newer))

	res, err := s.AttachOutcome(ctx, event.Signal{
		QueryPrefix: "deploy the staging",
		Kind:        event.SignalSuccess,
		TS:          time.Now().UTC(),
	}, "1.0.0")
	require.NoError(t, err)

	// Newest match wins; confidence reflects the ambiguity.
	assert.Equal(t, newer.ID, res.DecisionID)
	assert.Equal(t, 2, res.MatchCount)
	assert.InDelta(t, 0.5, res.MatchConfidence, 1e-9)

	got, err := s.Decision(old.ID)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeOpen, got.Outcome)
}

func TestStore_AttachOutcomeUnknownID(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AttachOutcome(context.Background(), event.Signal{
		DecisionID: "no-such-id",
		Kind:       event.SignalSuccess,
	}, "1.0.0")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestStore_EscalationLinksRetryTier(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := makeDecision("summarize the incident report", tier.Fast, time.Now().UTC())
	require.NoError(t, s.AppendDecision(ctx, d))

	res, err := s.AttachOutcome(ctx, event.Signal{
		DecisionID:       d.ID,
		Kind:             event.SignalEscalation,
		EscalationReason: event.ReasonTruncatedResponse,
		TS:               time.Now().UTC(),
	}, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeFailure, res.Outcome)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, tier.Fast, res.Escalation.FromTier)
	assert.Equal(t, tier.Medium, res.Escalation.RetriedTier)

	var n int
	require.NoError(t, s.DB().QueryRow(
		`SELECT COUNT(*) FROM escalations WHERE decision_id = ?`, d.ID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestStore_EscalationFromStrongCaps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := makeDecision("prove the scheduler is deadlock-free", tier.Strong, time.Now().UTC())
	require.NoError(t, s.AppendDecision(ctx, d))

	res, err := s.AttachOutcome(ctx, event.Signal{
		DecisionID: d.ID,
		Kind:       event.SignalEscalation,
		TS:         time.Now().UTC(),
	}, "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, tier.Strong, res.Escalation.RetriedTier)
}

func TestStore_MarkStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale := makeDecision("an old unanswered query", tier.Medium, time.Now().UTC().Add(-48*time.Hour))
	fresh := makeDecision("a recent query", tier.Medium, time.Now().UTC())
	require.NoError(t, s.AppendDecision(ctx, stale))
	require.NoError(t, s.AppendDecision(ctx, fresh))

	closed, err := s.MarkStale(ctx, 24*time.Hour, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := s.Decision(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeUnknown, got.Outcome)

	got, err = s.Decision(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeOpen, got.Outcome)

	// Sweeping again closes nothing new.
	closed, err = s.MarkStale(ctx, 24*time.Hour, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
}

func TestStore_RebuildMatchesLive(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 20; i++ {
		chosen := tier.Tier(i % 3)
		d := makeDecision(fmt.Sprintf("query number %d", i), chosen, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.AppendDecision(ctx, d))
		ids = append(ids, d.ID)
	}
	for i, id := range ids {
		if i%4 == 3 {
			continue // leave some open
		}
		kind := event.SignalSuccess
		if i%5 == 0 {
			kind = event.SignalFailure
		}
		_, err := s.AttachOutcome(ctx, event.Signal{DecisionID: id, Kind: kind, TS: time.Now().UTC()}, "1.0.0")
		require.NoError(t, err)
	}

	live := dumpAggregates(t, s)
	require.NoError(t, s.Close())

	// Delete the aggregate database; reopening must rebuild it from the log.
	require.NoError(t, os.Remove(filepath.Join(dir, dbFileName)))
	os.Remove(filepath.Join(dir, dbFileName+"-wal"))
	os.Remove(filepath.Join(dir, dbFileName+"-shm"))
	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	rebuilt := dumpAggregates(t, s2)
	assert.Equal(t, live, rebuilt)
}

// dumpAggregates serialises the derived tables into a comparable form.
func dumpAggregates(t *testing.T, s *Store) map[string][]string {
	t.Helper()
	out := make(map[string][]string)

	rows, err := s.DB().Query(
		`SELECT id, seq, ts, chosen_tier, outcome,
		        COALESCE(feedback_ts, 0), match_confidence
		 FROM decisions ORDER BY seq`)
	require.NoError(t, err)
	for rows.Next() {
		var (
			id, chosen, outcome string
			seq, ts, fts        int64
			conf                float64
		)
		require.NoError(t, rows.Scan(&id, &seq, &ts, &chosen, &outcome, &fts, &conf))
		out["decisions"] = append(out["decisions"],
			fmt.Sprintf("%s|%d|%d|%s|%s|%d|%.6f", id, seq, ts, chosen, outcome, fts, conf))
	}
	rows.Close()
	require.NoError(t, rows.Err())

	rows, err = s.DB().Query(`SELECT tier, decisions, successes, failures FROM tier_counters ORDER BY tier`)
	require.NoError(t, err)
	for rows.Next() {
		var (
			name             string
			dec, succ, fails int
		)
		require.NoError(t, rows.Scan(&name, &dec, &succ, &fails))
		out["tier_counters"] = append(out["tier_counters"],
			fmt.Sprintf("%s|%d|%d|%d", name, dec, succ, fails))
	}
	rows.Close()
	require.NoError(t, rows.Err())
	return out
}

func TestStore_StatsAndEfficiency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		d := makeDecision(fmt.Sprintf("stats query %d", i), tier.Fast, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.AppendDecision(ctx, d))

		kind := event.SignalSuccess
		if i < 3 {
			kind = event.SignalFailure
		}
		_, err := s.AttachOutcome(ctx, event.Signal{DecisionID: d.ID, Kind: kind, TS: time.Now().UTC()}, "1.0.0")
		require.NoError(t, err)
	}

	st, err := s.Stats(30)
	require.NoError(t, err)
	assert.Equal(t, 10, st.TotalDecisions)
	assert.Equal(t, 10, st.WindowFeedback)
	assert.InDelta(t, 1.0, st.FeedbackCoverage, 1e-9)

	require.Len(t, st.Tiers, 3)
	fast := st.Tiers[0]
	assert.Equal(t, tier.Fast, fast.Tier)
	assert.Equal(t, 10, fast.Decisions)
	assert.InDelta(t, 0.7, fast.SuccessRate, 1e-9)

	eff, resolved, err := s.RecentEfficiency(10)
	require.NoError(t, err)
	assert.Equal(t, 10, resolved)
	assert.InDelta(t, 0.7, eff, 1e-9)

	// Smaller window sees only the newest, all-success decisions.
	eff, resolved, err = s.RecentEfficiency(5)
	require.NoError(t, err)
	assert.Equal(t, 5, resolved)
	assert.InDelta(t, 1.0, eff, 1e-9)
}

func TestLog_SeqRecoveryAndTornLine(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env, err := event.NewEnvelope(event.TypeLoadFail, "1.0.0", event.LoadFail{Error: "x"})
		require.NoError(t, err)
		stamped, err := l.Append(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), stamped.Seq)
	}
	require.NoError(t, l.Close())

	// Simulate a crash mid-write: append a torn half-record.
	files, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	f, err := os.OpenFile(files[0], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"decision","seq":4,"ts":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := OpenLog(dir)
	require.NoError(t, err)
	defer l2.Close()

	// The torn record never became durable; sequence resumes after 3.
	var count int
	require.NoError(t, l2.Replay(func(event.Envelope) error {
		count++
		return nil
	}))
	assert.Equal(t, 3, count)

	env, err := event.NewEnvelope(event.TypeLoadFail, "1.0.0", event.LoadFail{Error: "y"})
	require.NoError(t, err)
	stamped, err := l2.Append(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stamped.Seq)
}

func TestLog_ConcurrentAppendsLandInSeqOrder(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir)
	require.NoError(t, err)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			env, err := event.NewEnvelope(event.TypeLoadFail, "1.0.0", event.LoadFail{Error: "x"})
			if assert.NoError(t, err) {
				_, err = l.Append(ctx, env)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	// Whatever order the appends arrived in, the partition holds strictly
	// increasing sequence numbers with no gaps.
	l2, err := OpenLog(dir)
	require.NoError(t, err)
	defer l2.Close()

	var prev uint64
	require.NoError(t, l2.Replay(func(env event.Envelope) error {
		assert.Equal(t, prev+1, env.Seq)
		prev = env.Seq
		return nil
	}))
	assert.Equal(t, uint64(n), prev)
}

func TestBus_PublishAndDrop(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	env := event.Envelope{Type: event.TypeDecision, Seq: 1}
	b.Publish(env)
	b.Publish(event.Envelope{Type: event.TypeDecision, Seq: 2}) // dropped, buffer full

	got := <-ch
	assert.Equal(t, uint64(1), got.Seq)
	select {
	case <-ch:
		t.Fatal("expected second event to be dropped")
	default:
	}

	cancel()
	assert.Equal(t, 0, b.SubscriberCount())
}
