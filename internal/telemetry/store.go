package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"routekern/internal/baseline"
	"routekern/internal/event"
	"routekern/internal/tier"
)

var (
	// ErrDecisionNotFound is returned when an outcome signal cannot be
	// resolved to any recorded decision.
	ErrDecisionNotFound = errors.New("decision not found")
)

const (
	logDirName = "events"
	dbFileName = "aggregates.db"

	metaLastAppliedSeq = "last_applied_seq"
)

// Store is the kernel's telemetry spine. The event log is the source of
// truth; the SQLite aggregate store is a derived index. Every state change
// enters through a durable log append and is then folded into the aggregates
// by the same dispatcher that a rebuild replays, so rebuilt aggregates always
// match the live ones.
type Store struct {
	root string
	log  *Log
	db   *sql.DB
	bus  *Bus

	// mu serializes resolve-then-append sequences so two concurrent signals
	// cannot both claim the same open decision.
	mu sync.Mutex
}

// AttachResult describes how an outcome signal resolved.
type AttachResult struct {
	DecisionID      string
	Outcome         event.Outcome
	MatchConfidence float64
	MatchCount      int

	// AlreadyResolved means the decision had a terminal outcome before this
	// signal arrived. Nothing was written.
	AlreadyResolved bool

	// Escalation is populated when the signal kind was escalation: the
	// decision's failure is linked to a retry one tier up.
	Escalation *event.Escalation
}

// Open opens (or creates) the telemetry store under root. When the aggregate
// database is missing or has fallen behind the event log it is rebuilt from
// the log before the store is handed out.
func Open(root string) (*Store, error) {
	l, err := OpenLog(filepath.Join(root, logDirName))
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(root, dbFileName)
	db, err := openDB(dbPath)
	if err != nil {
		// A corrupt aggregate file is recoverable: it is a pure derivation
		// of the log. Move it aside and rebuild.
		log.Printf("[Telemetry] aggregate db unusable, rebuilding: %v", err)
		os.Rename(dbPath, dbPath+".corrupt")
		db, err = openDB(dbPath)
		if err != nil {
			l.Close()
			return nil, err
		}
	}

	s := &Store{root: root, log: l, db: db, bus: NewBus()}

	applied, err := s.lastAppliedSeq()
	if err != nil {
		l.Close()
		db.Close()
		return nil, err
	}
	if applied != l.seq {
		log.Printf("[Telemetry] aggregates at seq %d, log at seq %d, rebuilding", applied, l.seq)
		if err := s.Rebuild(); err != nil {
			l.Close()
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close shuts down the log writer and the aggregate database.
func (s *Store) Close() error {
	logErr := s.log.Close()
	dbErr := s.db.Close()
	if logErr != nil {
		return logErr
	}
	return dbErr
}

// Bus returns the in-process event fan-out.
func (s *Store) Bus() *Bus { return s.bus }

// DB exposes the aggregate database for read-only query helpers.
func (s *Store) DB() *sql.DB { return s.db }

// Append wraps payload in an envelope, makes it durable in the event log,
// folds it into the aggregates, and publishes it to subscribers. The caller
// gets the envelope back only after the log append succeeded; an aggregate
// fold failure is logged, not returned, because the record is already durable
// and a rebuild will reconcile.
func (s *Store) Append(ctx context.Context, t event.Type, baselineVersion string, payload any) (event.Envelope, error) {
	env, err := event.NewEnvelope(t, baselineVersion, payload)
	if err != nil {
		return event.Envelope{}, err
	}
	return s.appendEnvelope(ctx, env)
}

func (s *Store) appendEnvelope(ctx context.Context, env event.Envelope) (event.Envelope, error) {
	stamped, err := s.log.Append(ctx, env)
	if err != nil {
		return event.Envelope{}, err
	}
	if err := s.fold(stamped); err != nil {
		log.Printf("[Telemetry] aggregate fold failed for seq %d: %v", stamped.Seq, err)
	}
	s.bus.Publish(stamped)
	return stamped, nil
}

// AppendDecision records a routing decision. It returns only after the record
// is durable in the event log.
func (s *Store) AppendDecision(ctx context.Context, d event.Decision) error {
	_, err := s.Append(ctx, event.TypeDecision, d.BaselineVersion, d)
	return err
}

// AttachOutcome resolves an outcome signal to a decision and attaches the
// terminal outcome. Resolution is by decision id when present, otherwise by
// query-prefix match against stored previews (newest match wins, confidence
// 1/matches). A signal against an already-resolved decision is a no-op.
func (s *Store) AttachOutcome(ctx context.Context, sig event.Signal, baselineVersion string) (AttachResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res AttachResult
		row struct {
			id      string
			outcome string
			chosen  string
		}
	)

	switch {
	case sig.DecisionID != "":
		err := s.db.QueryRow(
			`SELECT id, outcome, chosen_tier FROM decisions WHERE id = ?`, sig.DecisionID,
		).Scan(&row.id, &row.outcome, &row.chosen)
		if err == sql.ErrNoRows {
			return AttachResult{}, fmt.Errorf("%w: id %s", ErrDecisionNotFound, sig.DecisionID)
		}
		if err != nil {
			return AttachResult{}, fmt.Errorf("%w: resolve decision: %v", ErrStoreUnavailable, err)
		}
		res.MatchConfidence = 1.0
		res.MatchCount = 1

	case sig.QueryPrefix != "":
		prefix := event.Preview(sig.QueryPrefix)
		pattern := likeEscape(prefix) + "%"
		rows, err := s.db.Query(
			`SELECT id, outcome, chosen_tier FROM decisions
			 WHERE query_preview LIKE ? ESCAPE '\'
			 ORDER BY ts DESC, seq DESC`, pattern)
		if err != nil {
			return AttachResult{}, fmt.Errorf("%w: prefix match: %v", ErrStoreUnavailable, err)
		}
		count := 0
		for rows.Next() {
			var id, outcome, chosen string
			if err := rows.Scan(&id, &outcome, &chosen); err != nil {
				rows.Close()
				return AttachResult{}, fmt.Errorf("%w: prefix match scan: %v", ErrStoreUnavailable, err)
			}
			if count == 0 {
				row.id, row.outcome, row.chosen = id, outcome, chosen
			}
			count++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return AttachResult{}, fmt.Errorf("%w: prefix match: %v", ErrStoreUnavailable, err)
		}
		if count == 0 {
			return AttachResult{}, fmt.Errorf("%w: prefix %q", ErrDecisionNotFound, prefix)
		}
		res.MatchCount = count
		res.MatchConfidence = 1.0 / float64(count)

	default:
		return AttachResult{}, fmt.Errorf("%w: signal carries neither id nor prefix", ErrDecisionNotFound)
	}

	res.DecisionID = row.id
	res.Outcome = outcomeFor(sig.Kind)

	if row.outcome != string(event.OutcomeOpen) {
		// Terminal outcomes are write-once. Duplicate or late signals no-op.
		res.AlreadyResolved = true
		res.Outcome = event.Outcome(row.outcome)
		return res, nil
	}

	ts := sig.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	fb := event.Feedback{
		DecisionID:       row.id,
		Kind:             sig.Kind,
		Outcome:          res.Outcome,
		EscalationReason: sig.EscalationReason,
		MatchConfidence:  res.MatchConfidence,
		TS:               ts,
	}
	if _, err := s.Append(ctx, event.TypeFeedback, baselineVersion, fb); err != nil {
		return AttachResult{}, err
	}

	if sig.Kind == event.SignalEscalation {
		from, _ := tier.Parse(row.chosen)
		retried := from + 1
		if retried > tier.Strong {
			retried = tier.Strong
		}
		esc := event.Escalation{
			DecisionID:  row.id,
			FromTier:    from,
			RetriedTier: retried,
			Reason:      sig.EscalationReason,
			TS:          ts,
		}
		if _, err := s.Append(ctx, event.TypeEscalation, baselineVersion, esc); err != nil {
			return AttachResult{}, err
		}
		res.Escalation = &esc
	}
	return res, nil
}

// MarkStale attaches unknown_timeout to every open decision older than the
// grace period. Returns how many decisions were closed.
func (s *Store) MarkStale(ctx context.Context, grace time.Duration, baselineVersion string) (int, error) {
	cutoff := time.Now().UTC().Add(-grace).UnixMilli()

	rows, err := s.db.Query(
		`SELECT id FROM decisions WHERE outcome = '' AND ts < ? ORDER BY ts ASC`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: stale scan: %v", ErrStoreUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: stale scan: %v", ErrStoreUnavailable, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: stale scan: %v", ErrStoreUnavailable, err)
	}

	closed := 0
	for _, id := range ids {
		sig := event.Signal{DecisionID: id, Kind: event.SignalTimeout, TS: time.Now().UTC()}
		res, err := s.AttachOutcome(ctx, sig, baselineVersion)
		if err != nil {
			return closed, err
		}
		if !res.AlreadyResolved {
			closed++
		}
	}
	return closed, nil
}

// Rebuild drops every derived table and refolds the full event log. The
// result is byte-for-byte what the live path would have produced.
func (s *Store) Rebuild() error {
	if err := resetAggregates(s.db); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin rebuild: %v", ErrStoreUnavailable, err)
	}
	err = s.log.Replay(func(env event.Envelope) error {
		return s.applyEnvelope(tx, env)
	})
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit rebuild: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// --- aggregate fold ---

// fold applies a single stamped envelope inside its own transaction.
func (s *Store) fold(env event.Envelope) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin fold: %v", ErrStoreUnavailable, err)
	}
	if err := s.applyEnvelope(tx, env); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// applyEnvelope folds one event into the aggregate tables. It is the only
// code path that mutates aggregates, shared by the live append path and the
// rebuild replay, which is what makes the two converge.
func (s *Store) applyEnvelope(tx *sql.Tx, env event.Envelope) error {
	switch env.Type {
	case event.TypeDecision:
		var d event.Decision
		if err := env.Decode(&d); err != nil {
			return fmt.Errorf("decode decision: %w", err)
		}
		if err := applyDecision(tx, env.Seq, d); err != nil {
			return err
		}

	case event.TypeFeedback:
		var fb event.Feedback
		if err := env.Decode(&fb); err != nil {
			return fmt.Errorf("decode feedback: %w", err)
		}
		if err := applyFeedback(tx, fb); err != nil {
			return err
		}

	case event.TypeEscalation:
		var esc event.Escalation
		if err := env.Decode(&esc); err != nil {
			return fmt.Errorf("decode escalation: %w", err)
		}
		_, err := tx.Exec(
			`INSERT INTO escalations (decision_id, from_tier, retried_tier, reason, ts)
			 VALUES (?, ?, ?, ?, ?)`,
			esc.DecisionID, esc.FromTier.String(), esc.RetriedTier.String(),
			string(esc.Reason), esc.TS.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert escalation: %w", err)
		}

	case event.TypeSessionOutcome:
		var so event.SessionOutcome
		if err := env.Decode(&so); err != nil {
			return fmt.Errorf("decode session outcome: %w", err)
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO sessions
			 (session_id, started_at, ended_at, message_count, tool_count,
			  quality, complexity_avg, tier_efficiency, outcome)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			so.SessionID, so.StartedAt.UnixMilli(), so.EndedAt.UnixMilli(),
			so.MessageCount, so.ToolCount, so.Quality, so.ComplexityAvg,
			so.TierEfficiency, string(so.Outcome))
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

	case event.TypeProposal:
		var p baseline.ProposedUpdate
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("decode proposal: %w", err)
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO proposals
			 (id, type, target_path, current_value, proposed_value, rationale,
			  sample_size, confidence, status, parent_baseline_version, created_at,
			  applied_version, pre_apply_efficiency, decisions_at_apply)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, 0)`,
			p.ID, string(p.Type), p.TargetPath, p.CurrentValue, p.ProposedValue,
			p.Rationale, p.SampleSize, p.Confidence, string(p.Status),
			p.ParentBaselineVersion, p.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert proposal: %w", err)
		}

	case event.TypeProposalStatus:
		var ps event.ProposalStatusChange
		if err := env.Decode(&ps); err != nil {
			return fmt.Errorf("decode proposal status: %w", err)
		}
		_, err := tx.Exec(
			`UPDATE proposals SET status = ?,
			        applied_version = CASE WHEN ? != '' THEN ? ELSE applied_version END,
			        pre_apply_efficiency = CASE WHEN ? != '' THEN ? ELSE pre_apply_efficiency END,
			        decisions_at_apply = CASE WHEN ? != '' THEN ? ELSE decisions_at_apply END
			 WHERE id = ?`,
			ps.Status,
			ps.AppliedVersion, ps.AppliedVersion,
			ps.AppliedVersion, ps.PreApplyEfficiency,
			ps.AppliedVersion, ps.DecisionsAtApply,
			ps.ProposalID)
		if err != nil {
			return fmt.Errorf("update proposal status: %w", err)
		}

	case event.TypeRollbackTriggered:
		var rb event.RollbackTriggered
		if err := env.Decode(&rb); err != nil {
			return fmt.Errorf("decode rollback: %w", err)
		}
		_, err := tx.Exec(
			`UPDATE proposals SET status = ? WHERE id = ?`,
			string(baseline.StatusRolledBack), rb.ProposalID)
		if err != nil {
			return fmt.Errorf("update rolled-back proposal: %w", err)
		}

	case event.TypeLoadFail, event.TypeFallbackUsed:
		// Diagnostic events: carried in the log and on the bus, no aggregate.

	default:
		// Unknown event type from a newer kernel: keep it in the log, skip
		// the fold.
		log.Printf("[Telemetry] skipping unknown event type %q at seq %d", env.Type, env.Seq)
	}

	_, err := tx.Exec(
		`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
		metaLastAppliedSeq, fmt.Sprintf("%d", env.Seq))
	if err != nil {
		return fmt.Errorf("advance applied seq: %w", err)
	}
	return nil
}

func applyDecision(tx *sql.Tx, seq uint64, d event.Decision) error {
	alts, err := json.Marshal(d.Alternatives)
	if err != nil {
		return fmt.Errorf("encode alternatives: %w", err)
	}
	_, err = tx.Exec(
		`INSERT OR IGNORE INTO decisions
		 (id, seq, ts, query_hash, query_preview, complexity, complexity_rationale,
		  chosen_tier, dq_total, dq_validity, dq_specificity, dq_correctness,
		  alternatives, cost_estimate, baseline_version, session_id,
		  overridden, fallback, outcome, feedback_ts, match_confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, 0)`,
		d.ID, seq, d.TS.UnixMilli(), d.QueryHash, d.QueryPreview,
		d.Complexity, d.ComplexityRationale, d.ChosenTier.String(),
		d.DQ.Total, d.DQ.Validity, d.DQ.Specificity, d.DQ.Correctness,
		string(alts), d.CostEstimate, d.BaselineVersion, d.SessionID,
		boolInt(d.Overridden), boolInt(d.Fallback))
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO tier_counters (tier, decisions) VALUES (?, 1)
		 ON CONFLICT(tier) DO UPDATE SET decisions = decisions + 1`,
		d.ChosenTier.String())
	if err != nil {
		return fmt.Errorf("bump tier counter: %w", err)
	}
	return nil
}

func applyFeedback(tx *sql.Tx, fb event.Feedback) error {
	res, err := tx.Exec(
		`UPDATE decisions SET outcome = ?, feedback_ts = ?, match_confidence = ?
		 WHERE id = ? AND outcome = ''`,
		string(fb.Outcome), fb.TS.UnixMilli(), fb.MatchConfidence, fb.DecisionID)
	if err != nil {
		return fmt.Errorf("attach outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach outcome: %w", err)
	}
	if n == 0 {
		// Replayed duplicate against an already-closed decision.
		return nil
	}

	var column string
	switch fb.Outcome {
	case event.OutcomeSuccess:
		column = "successes"
	case event.OutcomeFailure:
		column = "failures"
	default:
		return nil // unknown_timeout counts as neither
	}
	var chosen string
	if err := tx.QueryRow(`SELECT chosen_tier FROM decisions WHERE id = ?`, fb.DecisionID).Scan(&chosen); err != nil {
		return fmt.Errorf("attach outcome: %w", err)
	}
	_, err = tx.Exec(fmt.Sprintf(
		`INSERT INTO tier_counters (tier, %[1]s) VALUES (?, 1)
		 ON CONFLICT(tier) DO UPDATE SET %[1]s = %[1]s + 1`, column), chosen)
	if err != nil {
		return fmt.Errorf("bump outcome counter: %w", err)
	}
	return nil
}

func (s *Store) lastAppliedSeq() (uint64, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaLastAppliedSeq).Scan(&val)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read applied seq: %v", ErrStoreUnavailable, err)
	}
	var seq uint64
	if _, err := fmt.Sscanf(val, "%d", &seq); err != nil {
		return 0, nil
	}
	return seq, nil
}

func outcomeFor(kind event.SignalKind) event.Outcome {
	switch kind {
	case event.SignalSuccess:
		return event.OutcomeSuccess
	case event.SignalFailure, event.SignalEscalation:
		return event.OutcomeFailure
	case event.SignalTimeout:
		return event.OutcomeUnknown
	}
	return event.OutcomeOpen
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// likeEscape escapes LIKE metacharacters so a prefix matches literally.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
