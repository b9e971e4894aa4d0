package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"routekern/internal/baseline"
	"routekern/internal/complexity"
	"routekern/internal/dq"
	"routekern/internal/event"
	"routekern/internal/tier"
)

// TierStat summarises one tier's decisions inside a window.
type TierStat struct {
	Tier           tier.Tier `json:"tier"`
	Decisions      int       `json:"decisions"`
	Successes      int       `json:"successes"`
	Failures       int       `json:"failures"`
	Share          float64   `json:"share"`
	SuccessRate    float64   `json:"success_rate"`
	MeanDQ         float64   `json:"mean_dq"`
	MeanComplexity float64   `json:"mean_complexity"`
}

// DecileStat summarises one complexity decile inside a window. Efficiency is
// the rolling success rate over resolved decisions in the decile.
type DecileStat struct {
	Decile     int     `json:"decile"` // 0..9, decile d covers [d/10, (d+1)/10)
	Count      int     `json:"count"`
	Successes  int     `json:"successes"`
	Failures   int     `json:"failures"`
	Efficiency float64 `json:"efficiency"`
	MeanDQ     float64 `json:"mean_dq"`
}

// Stats is the kernel-wide summary backing the stats command and the
// auto-update gates.
type Stats struct {
	WindowDays       int          `json:"window_days"`
	TotalDecisions   int          `json:"total_decisions"`
	WindowDecisions  int          `json:"window_decisions"`
	WindowFeedback   int          `json:"window_feedback"`
	FeedbackCoverage float64      `json:"feedback_coverage"`
	Escalations      int          `json:"escalations"`
	Tiers            []TierStat   `json:"tiers"`
	Deciles          []DecileStat `json:"deciles"`
}

// windowCutoff converts a day count to a millisecond timestamp lower bound.
func windowCutoff(days int) int64 {
	return time.Now().UTC().AddDate(0, 0, -days).UnixMilli()
}

// Stats computes the full summary over a sliding window of days.
func (s *Store) Stats(windowDays int) (Stats, error) {
	st := Stats{WindowDays: windowDays}
	cutoff := windowCutoff(windowDays)

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&st.TotalDecisions); err != nil {
		return Stats{}, fmt.Errorf("%w: total decisions: %v", ErrStoreUnavailable, err)
	}
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome != '' THEN 1 ELSE 0 END), 0)
		 FROM decisions WHERE ts >= ?`, cutoff,
	).Scan(&st.WindowDecisions, &st.WindowFeedback)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: window decisions: %v", ErrStoreUnavailable, err)
	}
	if st.WindowDecisions > 0 {
		st.FeedbackCoverage = float64(st.WindowFeedback) / float64(st.WindowDecisions)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM escalations WHERE ts >= ?`, cutoff).Scan(&st.Escalations); err != nil {
		return Stats{}, fmt.Errorf("%w: escalations: %v", ErrStoreUnavailable, err)
	}

	st.Tiers, err = s.TierStats(windowDays)
	if err != nil {
		return Stats{}, err
	}
	st.Deciles, err = s.DecileStats(windowDays)
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

// TierStats computes per-tier counts, share, success rate, and means over the
// window. Every tier appears in the result even with zero decisions.
func (s *Store) TierStats(windowDays int) ([]TierStat, error) {
	cutoff := windowCutoff(windowDays)

	rows, err := s.db.Query(
		`SELECT chosen_tier, COUNT(*),
		        SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END),
		        AVG(dq_total), AVG(complexity)
		 FROM decisions WHERE ts >= ? GROUP BY chosen_tier`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: tier stats: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	byTier := make(map[tier.Tier]TierStat)
	total := 0
	for rows.Next() {
		var (
			name                   string
			ts                     TierStat
			meanDQ, meanComplexity sql.NullFloat64
		)
		if err := rows.Scan(&name, &ts.Decisions, &ts.Successes, &ts.Failures, &meanDQ, &meanComplexity); err != nil {
			return nil, fmt.Errorf("%w: tier stats scan: %v", ErrStoreUnavailable, err)
		}
		t, err := tier.Parse(name)
		if err != nil {
			continue
		}
		ts.Tier = t
		ts.MeanDQ = meanDQ.Float64
		ts.MeanComplexity = meanComplexity.Float64
		if resolved := ts.Successes + ts.Failures; resolved > 0 {
			ts.SuccessRate = float64(ts.Successes) / float64(resolved)
		}
		byTier[t] = ts
		total += ts.Decisions
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: tier stats: %v", ErrStoreUnavailable, err)
	}

	out := make([]TierStat, 0, len(tier.All()))
	for _, t := range tier.All() {
		ts := byTier[t]
		ts.Tier = t
		if total > 0 {
			ts.Share = float64(ts.Decisions) / float64(total)
		}
		out = append(out, ts)
	}
	return out, nil
}

// DecileStats buckets window decisions into ten complexity deciles. A
// complexity of exactly 1.0 lands in the top decile.
func (s *Store) DecileStats(windowDays int) ([]DecileStat, error) {
	cutoff := windowCutoff(windowDays)

	rows, err := s.db.Query(
		`SELECT MIN(CAST(complexity * 10 AS INTEGER), 9) AS decile, COUNT(*),
		        SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END),
		        AVG(dq_total)
		 FROM decisions WHERE ts >= ? GROUP BY decile`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: decile stats: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make([]DecileStat, 10)
	for i := range out {
		out[i].Decile = i
	}
	for rows.Next() {
		var (
			d      DecileStat
			meanDQ sql.NullFloat64
		)
		if err := rows.Scan(&d.Decile, &d.Count, &d.Successes, &d.Failures, &meanDQ); err != nil {
			return nil, fmt.Errorf("%w: decile stats scan: %v", ErrStoreUnavailable, err)
		}
		if d.Decile < 0 || d.Decile > 9 {
			continue
		}
		d.MeanDQ = meanDQ.Float64
		if resolved := d.Successes + d.Failures; resolved > 0 {
			d.Efficiency = float64(d.Successes) / float64(resolved)
		}
		out[d.Decile] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: decile stats: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// SliceStat summarises the decisions routed to one tier within one
// complexity band.
type SliceStat struct {
	Decisions      int     `json:"decisions"`
	Successes      int     `json:"successes"`
	Failures       int     `json:"failures"`
	MeanComplexity float64 `json:"mean_complexity"`
}

// Resolved is the number of decisions with a success or failure outcome.
func (s SliceStat) Resolved() int { return s.Successes + s.Failures }

// FailureRate is failures over resolved decisions, zero when nothing
// resolved.
func (s SliceStat) FailureRate() float64 {
	if s.Resolved() == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Resolved())
}

// TierBandStats summarises window decisions routed to t whose complexity
// falls in [lo, hi), with 1.0 included when hi is 1.0.
func (s *Store) TierBandStats(windowDays int, t tier.Tier, lo, hi float64) (SliceStat, error) {
	cutoff := windowCutoff(windowDays)

	var (
		out  SliceStat
		mean sql.NullFloat64
	)
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END), 0),
		        AVG(complexity)
		 FROM decisions
		 WHERE ts >= ? AND chosen_tier = ?
		   AND complexity >= ? AND (complexity < ? OR (? >= 1.0 AND complexity <= 1.0))`,
		cutoff, t.String(), lo, hi, hi,
	).Scan(&out.Decisions, &out.Successes, &out.Failures, &mean)
	if err != nil {
		return SliceStat{}, fmt.Errorf("%w: band stats: %v", ErrStoreUnavailable, err)
	}
	out.MeanComplexity = mean.Float64
	return out, nil
}

// RecentEfficiency is the success rate over the most recent n resolved
// decisions (success or failure; timeouts do not count). The second return is
// how many resolved decisions the rate was computed from.
func (s *Store) RecentEfficiency(n int) (float64, int, error) {
	rows, err := s.db.Query(
		`SELECT outcome FROM decisions
		 WHERE outcome IN ('success', 'failure')
		 ORDER BY ts DESC, seq DESC LIMIT ?`, n)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: recent efficiency: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var successes, resolved int
	for rows.Next() {
		var outcome string
		if err := rows.Scan(&outcome); err != nil {
			return 0, 0, fmt.Errorf("%w: recent efficiency scan: %v", ErrStoreUnavailable, err)
		}
		resolved++
		if outcome == string(event.OutcomeSuccess) {
			successes++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("%w: recent efficiency: %v", ErrStoreUnavailable, err)
	}
	if resolved == 0 {
		return 0, 0, nil
	}
	return float64(successes) / float64(resolved), resolved, nil
}

// TotalDecisions is the all-time decision count.
func (s *Store) TotalDecisions() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: total decisions: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// TotalFeedback is the all-time count of decisions with any attached outcome,
// timeouts included.
func (s *Store) TotalFeedback() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM decisions WHERE outcome != ''`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: total feedback: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// DataQuality is the mean match confidence over success/failure outcomes in
// the window. Zero when nothing resolved.
func (s *Store) DataQuality(windowDays int) (float64, error) {
	var mean sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT AVG(match_confidence) FROM decisions
		 WHERE ts >= ? AND outcome IN ('success', 'failure')`,
		windowCutoff(windowDays)).Scan(&mean)
	if err != nil {
		return 0, fmt.Errorf("%w: data quality: %v", ErrStoreUnavailable, err)
	}
	return mean.Float64, nil
}

// RecentMeanDQ is the mean decision-quality total over the n most recent
// decisions. The second return is how many decisions it covers.
func (s *Store) RecentMeanDQ(n int) (float64, int, error) {
	var (
		mean  sql.NullFloat64
		count int
	)
	err := s.db.QueryRow(
		`SELECT AVG(dq_total), COUNT(*) FROM (
		     SELECT dq_total FROM decisions ORDER BY ts DESC, seq DESC LIMIT ?
		 )`, n).Scan(&mean, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: recent mean dq: %v", ErrStoreUnavailable, err)
	}
	return mean.Float64, count, nil
}

// WindowMeanDQ is the mean decision-quality total over the window.
func (s *Store) WindowMeanDQ(windowDays int) (float64, error) {
	var mean sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT AVG(dq_total) FROM decisions WHERE ts >= ?`,
		windowCutoff(windowDays)).Scan(&mean)
	if err != nil {
		return 0, fmt.Errorf("%w: window mean dq: %v", ErrStoreUnavailable, err)
	}
	return mean.Float64, nil
}

// History returns the most recent decisions as scorer history, newest first.
func (s *Store) History(limit int) ([]dq.HistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT query_preview, chosen_tier, dq_total, outcome
		 FROM decisions ORDER BY ts DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []dq.HistoryEntry
	for rows.Next() {
		var (
			h       dq.HistoryEntry
			name    string
			outcome string
		)
		if err := rows.Scan(&h.Query, &name, &h.DQTotal, &outcome); err != nil {
			return nil, fmt.Errorf("%w: history scan: %v", ErrStoreUnavailable, err)
		}
		t, err := tier.Parse(name)
		if err != nil {
			continue
		}
		h.Tier = t
		h.Outcome = dq.Outcome(outcome)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ComplexitySamples returns recent (query preview, score) pairs for the
// analyzer's historical-similarity adjustment, newest first.
func (s *Store) ComplexitySamples(limit int) ([]complexity.Sample, error) {
	rows, err := s.db.Query(
		`SELECT query_preview, complexity
		 FROM decisions ORDER BY ts DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: complexity samples: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []complexity.Sample
	for rows.Next() {
		var sample complexity.Sample
		if err := rows.Scan(&sample.Query, &sample.Score); err != nil {
			return nil, fmt.Errorf("%w: complexity samples scan: %v", ErrStoreUnavailable, err)
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

// Decision fetches one decision record by id.
func (s *Store) Decision(id string) (event.Decision, error) {
	row := s.db.QueryRow(
		`SELECT id, ts, query_hash, query_preview, complexity, complexity_rationale,
		        chosen_tier, dq_total, dq_validity, dq_specificity, dq_correctness,
		        alternatives, cost_estimate, baseline_version, session_id,
		        overridden, fallback, outcome, feedback_ts, match_confidence
		 FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return event.Decision{}, fmt.Errorf("%w: id %s", ErrDecisionNotFound, id)
	}
	if err != nil {
		return event.Decision{}, fmt.Errorf("%w: decision: %v", ErrStoreUnavailable, err)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (event.Decision, error) {
	var (
		d          event.Decision
		ts         int64
		name       string
		alts       string
		overridden int
		fallback   int
		outcome    string
		feedbackTS sql.NullInt64
	)
	err := row.Scan(&d.ID, &ts, &d.QueryHash, &d.QueryPreview, &d.Complexity,
		&d.ComplexityRationale, &name, &d.DQ.Total, &d.DQ.Validity,
		&d.DQ.Specificity, &d.DQ.Correctness, &alts, &d.CostEstimate,
		&d.BaselineVersion, &d.SessionID, &overridden, &fallback,
		&outcome, &feedbackTS, &d.MatchConfidence)
	if err != nil {
		return event.Decision{}, err
	}
	d.TS = time.UnixMilli(ts).UTC()
	if t, perr := tier.Parse(name); perr == nil {
		d.ChosenTier = t
	}
	if alts != "" {
		json.Unmarshal([]byte(alts), &d.Alternatives)
	}
	d.Overridden = overridden != 0
	d.Fallback = fallback != 0
	d.Outcome = event.Outcome(outcome)
	if feedbackTS.Valid {
		fts := time.UnixMilli(feedbackTS.Int64).UTC()
		d.FeedbackTS = &fts
	}
	return d, nil
}

// --- proposals ---

// Proposal fetches one proposed update by id, plus its apply anchor.
func (s *Store) Proposal(id string) (baseline.ProposedUpdate, ProposalAnchor, error) {
	row := s.db.QueryRow(
		`SELECT id, type, target_path, current_value, proposed_value, rationale,
		        sample_size, confidence, status, parent_baseline_version, created_at,
		        applied_version, pre_apply_efficiency, decisions_at_apply
		 FROM proposals WHERE id = ?`, id)
	p, anchor, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return baseline.ProposedUpdate{}, ProposalAnchor{}, fmt.Errorf("proposal %s not found", id)
	}
	if err != nil {
		return baseline.ProposedUpdate{}, ProposalAnchor{}, fmt.Errorf("%w: proposal: %v", ErrStoreUnavailable, err)
	}
	return p, anchor, nil
}

// ProposalAnchor is the monitoring state captured when a proposal was
// applied: what efficiency looked like and how many decisions existed.
type ProposalAnchor struct {
	AppliedVersion     string  `json:"applied_version"`
	PreApplyEfficiency float64 `json:"pre_apply_efficiency"`
	DecisionsAtApply   int     `json:"decisions_at_apply"`
}

// Proposals lists proposals, newest first. An empty status lists all.
func (s *Store) Proposals(status baseline.ProposalStatus) ([]baseline.ProposedUpdate, error) {
	query := `SELECT id, type, target_path, current_value, proposed_value, rationale,
	                 sample_size, confidence, status, parent_baseline_version, created_at,
	                 applied_version, pre_apply_efficiency, decisions_at_apply
	          FROM proposals`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: proposals: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []baseline.ProposedUpdate
	for rows.Next() {
		p, _, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: proposals scan: %v", ErrStoreUnavailable, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppliedInWindow counts proposals whose apply anchor falls inside the
// current update window of the given size (measured in decisions).
func (s *Store) AppliedInWindow(windowQueries int) (int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: applied in window: %v", ErrStoreUnavailable, err)
	}
	floor := total - windowQueries
	if floor < 0 {
		floor = 0
	}
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM proposals
		 WHERE status IN (?, ?) AND decisions_at_apply >= ?`,
		string(baseline.StatusApplied), string(baseline.StatusRolledBack), floor,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: applied in window: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

func scanProposal(row rowScanner) (baseline.ProposedUpdate, ProposalAnchor, error) {
	var (
		p         baseline.ProposedUpdate
		anchor    ProposalAnchor
		ptype     string
		status    string
		createdAt int64
	)
	err := row.Scan(&p.ID, &ptype, &p.TargetPath, &p.CurrentValue, &p.ProposedValue,
		&p.Rationale, &p.SampleSize, &p.Confidence, &status,
		&p.ParentBaselineVersion, &createdAt,
		&anchor.AppliedVersion, &anchor.PreApplyEfficiency, &anchor.DecisionsAtApply)
	if err != nil {
		return baseline.ProposedUpdate{}, ProposalAnchor{}, err
	}
	p.Type = baseline.UpdateType(ptype)
	p.Status = baseline.ProposalStatus(status)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return p, anchor, nil
}
