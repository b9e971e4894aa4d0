package telemetry

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// aggregateSchema defines the indexed aggregate store. It is a pure
// derivation of the event log: dropping the database and rebuilding from raw
// events must produce identical contents.
const aggregateSchema = `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		query_hash TEXT NOT NULL,
		query_preview TEXT NOT NULL,
		complexity REAL NOT NULL,
		complexity_rationale TEXT NOT NULL DEFAULT '',
		chosen_tier TEXT NOT NULL,
		dq_total REAL NOT NULL,
		dq_validity REAL NOT NULL,
		dq_specificity REAL NOT NULL,
		dq_correctness REAL NOT NULL,
		alternatives TEXT NOT NULL DEFAULT '[]',
		cost_estimate REAL NOT NULL,
		baseline_version TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		overridden INTEGER NOT NULL DEFAULT 0,
		fallback INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL DEFAULT '',
		feedback_ts INTEGER,
		match_confidence REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions (ts);
	CREATE INDEX IF NOT EXISTS idx_decisions_tier ON decisions (chosen_tier);
	CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions (session_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_preview ON decisions (query_preview);
	CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions (outcome);

	CREATE TABLE IF NOT EXISTS escalations (
		decision_id TEXT NOT NULL,
		from_tier TEXT NOT NULL,
		retried_tier TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_escalations_ts ON escalations (ts);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL,
		tool_count INTEGER NOT NULL,
		quality REAL NOT NULL,
		complexity_avg REAL NOT NULL,
		tier_efficiency REAL NOT NULL,
		outcome TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tier_counters (
		tier TEXT PRIMARY KEY,
		decisions INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		target_path TEXT NOT NULL,
		current_value REAL NOT NULL,
		proposed_value REAL NOT NULL,
		rationale TEXT NOT NULL,
		sample_size INTEGER NOT NULL,
		confidence REAL NOT NULL,
		status TEXT NOT NULL,
		parent_baseline_version TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		applied_version TEXT NOT NULL DEFAULT '',
		pre_apply_efficiency REAL NOT NULL DEFAULT 0,
		decisions_at_apply INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

// openDB opens the aggregate database and ensures the schema exists.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open aggregate db: %v", ErrStoreUnavailable, err)
	}
	// The aggregate store shares the writer discipline of the event log:
	// one writer, many readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(aggregateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("aggregate schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("aggregate pragma: %w", err)
	}
	return db, nil
}

// resetAggregates empties every derived table ahead of a rebuild.
func resetAggregates(db *sql.DB) error {
	for _, table := range []string{"decisions", "escalations", "sessions", "tier_counters", "proposals", "meta"} {
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}
