package sqlite

import (
	"database/sql"
	"fmt"
)

// Coordination table DDL for the worker supervision core. All tables use
// TEXT primary keys matching the canonical key schemes used throughout:
// capacity_estimates/capacity_probe_locks keyed by model_set_hash,
// worker_claims keyed by "claim_"+file_key, worker_restart_policy and
// worker_health_history keyed by component_id.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS capacity_estimates (
	model_set_hash            TEXT PRIMARY KEY,
	measured_backbone_vram_mb INTEGER NOT NULL,
	estimated_worker_ram_mb   INTEGER NOT NULL,
	gpu_capable               INTEGER NOT NULL,
	is_conservative           INTEGER NOT NULL,
	probe_duration_s          REAL NOT NULL DEFAULT 0,
	probed_by                 TEXT NOT NULL DEFAULT '',
	created_at                INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS capacity_probe_locks (
	model_set_hash TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	worker_id      TEXT NOT NULL,
	started_at     INTEGER NOT NULL,
	completed_at   INTEGER
);

CREATE TABLE IF NOT EXISTS worker_claims (
	claim_key  TEXT PRIMARY KEY,
	file_id    TEXT NOT NULL,
	worker_id  TEXT NOT NULL,
	claimed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worker_claims_worker_id ON worker_claims(worker_id);

CREATE TABLE IF NOT EXISTS worker_restart_policy (
	component_id        TEXT PRIMARY KEY,
	restart_count       INTEGER NOT NULL DEFAULT 0,
	last_restart_wall_ms INTEGER,
	failed_at_wall_ms    INTEGER,
	failure_reason       TEXT
);

CREATE TABLE IF NOT EXISTS worker_health_history (
	component_id    TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	last_snapshot   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS supervisor_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- Minimal library-file surface the claim coordinator's GC passes join
-- against. The full files/tags schema is out of scope; this table holds
-- the columns the three GC passes read, plus path and tagger_version
-- for the discovery operations (GetFilePath, MarkFileTagged).
CREATE TABLE IF NOT EXISTS library_files (
	id             TEXT PRIMARY KEY,
	path           TEXT NOT NULL DEFAULT '',
	tagged         INTEGER NOT NULL DEFAULT 0,
	needs_tagging  INTEGER NOT NULL DEFAULT 1,
	is_valid       INTEGER NOT NULL DEFAULT 1,
	tagger_version TEXT NOT NULL DEFAULT ''
);
`

// EnsureCoordinationSchema creates the tables the worker supervision core
// depends on if they do not already exist. Safe to call on every startup.
func EnsureCoordinationSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("sqlite: ensure coordination schema: %w", err)
	}
	return nil
}
