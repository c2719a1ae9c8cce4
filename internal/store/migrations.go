package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all broker tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		id                   TEXT PRIMARY KEY,
		owner_id             TEXT NOT NULL,
		gpu_model            TEXT NOT NULL,
		vram_gb              INTEGER NOT NULL,
		gpu_count            INTEGER NOT NULL DEFAULT 1,
		price_per_hour       REAL NOT NULL,
		location             TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'online_idle',
		current_job_id       TEXT NOT NULL DEFAULT '',
		last_heartbeat_at    TEXT NOT NULL,
		idle_since           TEXT NOT NULL,
		registered_at        TEXT NOT NULL,
		total_jobs_completed INTEGER NOT NULL DEFAULT 0,
		total_earnings       REAL NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		renter_id          TEXT NOT NULL,
		command            TEXT NOT NULL,
		docker_image       TEXT NOT NULL DEFAULT '',
		max_runtime_hours  REAL NOT NULL DEFAULT 0,
		gpu_model_filter   TEXT NOT NULL DEFAULT '',
		min_vram_gb        INTEGER NOT NULL DEFAULT 0,
		max_price_per_hour REAL NOT NULL DEFAULT 0,
		location_filter    TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'pending',
		assigned_host_id   TEXT NOT NULL DEFAULT '',
		attempts           INTEGER NOT NULL DEFAULT 0,
		submitted_at       TEXT NOT NULL,
		matched_at         TEXT,
		started_at         TEXT,
		completed_at       TEXT,
		cost               REAL NOT NULL DEFAULT 0,
		result             TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS job_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id      TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		at          TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		role       TEXT NOT NULL DEFAULT 'renter',
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		token      TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		username   TEXT NOT NULL,
		role       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_hosts_status ON hosts(status)`,
	`CREATE INDEX IF NOT EXISTS idx_hosts_owner_id ON hosts(owner_id)`,
	// FIFO matching reads pending jobs ordered by submission time.
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_submitted ON jobs(status, submitted_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_renter_id ON jobs(renter_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tokens_user_id ON tokens(user_id)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
