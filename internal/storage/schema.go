package storage

// schema is dialect-neutral: it runs unchanged on SQLite and PostgreSQL.
// Timestamps are unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS broadcast_jobs (
		id               TEXT PRIMARY KEY,
		content          TEXT NOT NULL,
		media_url        TEXT,
		message_type     TEXT NOT NULL,
		poll_options     TEXT,
		status           TEXT NOT NULL,
		scheduled_at     BIGINT,
		sent_at          BIGINT,
		successful_sends INTEGER NOT NULL DEFAULT 0,
		failed_sends     INTEGER NOT NULL DEFAULT 0,
		total_targets    INTEGER NOT NULL DEFAULT 0,
		lease_token      TEXT,
		lease_until      BIGINT,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS broadcast_targets (
		id                  TEXT PRIMARY KEY,
		job_id              TEXT NOT NULL REFERENCES broadcast_jobs(id) ON DELETE CASCADE,
		seq                 BIGINT NOT NULL,
		destination         TEXT NOT NULL,
		status              TEXT NOT NULL,
		retry_count         INTEGER NOT NULL DEFAULT 0,
		provider_message_id TEXT,
		error_message       TEXT,
		sent_at             BIGINT,
		created_at          BIGINT NOT NULL,
		updated_at          BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_targets_job_status ON broadcast_targets (job_id, status, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_targets_status_updated ON broadcast_targets (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON broadcast_jobs (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS gateway_settings (
		name       TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}
