// Package storage is the durable Job Store.
//
// It persists broadcast jobs, their per-destination targets, the per-job
// dispatch lease and the gateway settings table. The same SQL runs on
// SQLite (modernc, default) and PostgreSQL (lib/pq); placeholders are
// rebound per driver by sqlx.
package storage
