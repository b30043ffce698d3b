package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationStatements are applied in order on startup. Every statement is
// idempotent so repeated boots against the same database are safe.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		source_path TEXT NOT NULL DEFAULT '',
		rtmp_url TEXT NOT NULL,
		stream_key TEXT NOT NULL DEFAULT '',
		bitrate INTEGER NOT NULL DEFAULT 0,
		fps INTEGER NOT NULL DEFAULT 0,
		resolution TEXT NOT NULL DEFAULT '',
		orientation TEXT NOT NULL DEFAULT '',
		loop_video BOOLEAN NOT NULL DEFAULT FALSE,
		use_advanced BOOLEAN NOT NULL DEFAULT FALSE,
		platform TEXT NOT NULL DEFAULT '',
		schedule_time TIMESTAMPTZ,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'offline',
		status_updated_at TIMESTAMPTZ NOT NULL,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_streams_status ON streams (status) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_streams_schedule_time ON streams (schedule_time) WHERE schedule_time IS NOT NULL AND deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS schedule_templates (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		recurrence TEXT NOT NULL,
		recurrence_days JSONB,
		start_time TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		end_date TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_instances (
		id TEXT PRIMARY KEY,
		template_id TEXT REFERENCES schedule_templates(id) ON DELETE SET NULL,
		stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		scheduled_time TIMESTAMPTZ NOT NULL,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_pending_due ON scheduled_instances (scheduled_time) WHERE status = 'pending'`,
	// Only live rows dedupe a slot; terminal rows are history and never block
	// re-materializing the same occurrence time.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_live_slot ON scheduled_instances (template_id, scheduled_time)
		WHERE status IN ('pending', 'running')`,
	`CREATE TABLE IF NOT EXISTS stream_backups (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		data JSONB NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backups_stream ON stream_backups (stream_id, created_at DESC)`,
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrationStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}
