package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error { return migratePostgres(ctx, db) }

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subscribers (
			discord_id TEXT PRIMARY KEY,
			twitch_user_id TEXT,
			twitch_username TEXT,
			tier TEXT NOT NULL DEFAULT 'none',
			is_subscriber BOOLEAN NOT NULL DEFAULT FALSE,
			streak_months INTEGER NOT NULL DEFAULT 0,
			cumulative_months INTEGER NOT NULL DEFAULT 0,
			subscribed_since DATE,
			last_verified_at DATE,
			resolved BOOLEAN NOT NULL DEFAULT TRUE,
			first_notice_at TIMESTAMPTZ,
			last_notice_at TIMESTAMPTZ,
			roles_revoked BOOLEAN NOT NULL DEFAULT FALSE,
			roles_revoked_at TIMESTAMPTZ,
			dm_failed BOOLEAN NOT NULL DEFAULT FALSE,
			dm_failed_reason TEXT,
			extra JSONB NOT NULL DEFAULT '{}'::jsonb,
			schema_version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS inbox_events (
			source TEXT NOT NULL,
			delivery_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			subject_id TEXT,
			payload JSONB NOT NULL,
			headers JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			retries INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			PRIMARY KEY (source, delivery_id)
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`ALTER TABLE subscribers ADD COLUMN IF NOT EXISTS extra JSONB NOT NULL DEFAULT '{}'::jsonb`,
		`ALTER TABLE subscribers ADD COLUMN IF NOT EXISTS schema_version INTEGER NOT NULL DEFAULT 1`,
		`CREATE INDEX IF NOT EXISTS idx_subscribers_twitch_user_id ON subscribers(twitch_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscribers_unresolved ON subscribers(resolved) WHERE resolved = FALSE`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_status ON inbox_events(status)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_subject ON inbox_events(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_received ON inbox_events(received_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
