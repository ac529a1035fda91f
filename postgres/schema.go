package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the checkpoint table. Completed rows are kept until
// retention cleanup, so uniqueness of (subject_id, definition_id) only
// covers active rows.
const Schema = `
CREATE TABLE IF NOT EXISTS campaign_checkpoints (
	id               TEXT PRIMARY KEY,
	subject_id       TEXT NOT NULL,
	definition_id    TEXT NOT NULL,
	current_node_id  TEXT NOT NULL DEFAULT '',
	execution_state  TEXT NOT NULL,
	node_state       JSONB NOT NULL DEFAULT '{}',
	context          JSONB NOT NULL DEFAULT '{}',
	waiting_for      TEXT NOT NULL DEFAULT '',
	wait_until       TIMESTAMPTZ,
	waiting_since    TIMESTAMPTZ,
	correlation_key  TEXT NOT NULL DEFAULT '',
	error_count      INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	last_executed_at TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	paused_at        TIMESTAMPTZ
);

ALTER TABLE campaign_checkpoints ADD COLUMN IF NOT EXISTS waiting_since TIMESTAMPTZ;

CREATE UNIQUE INDEX IF NOT EXISTS campaign_checkpoints_active_pair
	ON campaign_checkpoints (subject_id, definition_id)
	WHERE completed_at IS NULL;

CREATE INDEX IF NOT EXISTS campaign_checkpoints_timer_waits
	ON campaign_checkpoints (wait_until)
	WHERE completed_at IS NULL AND execution_state = 'AWAITING_ASYNC';

CREATE INDEX IF NOT EXISTS campaign_checkpoints_subject
	ON campaign_checkpoints (subject_id, started_at DESC);

CREATE INDEX IF NOT EXISTS campaign_checkpoints_completed
	ON campaign_checkpoints (completed_at)
	WHERE completed_at IS NOT NULL;
`

// Migrate applies Schema. It is safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate checkpoint schema: %w", err)
	}
	return nil
}
