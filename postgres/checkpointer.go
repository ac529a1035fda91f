// Package postgres provides a PostgreSQL CheckpointStore for deployments
// running several engine processes against one database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/retry"
	json "github.com/goccy/go-json"
	"github.com/lib/pq"
)

const columns = `id, subject_id, definition_id, current_node_id, execution_state,
	node_state, context, waiting_for, wait_until, waiting_since, correlation_key,
	error_count, last_error, started_at, last_executed_at, completed_at, paused_at`

const upsertQuery = `
INSERT INTO campaign_checkpoints (` + columns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (id) DO UPDATE SET
	current_node_id = EXCLUDED.current_node_id,
	execution_state = EXCLUDED.execution_state,
	node_state = EXCLUDED.node_state,
	context = EXCLUDED.context,
	waiting_for = EXCLUDED.waiting_for,
	wait_until = EXCLUDED.wait_until,
	waiting_since = EXCLUDED.waiting_since,
	correlation_key = EXCLUDED.correlation_key,
	error_count = EXCLUDED.error_count,
	last_error = EXCLUDED.last_error,
	last_executed_at = EXCLUDED.last_executed_at,
	completed_at = EXCLUDED.completed_at,
	paused_at = EXCLUDED.paused_at`

// uniqueViolation is raised when two processes create the first checkpoint
// for a pair at once. The loser retries and loads the winner's row.
const uniqueViolation = "23505"

// Options configures a CheckpointStore.
type Options struct {
	// DB is an open handle. When nil, DSN is opened with the lib/pq driver.
	DB  *sql.DB
	DSN string

	Clock campaign.Clock

	// SkipMigrate leaves the schema alone on construction.
	SkipMigrate bool
}

var _ campaign.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore implements campaign.CheckpointStore on PostgreSQL. Every
// mutation loads the row with SELECT ... FOR UPDATE, applies the shared
// campaign mutation and writes it back in the same transaction.
type CheckpointStore struct {
	db    *sql.DB
	clock campaign.Clock
	owned bool
}

func NewCheckpointStore(ctx context.Context, opts Options) (*CheckpointStore, error) {
	if opts.Clock == nil {
		opts.Clock = campaign.SystemClock()
	}
	db, owned := opts.DB, false
	if db == nil {
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		var err error
		db, err = sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		owned = true
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}
	if !opts.SkipMigrate {
		if err := Migrate(ctx, db); err != nil {
			if owned {
				db.Close()
			}
			return nil, err
		}
	}
	return &CheckpointStore{db: db, clock: opts.Clock, owned: owned}, nil
}

// Close closes the database handle if the store opened it.
func (s *CheckpointStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*campaign.Checkpoint, error) {
	var (
		cp                     campaign.Checkpoint
		state, waitingFor      string
		nodeState, contextJSON []byte
		waitUntil, since       sql.NullTime
		completedAt, pausedAt  sql.NullTime
	)
	err := row.Scan(
		&cp.ID, &cp.SubjectID, &cp.DefinitionID, &cp.CurrentNodeID, &state,
		&nodeState, &contextJSON, &waitingFor, &waitUntil, &since, &cp.CorrelationKey, &cp.ErrorCount,
		&cp.LastError, &cp.StartedAt, &cp.LastExecutedAt, &completedAt, &pausedAt,
	)
	if err != nil {
		return nil, err
	}
	cp.ExecutionState = campaign.ExecutionState(state)
	cp.WaitingFor = campaign.WaitingFor(waitingFor)
	if err := json.Unmarshal(nodeState, &cp.NodeState); err != nil {
		return nil, fmt.Errorf("failed to decode node state of %s: %w", cp.ID, err)
	}
	if err := json.Unmarshal(contextJSON, &cp.Context); err != nil {
		return nil, fmt.Errorf("failed to decode context of %s: %w", cp.ID, err)
	}
	cp.StartedAt = cp.StartedAt.UTC()
	cp.LastExecutedAt = cp.LastExecutedAt.UTC()
	cp.WaitUntil = nullTime(waitUntil)
	cp.WaitingSince = nullTime(since)
	cp.CompletedAt = nullTime(completedAt)
	cp.PausedAt = nullTime(pausedAt)
	return &cp, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// jsonArg encodes a map as text; lib/pq sends []byte as bytea.
func jsonArg(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func put(ctx context.Context, tx *sql.Tx, cp *campaign.Checkpoint) error {
	nodeState, err := jsonArg(cp.NodeState)
	if err != nil {
		return fmt.Errorf("failed to encode node state: %w", err)
	}
	contextJSON, err := jsonArg(cp.Context)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}
	_, err = tx.ExecContext(ctx, upsertQuery,
		cp.ID, cp.SubjectID, cp.DefinitionID, cp.CurrentNodeID, string(cp.ExecutionState),
		nodeState, contextJSON, string(cp.WaitingFor), timeArg(cp.WaitUntil), timeArg(cp.WaitingSince), cp.CorrelationKey, cp.ErrorCount,
		cp.LastError, cp.StartedAt, cp.LastExecutedAt, timeArg(cp.CompletedAt), timeArg(cp.PausedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// inTx runs fn in a transaction. Unique violations and transient
// connection failures are retried.
func (s *CheckpointStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return retry.NewRecoverableError(err)
			}
			return err
		}
		return tx.Commit()
	}, retry.WithBaseWait(10*time.Millisecond), retry.WithMaxRetries(3))
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, subjectID, definitionID string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	var saved *campaign.Checkpoint
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+columns+` FROM campaign_checkpoints
			WHERE subject_id = $1 AND definition_id = $2 AND completed_at IS NULL
			FOR UPDATE`, subjectID, definitionID)
		existing, err := scanCheckpoint(row)
		if errors.Is(err, sql.ErrNoRows) {
			existing = nil
		} else if err != nil {
			return err
		}
		cp, err := campaign.Upsert(existing, subjectID, definitionID, update, s.clock.Now())
		if err != nil {
			return err
		}
		if err := put(ctx, tx, cp); err != nil {
			return err
		}
		saved = cp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return saved, nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, subjectID, definitionID string) (*campaign.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM campaign_checkpoints
		WHERE subject_id = $1 AND definition_id = $2 AND completed_at IS NULL`, subjectID, definitionID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

func (s *CheckpointStore) GetCheckpoint(ctx context.Context, id string) (*campaign.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM campaign_checkpoints WHERE id = $1`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", campaign.ErrCheckpointNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", id, err)
	}
	return cp, nil
}

func (s *CheckpointStore) mutate(ctx context.Context, id string, m campaign.Mutation) (*campaign.Checkpoint, error) {
	var result *campaign.Checkpoint
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+columns+` FROM campaign_checkpoints WHERE id = $1 FOR UPDATE`, id)
		cp, err := scanCheckpoint(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", campaign.ErrCheckpointNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := m(cp, s.clock.Now()); err != nil {
			return err
		}
		if err := put(ctx, tx, cp); err != nil {
			return err
		}
		result = cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *CheckpointStore) AdvanceToNode(ctx context.Context, id, nextNodeID string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateAdvance(nextNodeID, update))
}

func (s *CheckpointStore) RecordError(ctx context.Context, id, message string) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateRecordError(message))
}

func (s *CheckpointStore) MarkCompleted(ctx context.Context, id string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateComplete(update))
}

func (s *CheckpointStore) MarkPaused(ctx context.Context, id string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutatePause(update))
}

func (s *CheckpointStore) ResumeFromPause(ctx context.Context, id string) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateResume())
}

func (s *CheckpointStore) UpdateCheckpoint(ctx context.Context, id string, update campaign.CheckpointUpdate) (*campaign.Checkpoint, error) {
	return s.mutate(ctx, id, campaign.MutateUpdate(update))
}

func (s *CheckpointStore) query(ctx context.Context, query string, args ...any) ([]*campaign.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*campaign.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, cp)
	}
	return list, rows.Err()
}

func (s *CheckpointStore) FindExpiredTimers(ctx context.Context, now time.Time) ([]*campaign.Checkpoint, error) {
	list, err := s.query(ctx, `SELECT `+columns+` FROM campaign_checkpoints
		WHERE completed_at IS NULL
		  AND execution_state = $1
		  AND wait_until IS NOT NULL
		  AND wait_until <= $2
		ORDER BY wait_until, last_executed_at, id`, string(campaign.StateAwaitingAsync), now)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired timers: %w", err)
	}
	return list, nil
}

func (s *CheckpointStore) FindStaleInstances(ctx context.Context, lastExecutedBefore, now time.Time) ([]*campaign.Checkpoint, error) {
	list, err := s.query(ctx, `SELECT `+columns+` FROM campaign_checkpoints
		WHERE completed_at IS NULL
		  AND execution_state <> $1
		  AND (wait_until IS NULL OR wait_until <= $2)
		  AND last_executed_at < $3
		ORDER BY last_executed_at, id`, string(campaign.StatePaused), now, lastExecutedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale checkpoints: %w", err)
	}
	return list, nil
}

func (s *CheckpointStore) CleanupOldInstances(ctx context.Context, completedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaign_checkpoints
		WHERE completed_at IS NOT NULL AND completed_at < $1`, completedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *CheckpointStore) ListCheckpoints(ctx context.Context, subjectID string) ([]*campaign.Checkpoint, error) {
	list, err := s.query(ctx, `SELECT `+columns+` FROM campaign_checkpoints
		WHERE subject_id = $1
		ORDER BY started_at DESC, id DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return list, nil
}
