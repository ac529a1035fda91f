package campaign

import (
	"context"
	"time"
)

// CheckpointStore persists checkpoints. Concurrent writes for the same
// subject are prevented upstream by the Locker, so stores only guarantee
// that each call is atomic.
type CheckpointStore interface {
	// SaveCheckpoint upserts the checkpoint for a subject and definition.
	// A completed checkpoint for the pair is left in place and a fresh one
	// is started.
	SaveCheckpoint(ctx context.Context, subjectID, definitionID string, update CheckpointUpdate) (*Checkpoint, error)

	// LoadCheckpoint returns the active checkpoint for the pair, or nil.
	LoadCheckpoint(ctx context.Context, subjectID, definitionID string) (*Checkpoint, error)

	// GetCheckpoint returns a checkpoint by id, completed or not.
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)

	// AdvanceToNode moves the checkpoint to nextNodeID, clears any wait,
	// sets ENTERED and merges the update.
	AdvanceToNode(ctx context.Context, id, nextNodeID string, update CheckpointUpdate) (*Checkpoint, error)

	// RecordError increments the error count. At ErrorThreshold the
	// checkpoint becomes FAILED.
	RecordError(ctx context.Context, id, message string) (*Checkpoint, error)

	// MarkCompleted applies a final update and sets completedAt. No further
	// transitions happen on a completed checkpoint.
	MarkCompleted(ctx context.Context, id string, update CheckpointUpdate) (*Checkpoint, error)

	// MarkPaused parks the checkpoint in PAUSED for a human operator.
	MarkPaused(ctx context.Context, id string, update CheckpointUpdate) (*Checkpoint, error)

	// ResumeFromPause returns a PAUSED checkpoint to ENTERED.
	ResumeFromPause(ctx context.Context, id string) (*Checkpoint, error)

	// UpdateCheckpoint applies an update to an active checkpoint.
	UpdateCheckpoint(ctx context.Context, id string, update CheckpointUpdate) (*Checkpoint, error)

	// FindExpiredTimers returns suspended checkpoints whose wait_until is
	// at or before now.
	FindExpiredTimers(ctx context.Context, now time.Time) ([]*Checkpoint, error)

	// FindStaleInstances returns active checkpoints that last executed
	// before lastExecutedBefore, excluding paused ones and ones waiting on a
	// timer that has not yet elapsed.
	FindStaleInstances(ctx context.Context, lastExecutedBefore, now time.Time) ([]*Checkpoint, error)

	// CleanupOldInstances deletes checkpoints completed before the cutoff
	// and returns how many were removed.
	CleanupOldInstances(ctx context.Context, completedBefore time.Time) (int, error)

	// ListCheckpoints returns every checkpoint of a subject, newest first.
	ListCheckpoints(ctx context.Context, subjectID string) ([]*Checkpoint, error)
}
