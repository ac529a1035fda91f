package campaign

import (
	"fmt"
	"time"

	"dario.cat/mergo"
)

// ErrorThreshold is the number of recorded errors after which a checkpoint
// is marked FAILED.
const ErrorThreshold = 3

// ExecutionState is the lifecycle state of a checkpoint.
type ExecutionState string

const (
	StateEntered       ExecutionState = "ENTERED"
	StateAwaitingAsync ExecutionState = "AWAITING_ASYNC"
	StateExited        ExecutionState = "EXITED"
	StateFailed        ExecutionState = "FAILED"
	StatePaused        ExecutionState = "PAUSED"
)

// Checkpoint records where a subject is within one campaign definition.
// There is at most one active checkpoint per subject and definition.
type Checkpoint struct {
	ID             string         `json:"id"`
	SubjectID      string         `json:"subject_id"`
	DefinitionID   string         `json:"definition_id"`
	CurrentNodeID  string         `json:"current_node_id"`
	ExecutionState ExecutionState `json:"execution_state"`
	NodeState      map[string]any `json:"node_state"`
	Context        map[string]any `json:"context"`
	WaitingFor     WaitingFor     `json:"waiting_for,omitempty"`
	WaitUntil      *time.Time     `json:"wait_until,omitempty"`
	WaitingSince   *time.Time     `json:"waiting_since,omitempty"`
	CorrelationKey string         `json:"correlation_key,omitempty"`
	ErrorCount     int            `json:"error_count"`
	LastError      string         `json:"last_error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	LastExecutedAt time.Time      `json:"last_executed_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	PausedAt       *time.Time     `json:"paused_at,omitempty"`
}

// NewCheckpoint returns a fresh checkpoint for a subject entering a
// definition.
func NewCheckpoint(subjectID, definitionID string, now time.Time) *Checkpoint {
	return &Checkpoint{
		ID:             NewCheckpointID(),
		SubjectID:      subjectID,
		DefinitionID:   definitionID,
		ExecutionState: StateEntered,
		NodeState:      map[string]any{},
		Context:        map[string]any{},
		StartedAt:      now,
		LastExecutedAt: now,
	}
}

// Active reports whether the checkpoint has not been completed.
func (cp *Checkpoint) Active() bool {
	return cp.CompletedAt == nil
}

// Suspended reports whether the checkpoint is waiting on an external event.
func (cp *Checkpoint) Suspended() bool {
	return cp.Active() && cp.ExecutionState == StateAwaitingAsync
}

// TimerDue reports whether a suspended checkpoint's deadline has passed.
func (cp *Checkpoint) TimerDue(now time.Time) bool {
	return cp.Suspended() && cp.WaitUntil != nil && !cp.WaitUntil.After(now)
}

// Stale reports whether an active checkpoint has not executed since before
// and is not legitimately parked: paused or waiting on a future timer.
func (cp *Checkpoint) Stale(before, now time.Time) bool {
	if !cp.Active() || cp.ExecutionState == StatePaused {
		return false
	}
	if cp.WaitUntil != nil && cp.WaitUntil.After(now) {
		return false
	}
	return cp.LastExecutedAt.Before(before)
}

// StateFor returns the node state stored for a node.
func (cp *Checkpoint) StateFor(nodeID string) map[string]any {
	if state, ok := cp.NodeState[nodeID].(map[string]any); ok {
		return state
	}
	return nil
}

// Clone returns a deep copy of the checkpoint.
func (cp *Checkpoint) Clone() *Checkpoint {
	c := *cp
	c.NodeState = copyMap(cp.NodeState)
	c.Context = copyMap(cp.Context)
	c.WaitUntil = copyTime(cp.WaitUntil)
	c.WaitingSince = copyTime(cp.WaitingSince)
	c.CompletedAt = copyTime(cp.CompletedAt)
	c.PausedAt = copyTime(cp.PausedAt)
	return &c
}

// CheckpointUpdate carries the fields to change on a checkpoint. Nil
// pointers leave a field untouched. NodeState and Context are merged into
// the existing maps with later values overriding earlier ones.
type CheckpointUpdate struct {
	CurrentNodeID  *string
	ExecutionState *ExecutionState
	WaitingFor     *WaitingFor
	WaitUntil      *time.Time
	CorrelationKey *string
	NodeState      map[string]any
	Context        map[string]any
	ClearWait      bool
	ResetErrors    bool

	// WaitingSince is when the step that suspended the checkpoint began.
	// Replies received at or after it resume the wait.
	WaitingSince *time.Time
}

// Apply merges the update into the checkpoint and stamps lastExecutedAt.
func (cp *Checkpoint) Apply(u CheckpointUpdate, now time.Time) error {
	if u.ClearWait {
		cp.clearWait()
	}
	if u.CurrentNodeID != nil {
		cp.CurrentNodeID = *u.CurrentNodeID
	}
	if u.ExecutionState != nil {
		cp.ExecutionState = *u.ExecutionState
	}
	if u.WaitingFor != nil {
		cp.WaitingFor = *u.WaitingFor
	}
	if u.WaitUntil != nil {
		cp.WaitUntil = copyTime(u.WaitUntil)
	}
	if u.CorrelationKey != nil {
		cp.CorrelationKey = *u.CorrelationKey
	}
	if u.WaitingSince != nil {
		cp.WaitingSince = copyTime(u.WaitingSince)
	}
	if u.ResetErrors {
		cp.ErrorCount = 0
		cp.LastError = ""
		if cp.ExecutionState == StateFailed {
			cp.ExecutionState = StateEntered
		}
	}
	if err := mergeInto(&cp.NodeState, u.NodeState); err != nil {
		return fmt.Errorf("failed to merge node state: %w", err)
	}
	if err := mergeInto(&cp.Context, u.Context); err != nil {
		return fmt.Errorf("failed to merge context: %w", err)
	}
	if cp.WaitingFor == WaitingForTimer && cp.WaitUntil == nil {
		return fmt.Errorf("checkpoint %s: timer wait requires wait_until", cp.ID)
	}
	cp.LastExecutedAt = now
	return nil
}

func (cp *Checkpoint) clearWait() {
	cp.WaitingFor = ""
	cp.WaitUntil = nil
	cp.WaitingSince = nil
	cp.CorrelationKey = ""
}

// Mutation is a store operation applied to a loaded checkpoint. Backends
// load the row, apply the mutation and write it back in one transaction so
// every backend shares the same semantics.
type Mutation func(cp *Checkpoint, now time.Time) error

// MutateAdvance moves the checkpoint to the next node, clears any wait and
// sets ENTERED.
func MutateAdvance(nextNodeID string, u CheckpointUpdate) Mutation {
	return func(cp *Checkpoint, now time.Time) error {
		if !cp.Active() {
			return ErrCheckpointDone
		}
		state := StateEntered
		u.CurrentNodeID = &nextNodeID
		u.ExecutionState = &state
		u.ClearWait = true
		return cp.Apply(u, now)
	}
}

// MutateRecordError increments the error count and marks the checkpoint
// FAILED once the threshold is reached.
func MutateRecordError(message string) Mutation {
	return func(cp *Checkpoint, now time.Time) error {
		if !cp.Active() {
			return ErrCheckpointDone
		}
		cp.ErrorCount++
		cp.LastError = message
		if cp.ErrorCount >= ErrorThreshold {
			cp.ExecutionState = StateFailed
			cp.clearWait()
		}
		cp.LastExecutedAt = now
		return nil
	}
}

// MutateComplete applies a final update and marks the checkpoint
// completed. Completing twice is a no-op.
func MutateComplete(u CheckpointUpdate) Mutation {
	return func(cp *Checkpoint, now time.Time) error {
		if !cp.Active() {
			return nil
		}
		u.ClearWait = true
		if err := cp.Apply(u, now); err != nil {
			return err
		}
		completed := now
		cp.CompletedAt = &completed
		if cp.ExecutionState != StateFailed {
			cp.ExecutionState = StateExited
		}
		return nil
	}
}

// MutatePause applies an update and parks the checkpoint for an operator.
func MutatePause(u CheckpointUpdate) Mutation {
	return func(cp *Checkpoint, now time.Time) error {
		if !cp.Active() {
			return ErrCheckpointDone
		}
		u.ClearWait = true
		if err := cp.Apply(u, now); err != nil {
			return err
		}
		paused := now
		cp.PausedAt = &paused
		cp.ExecutionState = StatePaused
		return nil
	}
}

// MutateResume returns a paused checkpoint to ENTERED at its current node.
func MutateResume() Mutation {
	return func(cp *Checkpoint, now time.Time) error {
		if !cp.Active() {
			return ErrCheckpointDone
		}
		if cp.ExecutionState != StatePaused {
			return nil
		}
		cp.ExecutionState = StateEntered
		cp.PausedAt = nil
		cp.LastExecutedAt = now
		return nil
	}
}

// MutateUpdate applies an arbitrary update to an active checkpoint.
func MutateUpdate(u CheckpointUpdate) Mutation {
	return func(cp *Checkpoint, now time.Time) error {
		if !cp.Active() {
			return ErrCheckpointDone
		}
		return cp.Apply(u, now)
	}
}

func mergeInto(dst *map[string]any, src map[string]any) error {
	if len(src) == 0 {
		return nil
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	return mergo.Merge(dst, copyMap(src), mergo.WithOverride)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return copyMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Ptr returns a pointer to v. It is convenient when building updates.
func Ptr[T any](v T) *T {
	return &v
}
