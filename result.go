package campaign

import (
	"fmt"
	"time"
)

// ExecutionStatus is the outcome reported by a node executor.
type ExecutionStatus string

const (
	StatusExited        ExecutionStatus = "EXITED"
	StatusAwaitingAsync ExecutionStatus = "AWAITING_ASYNC"
	StatusFailed        ExecutionStatus = "FAILED"
)

// Action asks the engine to do something beyond following an edge.
type Action string

const (
	// ActionTransferCampaign completes this flow and starts the subject in
	// the definition named by the "campaign_id" output.
	ActionTransferCampaign Action = "transfer_campaign"

	// ActionHandoff pauses the subject for a human operator.
	ActionHandoff Action = "handoff"
)

// WaitingFor names what a suspended subject is waiting on.
type WaitingFor string

const (
	WaitingForTimer     WaitingFor = "TIMER"
	WaitingForUserReply WaitingFor = "USER_REPLY"
)

// Suspension describes why and until when a node suspended.
type Suspension struct {
	WaitingFor     WaitingFor `json:"waiting_for"`
	WaitUntil      time.Time  `json:"wait_until,omitzero"`
	CorrelationKey string     `json:"correlation_key,omitempty"`
}

// ExecutionResult is the tagged value returned by a node executor. The
// engine never inspects executor internals, only this value.
type ExecutionResult struct {
	Status     ExecutionStatus `json:"status"`
	Edge       string          `json:"edge,omitempty"`
	Output     map[string]any  `json:"output,omitempty"`
	NodeState  map[string]any  `json:"node_state,omitempty"`
	Checkpoint *Suspension     `json:"checkpoint,omitempty"`
	Action     Action          `json:"action,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Exited returns a result that lets the resolver pick the next edge.
func Exited(output map[string]any) *ExecutionResult {
	return &ExecutionResult{Status: StatusExited, Output: output}
}

// ExitedVia returns a result that follows the named edge label.
func ExitedVia(edge string, output map[string]any) *ExecutionResult {
	return &ExecutionResult{Status: StatusExited, Edge: edge, Output: output}
}

// AwaitReply suspends until the subject replies. A non-zero timeout also
// arms a timer so the node is resumed when no reply arrives.
func AwaitReply(correlationKey string, waitUntil time.Time) *ExecutionResult {
	return &ExecutionResult{
		Status: StatusAwaitingAsync,
		Checkpoint: &Suspension{
			WaitingFor:     WaitingForUserReply,
			WaitUntil:      waitUntil,
			CorrelationKey: correlationKey,
		},
	}
}

// AwaitTimer suspends until the given time.
func AwaitTimer(until time.Time) *ExecutionResult {
	return &ExecutionResult{
		Status:     StatusAwaitingAsync,
		Checkpoint: &Suspension{WaitingFor: WaitingForTimer, WaitUntil: until},
	}
}

// Failed returns a result describing a handled node failure.
func Failed(message string) *ExecutionResult {
	return &ExecutionResult{Status: StatusFailed, Error: message}
}

// Validate checks the invariants between status and the optional fields.
func (r *ExecutionResult) Validate() error {
	switch r.Status {
	case StatusExited:
		if r.Checkpoint != nil {
			return fmt.Errorf("result with status %s must not carry a checkpoint", r.Status)
		}
	case StatusAwaitingAsync:
		if r.Checkpoint == nil {
			return fmt.Errorf("result with status %s requires a checkpoint", r.Status)
		}
		if r.Edge != "" {
			return fmt.Errorf("result with status %s must not set an edge", r.Status)
		}
		switch r.Checkpoint.WaitingFor {
		case WaitingForTimer:
			if r.Checkpoint.WaitUntil.IsZero() {
				return fmt.Errorf("timer suspension requires wait_until")
			}
		case WaitingForUserReply:
		default:
			return fmt.Errorf("unknown waiting_for %q", r.Checkpoint.WaitingFor)
		}
	case StatusFailed:
		if r.Checkpoint != nil {
			return fmt.Errorf("result with status %s must not carry a checkpoint", r.Status)
		}
		if r.Edge != "" {
			return fmt.Errorf("result with status %s must not set an edge", r.Status)
		}
	default:
		return fmt.Errorf("unknown execution status %q", r.Status)
	}
	return nil
}

// ErrorMessage returns the failure message for a FAILED result.
func (r *ExecutionResult) ErrorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	if msg, ok := r.Output["error"].(string); ok && msg != "" {
		return msg
	}
	return "node reported failure"
}
