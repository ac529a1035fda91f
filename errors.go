package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification
const (
	// ErrorTypeStructural indicates a malformed graph. Nothing executes
	// against a graph that fails validation.
	ErrorTypeStructural = "structural"

	// ErrorTypeExecutor indicates a node executor returned an error or
	// panicked.
	ErrorTypeExecutor = "executor"

	// ErrorTypeStore indicates a collaborator store failed.
	ErrorTypeStore = "store"

	// ErrorTypeTimeout matches a deadline or cancellation error
	ErrorTypeTimeout = "timeout"
)

var (
	ErrMissingNodes       = newStructuralError("definition has no nodes", nil)
	ErrNoEntryNode        = newStructuralError("definition has no entry node", nil)
	ErrDanglingEdge       = errors.New("edge references unknown node")
	ErrDuplicateNode      = errors.New("duplicate node id")
	ErrUnknownNodeType    = errors.New("unknown node type")
	ErrNodeNotFound       = errors.New("node not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrSubjectNotFound    = errors.New("subject not found")
	ErrLockNotHeld        = errors.New("lock not held")
	ErrCheckpointDone     = errors.New("checkpoint already completed")
	ErrSubjectBusy        = errors.New("subject is locked by another step")
	ErrTransferLimit      = errors.New("transfer chain exceeded the step budget")
)

// EngineError represents a classified error. It supports errors.Is and
// errors.As through Unwrap.
type EngineError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *EngineError) Unwrap() error {
	return e.Wrapped
}

// NewEngineError creates a new EngineError with the specified type and cause.
func NewEngineError(errorType, cause string) *EngineError {
	return &EngineError{Type: errorType, Cause: cause}
}

func newStructuralError(cause string, wrapped error) *EngineError {
	return &EngineError{Type: ErrorTypeStructural, Cause: cause, Wrapped: wrapped}
}

func newExecutorError(nodeID string, err error) *EngineError {
	return &EngineError{
		Type:    ErrorTypeExecutor,
		Cause:   fmt.Sprintf("node %q: %s", nodeID, err.Error()),
		Wrapped: err,
	}
}

// ClassifyError attempts to classify a regular error into an EngineError
func ClassifyError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &EngineError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	return &EngineError{Type: ErrorTypeStore, Cause: err.Error(), Wrapped: err}
}

// IsStructural reports whether err was caused by a malformed graph.
func IsStructural(err error) bool {
	if err == nil {
		return false
	}
	var engineErr *EngineError
	return errors.As(err, &engineErr) && engineErr.Type == ErrorTypeStructural
}
