package campaign

import (
	"context"
	"fmt"
	"time"
)

// Executor implements the behavior of one node type. The engine guarantees
// that Execute is never called concurrently for the same subject, but it
// may call Execute again for a node whose previous attempt failed.
type Executor interface {

	// Type returns the node type this executor handles.
	Type() NodeType

	// Execute runs the node and reports what happened.
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecutionResult, error)
}

// ExecuteRequest is everything an executor may look at.
type ExecuteRequest struct {
	Subject   *Subject
	Context   map[string]any
	Node      *Node
	Graph     *Graph
	Execution ExecutionContext
}

// ExecutionContext describes the step being executed.
type ExecutionContext struct {
	CheckpointID string
	DefinitionID string
	Trigger      TriggerType

	// Event is the inbound event that resumed this node. It is only set
	// for the first node executed in a step.
	Event *InboundEvent

	// NodeState is the state this node stored on a previous visit.
	NodeState map[string]any

	// Step is the zero-based iteration within the current step.
	Step int
	Now  time.Time
}

// Resumed reports whether the node is being re-entered by an event rather
// than visited for the first time.
func (c ExecutionContext) Resumed() bool {
	return c.Event != nil
}

// ExecuteFunc is the signature of a function executor.
type ExecuteFunc func(ctx context.Context, req *ExecuteRequest) (*ExecutionResult, error)

// ExecutorFunc wraps a function for use as an Executor.
type ExecutorFunc struct {
	nodeType NodeType
	fn       ExecuteFunc
}

// NewExecutorFunc returns an Executor for the given function.
func NewExecutorFunc(nodeType NodeType, fn ExecuteFunc) *ExecutorFunc {
	return &ExecutorFunc{nodeType: nodeType, fn: fn}
}

func (e *ExecutorFunc) Type() NodeType {
	return e.nodeType
}

func (e *ExecutorFunc) Execute(ctx context.Context, req *ExecuteRequest) (*ExecutionResult, error) {
	return e.fn(ctx, req)
}

// Registry maps node types to executors.
type Registry struct {
	executors map[NodeType]Executor
}

// NewRegistry builds a registry. Registering an unknown node type or the
// same type twice is a configuration error.
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[NodeType]Executor, len(executors))}
	for _, executor := range executors {
		if err := r.Register(executor); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an executor to the registry.
func (r *Registry) Register(executor Executor) error {
	nodeType := executor.Type()
	if !nodeType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
	if _, exists := r.executors[nodeType]; exists {
		return fmt.Errorf("executor for node type %q already registered", nodeType)
	}
	r.executors[nodeType] = executor
	return nil
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(nodeType NodeType) (Executor, bool) {
	executor, ok := r.executors[nodeType]
	return executor, ok
}
