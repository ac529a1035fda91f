package campaign

import (
	"context"
	"time"
)

// EventKind names a notification.
type EventKind string

const (
	EventNodeEntered   EventKind = "node_entered"
	EventFlowCompleted EventKind = "flow_completed"
	EventFlowFailed    EventKind = "flow_failed"
	EventFlowPaused    EventKind = "flow_paused"
	EventFlowRecycled  EventKind = "flow_recycled"
)

// Event is published after the engine commits a change to a checkpoint.
type Event struct {
	Type           EventKind `json:"type"`
	SubjectID      string    `json:"subject_id"`
	DefinitionID   string    `json:"definition_id"`
	CheckpointID   string    `json:"checkpoint_id"`
	PreviousNodeID string    `json:"previous_node_id,omitempty"`
	NodeID         string    `json:"node_id,omitempty"`
	NodeType       NodeType  `json:"node_type,omitempty"`
	NodeLabel      string    `json:"node_label,omitempty"`
	EdgeLabel      string    `json:"edge_label,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// Notifier is a fire-and-forget sink for engine events. Implementations
// must not block the engine for long and have no delivery guarantee.
type Notifier interface {
	Publish(ctx context.Context, event *Event)
}

// NullNotifier drops every event.
type NullNotifier struct{}

func (NullNotifier) Publish(ctx context.Context, event *Event) {}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event *Event)

func (f NotifierFunc) Publish(ctx context.Context, event *Event) {
	f(ctx, event)
}

// NotifierChain fans events out to several notifiers in order.
type NotifierChain struct {
	notifiers []Notifier
}

func NewNotifierChain(notifiers ...Notifier) *NotifierChain {
	return &NotifierChain{notifiers: notifiers}
}

// Add appends a notifier to the chain.
func (c *NotifierChain) Add(notifier Notifier) {
	c.notifiers = append(c.notifiers, notifier)
}

func (c *NotifierChain) Publish(ctx context.Context, event *Event) {
	for _, notifier := range c.notifiers {
		notifier.Publish(ctx, event)
	}
}
