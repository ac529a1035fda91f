package campaign

import (
	"context"
	"time"
)

// StepLogEntry records one node execution.
type StepLogEntry struct {
	ID           string          `json:"id"`
	CheckpointID string          `json:"checkpoint_id"`
	SubjectID    string          `json:"subject_id"`
	DefinitionID string          `json:"definition_id"`
	NodeID       string          `json:"node_id"`
	NodeType     NodeType        `json:"node_type"`
	Trigger      TriggerType     `json:"trigger"`
	Status       ExecutionStatus `json:"status,omitempty"`
	Edge         string          `json:"edge,omitempty"`
	Output       map[string]any  `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	Duration     float64         `json:"duration"`
}

// StepLogger is a journal of node executions per subject.
type StepLogger interface {
	LogStep(ctx context.Context, entry *StepLogEntry) error
	GetStepHistory(ctx context.Context, subjectID string) ([]*StepLogEntry, error)
}

// NullStepLogger discards entries.
type NullStepLogger struct{}

func (NullStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	return nil
}

func (NullStepLogger) GetStepHistory(ctx context.Context, subjectID string) ([]*StepLogEntry, error) {
	return nil, nil
}
