package campaign

import (
	"context"
	"sync"
	"time"
)

// InboundMessage is one inbound message from a subject.
type InboundMessage struct {
	SubjectID      string    `json:"subject_id"`
	DefinitionID   string    `json:"definition_id"`
	Body           string    `json:"body"`
	ReceivedAt     time.Time `json:"received_at"`
	CorrelationKey string    `json:"correlation_key,omitempty"`
}

// EventBuffer holds inbound messages per key in arrival order.
type EventBuffer interface {
	Append(ctx context.Context, key string, msgs ...InboundMessage) error

	// Drain atomically removes and returns every buffered message.
	Drain(ctx context.Context, key string) ([]InboundMessage, error)
	Len(ctx context.Context, key string) (int, error)
}

type MemoryEventBuffer struct {
	mutex  sync.Mutex
	events map[string][]InboundMessage
}

func NewMemoryEventBuffer() *MemoryEventBuffer {
	return &MemoryEventBuffer{events: map[string][]InboundMessage{}}
}

func (b *MemoryEventBuffer) Append(ctx context.Context, key string, msgs ...InboundMessage) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.events[key] = append(b.events[key], msgs...)
	return nil
}

func (b *MemoryEventBuffer) Drain(ctx context.Context, key string) ([]InboundMessage, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	msgs := b.events[key]
	delete(b.events, key)
	return msgs, nil
}

func (b *MemoryEventBuffer) Len(ctx context.Context, key string) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.events[key]), nil
}
