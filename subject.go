package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Subject is the addressable entity walked through a campaign, typically a
// lead. The engine mirrors its position onto the subject for other systems;
// the checkpoint remains authoritative.
type Subject struct {
	ID              string         `json:"id"`
	Address         string         `json:"address,omitempty"`
	CurrentNodeID   string         `json:"current_node_id,omitempty"`
	NodeState       map[string]any `json:"node_state,omitempty"`
	LastMessageBody string         `json:"last_message_body,omitempty"`
	LastMessageAt   *time.Time     `json:"last_message_at,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

// Map returns the subject as a plain map for script evaluation.
func (s *Subject) Map() map[string]any {
	m := map[string]any{
		"id":                s.ID,
		"address":           s.Address,
		"current_node_id":   s.CurrentNodeID,
		"last_message_body": s.LastMessageBody,
		"attributes":        copyMap(s.Attributes),
	}
	if m["attributes"] == nil {
		m["attributes"] = map[string]any{}
	}
	return m
}

// SubjectUpdate carries mirrored fields. Nil fields are left untouched.
type SubjectUpdate struct {
	CurrentNodeID   *string
	NodeState       map[string]any
	LastMessageBody *string
	LastMessageAt   *time.Time
}

// SubjectStore reads subjects and writes the mirrored fields.
type SubjectStore interface {
	GetSubject(ctx context.Context, id string) (*Subject, error)
	UpdateSubject(ctx context.Context, id string, update SubjectUpdate) error
}

// MemorySubjectStore keeps subjects in memory. Unknown subjects are created
// on first update so inbound messages can arrive before any registration.
type MemorySubjectStore struct {
	mutex    sync.RWMutex
	subjects map[string]*Subject
}

func NewMemorySubjectStore(subjects ...*Subject) *MemorySubjectStore {
	s := &MemorySubjectStore{subjects: map[string]*Subject{}}
	for _, subject := range subjects {
		s.subjects[subject.ID] = subject
	}
	return s
}

// PutSubject registers or replaces a subject.
func (s *MemorySubjectStore) PutSubject(subject *Subject) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.subjects[subject.ID] = subject
}

func (s *MemorySubjectStore) GetSubject(ctx context.Context, id string) (*Subject, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	subject, ok := s.subjects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, id)
	}
	c := *subject
	c.NodeState = copyMap(subject.NodeState)
	c.Attributes = copyMap(subject.Attributes)
	c.LastMessageAt = copyTime(subject.LastMessageAt)
	return &c, nil
}

func (s *MemorySubjectStore) UpdateSubject(ctx context.Context, id string, update SubjectUpdate) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	subject, ok := s.subjects[id]
	if !ok {
		subject = &Subject{ID: id}
		s.subjects[id] = subject
	}
	if update.CurrentNodeID != nil {
		subject.CurrentNodeID = *update.CurrentNodeID
	}
	if update.NodeState != nil {
		subject.NodeState = copyMap(update.NodeState)
	}
	if update.LastMessageBody != nil {
		subject.LastMessageBody = *update.LastMessageBody
	}
	if update.LastMessageAt != nil {
		subject.LastMessageAt = copyTime(update.LastMessageAt)
	}
	return nil
}
