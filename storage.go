package tactus

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InvocationRecord is the persisted summary of one invocation. Events and
// checkpoints are stored separately, referenced by invocation ID.
type InvocationRecord struct {
	ID          string         `json:"id"`
	Definition  string         `json:"definition_ref"`
	Params      map[string]any `json:"params,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Storage is the durable backend the runtime consumes. All operations are
// expected to be durable; atomicity is required only per individual call.
// Load and Read operations return ok=false / nil rather than an error when
// the requested record does not exist.
type Storage interface {
	SaveInvocation(ctx context.Context, record *InvocationRecord) error
	LoadInvocation(ctx context.Context, id string) (*InvocationRecord, error)
	ListInvocations(ctx context.Context) ([]*InvocationRecord, error)
	AppendEvent(ctx context.Context, id string, event Event) error
	ReadEvents(ctx context.Context, id string, sinceSeq int) ([]Event, error)
	WriteCheckpoint(ctx context.Context, id, stepID string, value any) error
	ReadCheckpoint(ctx context.Context, id, stepID string) (any, bool, error)
	DeleteInvocation(ctx context.Context, id string) error
}

// MemoryStorage is the in-memory backend used by tests and mock mode.
type MemoryStorage struct {
	mu          sync.RWMutex
	records     map[string]*InvocationRecord
	events      map[string][]Event
	checkpoints map[string]map[string]any
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records:     map[string]*InvocationRecord{},
		events:      map[string][]Event{},
		checkpoints: map[string]map[string]any{},
	}
}

func (s *MemoryStorage) SaveInvocation(ctx context.Context, record *InvocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records[record.ID] = &copied
	return nil
}

func (s *MemoryStorage) LoadInvocation(ctx context.Context, id string) (*InvocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStorage) ListInvocations(ctx context.Context) ([]*InvocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*InvocationRecord, 0, len(s.records))
	for _, record := range s.records {
		copied := *record
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// AppendEvent is idempotent per (id, seq): a resumed invocation re-emits
// its replayed events with the same sequence numbers, and last write wins.
func (s *MemoryStorage) AppendEvent(ctx context.Context, id string, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[id]
	for i, existing := range events {
		if existing.Seq == event.Seq {
			events[i] = event
			return nil
		}
	}
	s.events[id] = append(events, event)
	return nil
}

func (s *MemoryStorage) ReadEvents(ctx context.Context, id string, sinceSeq int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, event := range s.events[id] {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *MemoryStorage) WriteCheckpoint(ctx context.Context, id, stepID string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoints[id] == nil {
		s.checkpoints[id] = map[string]any{}
	}
	s.checkpoints[id][stepID] = value
	return nil
}

func (s *MemoryStorage) ReadCheckpoint(ctx context.Context, id, stepID string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.checkpoints[id]
	if !ok {
		return nil, false, nil
	}
	value, ok := values[stepID]
	return value, ok, nil
}

func (s *MemoryStorage) DeleteInvocation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.events, id)
	delete(s.checkpoints, id)
	return nil
}
