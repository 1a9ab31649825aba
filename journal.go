package tactus

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Journal is the checkpoint journal for one invocation. Every journallable
// primitive consults it first: on hit the stored value is returned without
// side effects, on miss the effect runs and its result is written. Once
// written, a step's value is immutable.
type Journal struct {
	mu           sync.Mutex
	invocationID string
	entries      map[string]any
	counters     map[string]int
	storage      Storage
	events       *EventLog
}

func NewJournal(invocationID string, storage Storage, events *EventLog) *Journal {
	return &Journal{
		invocationID: invocationID,
		entries:      map[string]any{},
		counters:     map[string]int{},
		storage:      storage,
		events:       events,
	}
}

// NextStepID derives the deterministic step ID for the next occurrence of
// key within this invocation: "<key>:<ordinal>". Deterministic scripts
// produce identical step IDs run-to-run, which is what makes replay work.
func (j *Journal) NextStepID(key string) string {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.counters[key]++
	return fmt.Sprintf("%s:%d", key, j.counters[key])
}

// ResetCounters clears the per-key ordinals, so the next occurrence of
// every key is numbered from 1 again.
func (j *Journal) ResetCounters() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.counters = map[string]int{}
}

// Lookup returns the journalled value for stepID, consulting memory first
// and then the storage backend.
func (j *Journal) Lookup(ctx context.Context, stepID string) (any, bool, error) {
	j.mu.Lock()
	if value, ok := j.entries[stepID]; ok {
		j.mu.Unlock()
		return value, true, nil
	}
	j.mu.Unlock()

	if j.storage == nil {
		return nil, false, nil
	}
	value, ok, err := j.storage.ReadCheckpoint(ctx, j.invocationID, stepID)
	if err != nil {
		return nil, false, WrapError(ErrInternal, err)
	}
	if !ok {
		return nil, false, nil
	}
	normalized, err := normalizeJSONValue(value)
	if err != nil {
		return nil, false, NewError(ErrCheckpointConflict, "stored value for step %q is not decodable: %v", stepID, err)
	}
	j.mu.Lock()
	j.entries[stepID] = normalized
	j.mu.Unlock()
	return normalized, true, nil
}

// Write journals a value under stepID. Writing a different value to an
// existing step is a CheckpointConflict.
func (j *Journal) Write(ctx context.Context, stepID string, value any) error {
	normalized, err := normalizeJSONValue(value)
	if err != nil {
		return NewError(ErrValidation, "step %q result is not JSON-serialisable: %v", stepID, err)
	}

	j.mu.Lock()
	if existing, ok := j.entries[stepID]; ok {
		j.mu.Unlock()
		if reflect.DeepEqual(existing, normalized) {
			return nil
		}
		return NewError(ErrCheckpointConflict, "step %q already journalled with a different value", stepID)
	}
	j.entries[stepID] = normalized
	j.mu.Unlock()

	if j.storage != nil {
		if err := j.storage.WriteCheckpoint(ctx, j.invocationID, stepID, normalized); err != nil {
			return WrapError(ErrInternal, err)
		}
	}
	if j.events != nil {
		j.events.Append(EventCheckpointWritten, map[string]any{"step_id": stepID})
	}
	return nil
}

// Step is the read-through helper every journallable primitive uses: derive
// the next step ID for key, replay on hit, otherwise run fn and journal its
// result. A crash between effect and write means the effect repeats on
// resume; callers needing exactly-once external effects must be idempotent.
func (j *Journal) Step(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	stepID := j.NextStepID(key)
	if value, ok, err := j.Lookup(ctx, stepID); err != nil {
		return nil, err
	} else if ok {
		return value, nil
	}
	value, err := fn()
	if err != nil {
		return nil, err
	}
	if err := j.Write(ctx, stepID, value); err != nil {
		return nil, err
	}
	normalized, _ := normalizeJSONValue(value)
	return normalized, nil
}

// RunOnce is the named-checkpoint variant backing Step.run: the step ID is
// the key itself, so calling it n times with the same name runs fn exactly
// once per invocation.
func (j *Journal) RunOnce(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	if value, ok, err := j.Lookup(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return value, nil
	}
	value, err := fn()
	if err != nil {
		return nil, err
	}
	if err := j.Write(ctx, key, value); err != nil {
		return nil, err
	}
	normalized, _ := normalizeJSONValue(value)
	return normalized, nil
}

// DecodeStep re-types a journalled JSON value into target, for primitives
// that journal structured results. A shape mismatch is a CheckpointConflict.
func DecodeStep(value any, target any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return NewError(ErrCheckpointConflict, "journalled value cannot be re-encoded: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return NewError(ErrCheckpointConflict, "journalled value does not match expected shape: %v", err)
	}
	return nil
}
