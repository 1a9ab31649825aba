package tactus

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
)

// StateStore is the scoped key/value map owned by one invocation. Values are
// restricted to JSON-serialisable shapes so they can be journalled. Each
// mutation emits a log-class event; reads do not.
type StateStore struct {
	mu     sync.Mutex
	values map[string]any
	events *EventLog
}

func NewStateStore(events *EventLog) *StateStore {
	return &StateStore{
		values: map[string]any{},
		events: events,
	}
}

// Get returns the value for key, or nil when absent.
func (s *StateStore) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Set stores a JSON-serialisable value under key.
func (s *StateStore) Set(key string, value any) error {
	normalized, err := normalizeJSONValue(value)
	if err != nil {
		return NewError(ErrValidation, "state value for %q is not JSON-serialisable: %v", key, err)
	}

	s.mu.Lock()
	s.values[key] = normalized
	s.mu.Unlock()

	s.emit("set", key, normalized)
	return nil
}

// Incr adds delta to the numeric value under key, treating a missing key as
// zero, and returns the new value.
func (s *StateStore) Incr(key string, delta float64) (any, error) {
	s.mu.Lock()
	current, exists := s.values[key]
	if !exists {
		current = int64(0)
	}

	var result any
	switch v := current.(type) {
	case int64:
		if delta == float64(int64(delta)) {
			result = v + int64(delta)
		} else {
			result = float64(v) + delta
		}
	case float64:
		result = v + delta
	case int:
		if delta == float64(int64(delta)) {
			result = int64(v) + int64(delta)
		} else {
			result = float64(v) + delta
		}
	default:
		s.mu.Unlock()
		return nil, NewError(ErrValidation, "state key %q holds non-numeric value %T", key, current)
	}
	s.values[key] = result
	s.mu.Unlock()

	s.emit("incr", key, result)
	return result, nil
}

// Has reports whether key is present.
func (s *StateStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

// Clear removes every entry.
func (s *StateStore) Clear() {
	s.mu.Lock()
	s.values = map[string]any{}
	s.mu.Unlock()

	s.emit("clear", "", nil)
}

// Dump returns a shallow copy of the full map.
func (s *StateStore) Dump() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns all keys in sorted order.
func (s *StateStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *StateStore) emit(op, key string, value any) {
	if s.events == nil {
		return
	}
	payload := map[string]any{"scope": "state", "op": op}
	if key != "" {
		payload["key"] = key
	}
	if value != nil {
		payload["value"] = value
	}
	s.events.Append(EventLogMessage, payload)
}

// normalizeJSONValue round-trips a value through JSON so stored state has
// the same shape a journal replay would produce. Integral numbers are kept
// as int64.
func normalizeJSONValue(value any) (any, error) {
	switch v := value.(type) {
	case nil, bool, string, int64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return convertNumbers(out), nil
}

func convertNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i, item := range v {
			v[i] = convertNumbers(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = convertNumbers(item)
		}
		return v
	default:
		return v
	}
}
