package tactus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateStoreBasics(t *testing.T) {
	events := NewEventLog("inv-1")
	state := NewStateStore(events)

	require.Nil(t, state.Get("missing"))
	require.False(t, state.Has("missing"))

	require.NoError(t, state.Set("name", "Ada"))
	require.Equal(t, "Ada", state.Get("name"))
	require.True(t, state.Has("name"))

	require.NoError(t, state.Set("count", 2))
	require.Equal(t, int64(2), state.Get("count"))
}

func TestStateStoreIncr(t *testing.T) {
	state := NewStateStore(NewEventLog("inv-1"))

	value, err := state.Incr("n", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), value)

	value, err = state.Incr("n", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), value)

	value, err = state.Incr("n", 0.5)
	require.NoError(t, err)
	require.Equal(t, 3.5, value)

	require.NoError(t, state.Set("text", "abc"))
	_, err = state.Incr("text", 1)
	require.Error(t, err)
	require.True(t, MatchesKind(err, ErrValidation))
}

func TestStateStoreRejectsNonJSONValues(t *testing.T) {
	state := NewStateStore(NewEventLog("inv-1"))
	err := state.Set("bad", func() {})
	require.Error(t, err)
	require.True(t, MatchesKind(err, ErrValidation))
}

func TestStateStoreMutationsEmitEvents(t *testing.T) {
	events := NewEventLog("inv-1")
	state := NewStateStore(events)

	require.NoError(t, state.Set("k", 1))
	_, err := state.Incr("k", 1)
	require.NoError(t, err)
	state.Clear()

	// Reads emit nothing.
	state.Get("k")
	state.Dump()

	require.Equal(t, 3, events.CountByType(EventLogMessage))
}

func TestStateStoreDumpAndKeys(t *testing.T) {
	state := NewStateStore(NewEventLog("inv-1"))
	require.NoError(t, state.Set("b", 2))
	require.NoError(t, state.Set("a", 1))

	require.Equal(t, []string{"a", "b"}, state.Keys())
	require.Equal(t, map[string]any{"a": int64(1), "b": int64(2)}, state.Dump())
}

func TestNormalizeJSONValue(t *testing.T) {
	t.Run("keeps integral numbers as int64", func(t *testing.T) {
		value, err := normalizeJSONValue(map[string]any{"n": 3})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"n": int64(3)}, value)
	})

	t.Run("structs become maps", func(t *testing.T) {
		value, err := normalizeJSONValue(struct {
			Name string `json:"name"`
		}{Name: "x"})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"name": "x"}, value)
	})
}
