package tactus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*ToolRegistry, *EventLog) {
	t.Helper()
	events := NewEventLog("inv-1")
	journal := NewJournal("inv-1", NewMemoryStorage(), events)
	return NewToolRegistry(events, journal), events
}

func TestToolRegistryRegisterAndCall(t *testing.T) {
	ctx := context.Background()
	registry, events := newTestRegistry(t)

	invoked := 0
	echo := NewToolFunction("echo", "echoes arguments", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			invoked++
			return map[string]any{"echo": args["text"]}, nil
		})
	require.NoError(t, registry.Register(echo))

	result, err := registry.Call(ctx, "agent-a", "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"echo": "hi"}, result)
	require.Equal(t, 1, invoked)

	require.True(t, registry.Called("echo"))
	require.False(t, registry.Called("other"))

	last := registry.LastCall("echo")
	require.NotNil(t, last)
	require.Equal(t, "agent-a", last.Agent)
	require.Equal(t, map[string]any{"text": "hi"}, last.Arguments)

	require.Len(t, registry.CallsOf("echo"), 1)
	require.Equal(t, 1, events.CountByType(EventToolCall))
}

func TestToolRegistryDuplicateName(t *testing.T) {
	registry, _ := newTestRegistry(t)
	require.NoError(t, registry.Register(NewDoneTool()))
	err := registry.Register(NewDoneTool())
	require.Error(t, err)
	require.True(t, MatchesKind(err, ErrValidation))
}

func TestToolRegistryUnknownTool(t *testing.T) {
	registry, events := newTestRegistry(t)
	_, err := registry.Call(context.Background(), "", "nope", nil)
	require.Error(t, err)
	require.True(t, MatchesKind(err, ErrTool) || MatchesKind(err, ErrValidation))

	// Failures still record a tool_call event.
	require.Equal(t, 1, events.CountByType(EventToolCall))
}

func TestToolRegistryErrorSurfacesAsToolError(t *testing.T) {
	registry, _ := newTestRegistry(t)
	failing := NewToolFunction("fail", "", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, NewError(ErrTool, "broke")
		})
	require.NoError(t, registry.Register(failing))

	_, err := registry.Call(context.Background(), "", "fail", nil)
	require.Error(t, err)
	require.True(t, MatchesKind(err, ErrTool))

	last := registry.LastCall("fail")
	require.NotNil(t, last)
	require.Contains(t, last.Error, "broke")
}

func TestToolRegistryReplayDoesNotReinvoke(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	invoked := 0
	tool := NewToolFunction("count", "", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			invoked++
			return int64(invoked), nil
		})

	first := NewToolRegistry(NewEventLog("inv-1"), NewJournal("inv-1", storage, nil))
	require.NoError(t, first.Register(tool))
	result, err := first.Call(ctx, "", "count", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), result)

	replayEvents := NewEventLog("inv-1")
	replay := NewToolRegistry(replayEvents, NewJournal("inv-1", storage, nil))
	require.NoError(t, replay.Register(tool))
	result, err = replay.Call(ctx, "", "count", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), result)
	require.Equal(t, 1, invoked)

	// Replay re-emits the same observable event.
	require.Equal(t, 1, replayEvents.CountByType(EventToolCall))
	require.True(t, replay.Called("count"))
}

func TestMockToolRegistry(t *testing.T) {
	ctx := context.Background()
	events := NewEventLog("inv-1")
	journal := NewJournal("inv-1", NewMemoryStorage(), events)

	config := NewMockToolConfig().
		Respond("search", map[string]any{"hits": []any{"a"}}).
		RespondExact("search", map[string]any{"q": "exact"}, map[string]any{"hits": []any{"b"}})
	registry := NewMockToolRegistry(events, journal, config)

	t.Run("exact match wins", func(t *testing.T) {
		result, err := registry.Call(ctx, "", "search", map[string]any{"q": "exact"})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"hits": []any{"b"}}, result)
	})

	t.Run("per-tool default", func(t *testing.T) {
		result, err := registry.Call(ctx, "", "search", map[string]any{"q": "other"})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"hits": []any{"a"}}, result)
	})

	t.Run("global default for unmatched tools", func(t *testing.T) {
		result, err := registry.Call(ctx, "", "anything", nil)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"ok": true}, result)
	})
}

func TestTodoTool(t *testing.T) {
	ctx := context.Background()
	state := NewStateStore(NewEventLog("inv-1"))
	todo := NewTodoTool(state)

	result, err := todo.Invoke(ctx, map[string]any{"op": "add", "item": "write tests"})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.(map[string]any)["size"])

	result, err = todo.Invoke(ctx, map[string]any{"op": "next"})
	require.NoError(t, err)
	require.Equal(t, "write tests", result.(map[string]any)["item"])

	result, err = todo.Invoke(ctx, map[string]any{"op": "next"})
	require.NoError(t, err)
	require.Nil(t, result.(map[string]any)["item"])

	_, err = todo.Invoke(ctx, map[string]any{"op": "bogus"})
	require.Error(t, err)
}
