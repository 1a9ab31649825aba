package tactus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionAppendAndHistory(t *testing.T) {
	session := NewSession("greeter")
	session.Append(Message{Role: RoleUser, Content: "hello"})
	session.Append(Message{Role: RoleAssistant, Content: "hi", Visibility: VisibilityChat})

	history := session.History()
	require.Len(t, history, 2)
	// Default visibility is CHAT.
	require.Equal(t, VisibilityChat, history[0].Visibility)

	session.Clear()
	require.Zero(t, session.Len())
}

func TestSessionInjectSystem(t *testing.T) {
	session := NewSession("greeter")
	session.InjectSystem("be brief")

	history := session.History()
	require.Len(t, history, 1)
	require.Equal(t, RoleSystem, history[0].Role)
	require.Equal(t, VisibilityInternal, history[0].Visibility)
}

func TestSessionSaveLoadRoundTrip(t *testing.T) {
	state := NewStateStore(NewEventLog("inv-1"))
	session := NewSession("greeter")
	session.Append(Message{Role: RoleUser, Content: "hello"})
	session.Append(Message{
		Role:    RoleAssistant,
		Content: "calling tool",
		ToolCalls: []ToolCallRef{
			{ID: "tc-1", Name: "done", Arguments: map[string]any{"reason": "finished"}},
		},
	})
	session.Append(Message{Role: RoleTool, Content: `{"ok":true}`, ToolCallID: "tc-1", ToolName: "done"})

	require.NoError(t, session.SaveTo(state, "snapshot"))

	restored := NewSession("greeter")
	require.NoError(t, restored.LoadFrom(state, "snapshot"))
	require.Equal(t, session.History(), restored.History())
}

func TestSessionLoadFromMissingKey(t *testing.T) {
	state := NewStateStore(NewEventLog("inv-1"))
	session := NewSession("greeter")
	err := session.LoadFrom(state, "nope")
	require.Error(t, err)
	require.True(t, MatchesKind(err, ErrValidation))
}
