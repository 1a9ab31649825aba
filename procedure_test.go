package tactus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProcedureValidation(t *testing.T) {
	t.Run("missing name returns error", func(t *testing.T) {
		_, err := New(Options{Script: "nil"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "name required")
	})

	t.Run("missing script returns error", func(t *testing.T) {
		_, err := New(Options{Name: "p"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "script required")
	})

	t.Run("duplicate agent names rejected", func(t *testing.T) {
		_, err := New(Options{
			Name:   "p",
			Script: "nil",
			Agents: []*AgentSpec{{Name: "a"}, {Name: "a"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate agent")
	})

	t.Run("agent names must be identifiers", func(t *testing.T) {
		_, err := New(Options{
			Name:   "p",
			Script: "nil",
			Agents: []*AgentSpec{{Name: "not valid"}},
		})
		require.Error(t, err)
	})

	t.Run("unknown param type rejected", func(t *testing.T) {
		_, err := New(Options{
			Name:   "p",
			Script: "nil",
			Params: []*Param{{Name: "x", Type: "uuid"}},
		})
		require.Error(t, err)
	})

	t.Run("bad custom step pattern rejected", func(t *testing.T) {
		_, err := New(Options{
			Name:   "p",
			Script: "nil",
			Steps:  []*CustomStep{{Pattern: "(", Script: "true"}},
		})
		require.Error(t, err)
	})
}

func TestLoadString(t *testing.T) {
	proc, err := LoadString(`
name: greeter
description: test procedure
params:
  - name: name
    type: string
    default: World
agents:
  - name: Greeter
    provider: openai
    model: gpt-4o-mini
    tools: [done]
script: |
  nil
specifications: |
  Feature: F
    Scenario: S
      Then the procedure should complete successfully
`)
	require.NoError(t, err)
	require.Equal(t, "greeter", proc.Name())
	require.Len(t, proc.Agents(), 1)

	agent, ok := proc.Agent("Greeter")
	require.True(t, ok)
	require.Equal(t, []string{"done"}, agent.Tools)
	require.NotEmpty(t, proc.Specifications())
}

func TestResolveParams(t *testing.T) {
	proc, err := New(Options{
		Name:   "p",
		Script: "nil",
		Params: []*Param{
			{Name: "name", Type: "string", Default: "World"},
			{Name: "count", Type: "number", Required: true},
		},
	})
	require.NoError(t, err)

	t.Run("applies defaults", func(t *testing.T) {
		resolved, err := proc.ResolveParams(map[string]any{"count": 3})
		require.NoError(t, err)
		require.Equal(t, "World", resolved["name"])
		require.Equal(t, int64(3), resolved["count"])
	})

	t.Run("missing required param", func(t *testing.T) {
		_, err := proc.ResolveParams(nil)
		require.Error(t, err)
		require.True(t, MatchesKind(err, ErrValidation))
	})

	t.Run("unknown param", func(t *testing.T) {
		_, err := proc.ResolveParams(map[string]any{"count": 1, "bogus": true})
		require.Error(t, err)
		require.True(t, MatchesKind(err, ErrValidation))
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := proc.ResolveParams(map[string]any{"count": "three"})
		require.Error(t, err)
		require.True(t, MatchesKind(err, ErrValidation))
	})
}
