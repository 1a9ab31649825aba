package tactus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestJournal() (*Journal, *EventLog) {
	events := NewEventLog("inv-1")
	return NewJournal("inv-1", NewMemoryStorage(), events), events
}

func TestJournalStepIDDerivation(t *testing.T) {
	journal, _ := newTestJournal()
	require.Equal(t, "tool.fetch:1", journal.NextStepID("tool.fetch"))
	require.Equal(t, "tool.fetch:2", journal.NextStepID("tool.fetch"))
	require.Equal(t, "tool.save:1", journal.NextStepID("tool.save"))
}

func TestJournalReadThrough(t *testing.T) {
	ctx := context.Background()
	journal, events := newTestJournal()

	calls := 0
	fn := func() (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	first, err := journal.Step(ctx, "step", fn)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": int64(1)}, first)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, events.CountByType(EventCheckpointWritten))

	// A second call to the same key gets a new ordinal and runs again.
	_, err = journal.Step(ctx, "step", fn)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestJournalRunOnce(t *testing.T) {
	ctx := context.Background()
	journal, _ := newTestJournal()

	calls := 0
	fn := func() (any, error) {
		calls++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		value, err := journal.RunOnce(ctx, "step.deploy", fn)
		require.NoError(t, err)
		require.Equal(t, "value", value)
	}
	require.Equal(t, 1, calls)
}

func TestJournalReplayFromStorage(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	events := NewEventLog("inv-1")

	original := NewJournal("inv-1", storage, events)
	_, err := original.Step(ctx, "tool.fetch", func() (any, error) {
		return map[string]any{"status": "ok"}, nil
	})
	require.NoError(t, err)

	// A fresh journal over the same storage replays without the effect.
	replayed := NewJournal("inv-1", storage, NewEventLog("inv-1"))
	value, err := replayed.Step(ctx, "tool.fetch", func() (any, error) {
		t.Fatal("effect must not re-run on replay")
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "ok"}, value)
}

func TestJournalImmutability(t *testing.T) {
	ctx := context.Background()
	journal, _ := newTestJournal()

	require.NoError(t, journal.Write(ctx, "s:1", "a"))
	// Re-writing the same value is a no-op.
	require.NoError(t, journal.Write(ctx, "s:1", "a"))

	err := journal.Write(ctx, "s:1", "b")
	require.Error(t, err)
	require.True(t, MatchesKind(err, ErrCheckpointConflict))
}

func TestJournalErrorsAreNotJournalled(t *testing.T) {
	ctx := context.Background()
	journal, _ := newTestJournal()

	calls := 0
	_, err := journal.Step(ctx, "flaky", func() (any, error) {
		calls++
		return nil, NewError(ErrTool, "boom")
	})
	require.Error(t, err)

	// The next occurrence retries the effect at a new ordinal; the failed
	// ordinal left nothing behind.
	_, err = journal.Step(ctx, "flaky", func() (any, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestDecodeStep(t *testing.T) {
	var result CompletionResult
	require.NoError(t, DecodeStep(map[string]any{
		"text":          "hi",
		"finish_reason": "stop",
	}, &result))
	require.Equal(t, "hi", result.Text)
	require.Equal(t, "stop", result.FinishReason)

	err := DecodeStep(map[string]any{"text": 42}, &result)
	require.Error(t, err)
	require.True(t, MatchesKind(err, ErrCheckpointConflict))
}
