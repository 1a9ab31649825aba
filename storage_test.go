package tactus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// storageConformance exercises the full Storage contract against a backend.
func storageConformance(t *testing.T, storage Storage) {
	ctx := context.Background()

	t.Run("missing records load as nil", func(t *testing.T) {
		record, err := storage.LoadInvocation(ctx, "inv_missing")
		require.NoError(t, err)
		require.Nil(t, record)

		_, ok, err := storage.ReadCheckpoint(ctx, "inv_missing", "s:1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("invocation round trip", func(t *testing.T) {
		record := &InvocationRecord{
			ID:         "inv_1",
			Definition: "greeter",
			Params:     map[string]any{"name": "World"},
			Status:     "running",
			CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, storage.SaveInvocation(ctx, record))

		loaded, err := storage.LoadInvocation(ctx, "inv_1")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		require.Equal(t, record.ID, loaded.ID)
		require.Equal(t, record.Definition, loaded.Definition)
		require.Equal(t, "running", loaded.Status)

		// Save is an upsert.
		record.Status = "completed"
		record.Result = map[string]any{"ok": true}
		record.CompletedAt = time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, storage.SaveInvocation(ctx, record))

		loaded, err = storage.LoadInvocation(ctx, "inv_1")
		require.NoError(t, err)
		require.Equal(t, "completed", loaded.Status)

		records, err := storage.ListInvocations(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
	})

	t.Run("events append and read", func(t *testing.T) {
		for seq := 1; seq <= 3; seq++ {
			require.NoError(t, storage.AppendEvent(ctx, "inv_1", Event{
				Type:         EventLogMessage,
				Timestamp:    time.Now().UTC(),
				InvocationID: "inv_1",
				Seq:          seq,
				Payload:      map[string]any{"n": seq},
			}))
		}
		events, err := storage.ReadEvents(ctx, "inv_1", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, 2, events[0].Seq)
		require.Equal(t, 3, events[1].Seq)
	})

	t.Run("event append is idempotent per seq", func(t *testing.T) {
		require.NoError(t, storage.AppendEvent(ctx, "inv_1", Event{
			Type:         EventLogMessage,
			Timestamp:    time.Now().UTC(),
			InvocationID: "inv_1",
			Seq:          3,
			Payload:      map[string]any{"n": 33},
		}))
		events, err := storage.ReadEvents(ctx, "inv_1", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
	})

	t.Run("checkpoint round trip", func(t *testing.T) {
		require.NoError(t, storage.WriteCheckpoint(ctx, "inv_1", "tool.echo:1", map[string]any{"ok": true}))
		value, ok, err := storage.ReadCheckpoint(ctx, "inv_1", "tool.echo:1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, map[string]any{"ok": true}, value)
	})

	t.Run("delete removes everything", func(t *testing.T) {
		require.NoError(t, storage.DeleteInvocation(ctx, "inv_1"))

		record, err := storage.LoadInvocation(ctx, "inv_1")
		require.NoError(t, err)
		require.Nil(t, record)

		events, err := storage.ReadEvents(ctx, "inv_1", 0)
		require.NoError(t, err)
		require.Empty(t, events)

		_, ok, err := storage.ReadCheckpoint(ctx, "inv_1", "tool.echo:1")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestMemoryStorage(t *testing.T) {
	storageConformance(t, NewMemoryStorage())
}

func TestFileStorage(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	storageConformance(t, storage)
}

func TestSQLiteStorage(t *testing.T) {
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "tactus.db"))
	require.NoError(t, err)
	defer storage.Close()
	storageConformance(t, storage)
}

func TestFileStorageSanitizesStepIDs(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, storage.WriteCheckpoint(ctx, "inv_2", "agent.turn.Greeter:12", "v"))
	value, ok, err := storage.ReadCheckpoint(ctx, "inv_2", "agent.turn.Greeter:12")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", value)
}
