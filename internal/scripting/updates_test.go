package scripting

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moonbridge/server/internal/core/ecs"
)

func newStoreAndQueue() (*ecs.Store, *UpdateQueue) {
	return ecs.NewStore(ecs.NewRegistry(), zap.NewNop()), NewUpdateQueue()
}

func TestReadThrough(t *testing.T) {
	store, q := newStoreAndQueue()
	e := store.Spawn()

	q.QueueSet(e, "position", map[string]any{"x": 5.0})

	base, baseOK := store.Get(e, "position")
	v, ok, removed := q.PeekPending(e, "position", base, baseOK)
	require.True(t, ok)
	require.False(t, removed)
	require.Equal(t, map[string]any{"x": 5.0}, v, "pending write must be visible before apply")

	// The store itself is untouched until the apply pass.
	_, ok = store.Get(e, "position")
	require.False(t, ok)
}

func TestPatchPreservation(t *testing.T) {
	store, q := newStoreAndQueue()
	e := store.Spawn()
	store.Set(e, "c", map[string]any{"a": 1.0, "b": 2.0})

	q.QueuePatch(e, "c", map[string]any{"b": 3.0})

	base, baseOK := store.Get(e, "c")
	v, ok, _ := q.PeekPending(e, "c", base, baseOK)
	require.True(t, ok)
	require.Equal(t, map[string]any{"a": 1.0, "b": 3.0}, v)

	q.Apply(store, zap.NewNop())
	got, ok := store.Get(e, "c")
	require.True(t, ok)
	require.Equal(t, map[string]any{"a": 1.0, "b": 3.0}, got)
}

func TestPatchMergesPendingNotCommitted(t *testing.T) {
	store, q := newStoreAndQueue()
	e := store.Spawn()
	store.Set(e, "c", map[string]any{"a": 1.0})

	// The patch must merge into the most recent pending value, never skip
	// back to the committed one.
	q.QueueSet(e, "c", map[string]any{"x": 10.0})
	q.QueuePatch(e, "c", map[string]any{"y": 20.0})

	base, baseOK := store.Get(e, "c")
	v, _, _ := q.PeekPending(e, "c", base, baseOK)
	require.Equal(t, map[string]any{"x": 10.0, "y": 20.0}, v)
}

func TestPatchReplacesNonRecord(t *testing.T) {
	store, q := newStoreAndQueue()
	e := store.Spawn()
	store.Set(e, "c", 42.0)

	q.QueuePatch(e, "c", map[string]any{"v": 1.0})
	q.Apply(store, zap.NewNop())

	got, _ := store.Get(e, "c")
	require.Equal(t, map[string]any{"v": 1.0}, got, "non-record base is replaced wholesale")
}

func TestLastWriterWins(t *testing.T) {
	store, q := newStoreAndQueue()
	e := store.Spawn()

	q.QueueSet(e, "hp", 1.0)
	q.QueueSet(e, "hp", 2.0)
	q.Apply(store, zap.NewNop())

	got, _ := store.Get(e, "hp")
	require.Equal(t, 2.0, got)
}

func TestRemoveThenReadThrough(t *testing.T) {
	store, q := newStoreAndQueue()
	e := store.Spawn()
	store.Set(e, "hp", 1.0)

	q.QueueRemove(e, "hp")
	base, baseOK := store.Get(e, "hp")
	_, ok, removed := q.PeekPending(e, "hp", base, baseOK)
	require.False(t, ok)
	require.True(t, removed)

	// Removing an absent component is idempotent.
	q.QueueRemove(e, "hp")
	q.Apply(store, zap.NewNop())
	require.False(t, store.Has(e, "hp"))
}

func TestDespawnRaceDropsUpdates(t *testing.T) {
	store, q := newStoreAndQueue()
	e := store.Spawn()

	q.QueueSet(e, "hp", 5.0)
	store.QueueDespawn(e)
	store.FlushDespawns()

	// Apply must drop the orphaned request silently.
	q.Apply(store, zap.NewNop())
	require.False(t, store.Alive(e))
	require.Empty(t, q.Drain())
}

func TestMergeValue(t *testing.T) {
	merged := MergeValue(
		map[string]any{"a": 1.0, "b": 2.0},
		map[string]any{"b": 3.0, "c": 4.0},
	)
	require.Equal(t, map[string]any{"a": 1.0, "b": 3.0, "c": 4.0}, merged)

	// Field-level, not deep: a nested record in the patch replaces the
	// nested record in the base.
	merged = MergeValue(
		map[string]any{"pos": map[string]any{"x": 1.0, "y": 1.0}},
		map[string]any{"pos": map[string]any{"x": 2.0}},
	)
	require.Equal(t, map[string]any{"pos": map[string]any{"x": 2.0}}, merged)

	require.Equal(t, "s", MergeValue(map[string]any{"a": 1.0}, "s"))
	require.Equal(t, map[string]any{"a": 1.0}, MergeValue(3.0, map[string]any{"a": 1.0}))
}
