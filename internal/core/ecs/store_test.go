package ecs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore() *Store {
	return NewStore(NewRegistry(), zap.NewNop())
}

func TestGenerationSafety(t *testing.T) {
	s := newTestStore()
	e := s.Spawn()
	require.True(t, s.Set(e, "tag", "alpha"))

	s.QueueDespawn(e)
	destroyed := s.FlushDespawns()
	require.Equal(t, []EntityID{e}, destroyed)
	require.False(t, s.Alive(e))

	// The recycled index gets a new generation; the stale handle must fail
	// lookups rather than touch the new entity.
	e2 := s.Spawn()
	require.Equal(t, e.Index(), e2.Index())
	require.NotEqual(t, e.Generation(), e2.Generation())

	_, ok := s.Get(e, "tag")
	require.False(t, ok)
	require.False(t, s.Set(e, "tag", "stale"))

	_, ok = s.Get(e2, "tag")
	require.False(t, ok, "recycled entity must not inherit components")
}

func TestNativeAndDynamicComponents(t *testing.T) {
	s := newTestStore()
	s.Registry().Register("position")

	e := s.Spawn()
	require.True(t, s.Set(e, "position", map[string]any{"x": 1.0, "y": 2.0}))
	require.True(t, s.Set(e, "label", "torch"))

	pos, ok := s.Get(e, "position")
	require.True(t, ok)
	require.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, pos)

	label, ok := s.Get(e, "label")
	require.True(t, ok)
	require.Equal(t, "torch", label)

	names := s.ComponentNames(e)
	require.ElementsMatch(t, []string{"position", "label"}, names)

	// Removing the native component moves the entity but keeps the
	// dynamic container intact.
	require.True(t, s.Remove(e, "position"))
	require.False(t, s.Has(e, "position"))
	require.True(t, s.Has(e, "label"))
}

func TestWriteTicks(t *testing.T) {
	s := newTestStore()
	s.Registry().Register("hp")
	e := s.Spawn()

	require.Equal(t, Tick(1), s.Tick())
	s.Set(e, "hp", 10.0)
	tk, ok := s.Ticks(e, "hp")
	require.True(t, ok)
	require.Equal(t, Tick(1), tk.Added)
	require.Equal(t, Tick(1), tk.Written)

	s.AdvanceTick()
	s.Set(e, "hp", 9.0)
	tk, ok = s.Ticks(e, "hp")
	require.True(t, ok)
	require.Equal(t, Tick(1), tk.Added, "added tick is stamped once")
	require.Equal(t, Tick(2), tk.Written)

	// Dynamic cells carry the same bookkeeping.
	s.Set(e, "mood", "calm")
	tk, ok = s.Ticks(e, "mood")
	require.True(t, ok)
	require.Equal(t, Tick(2), tk.Added)
	require.Equal(t, Tick(2), tk.Written)
}

func TestRemovalLedger(t *testing.T) {
	s := newTestStore()
	e := s.Spawn()
	s.Set(e, "buff", "haste")

	s.AdvanceTick() // tick 2
	require.True(t, s.Remove(e, "buff"))
	require.False(t, s.Remove(e, "buff"), "removing an absent component is a no-op")

	require.Equal(t, []EntityID{e}, s.RemovedSince("buff", 1, 2))
	require.Empty(t, s.RemovedSince("buff", 2, 3), "window is (since, upTo]")
	require.Empty(t, s.RemovedSince("other", 1, 2))
}

func TestDespawnRecordsRemovals(t *testing.T) {
	s := newTestStore()
	s.Registry().Register("hp")
	e := s.Spawn()
	s.Set(e, "hp", 5.0)
	s.Set(e, "label", "rat")

	s.AdvanceTick() // tick 2
	s.QueueDespawn(e)
	s.FlushDespawns()

	require.Equal(t, []EntityID{e}, s.RemovedSince("hp", 1, 2))
	require.Equal(t, []EntityID{e}, s.RemovedSince("label", 1, 2))

	// Ledger entries survive the entity; handles returned are stale.
	require.False(t, s.Alive(e))
}

func TestPruneRemovals(t *testing.T) {
	s := newTestStore()
	e := s.Spawn()
	s.Set(e, "a", 1.0)
	s.Remove(e, "a") // removed at tick 1

	for i := 0; i < 10; i++ {
		s.AdvanceTick()
	}
	s.PruneRemovals(5)
	require.Empty(t, s.RemovedSince("a", 0, s.Tick()))
}

func TestDoubleDespawnIsHarmless(t *testing.T) {
	s := newTestStore()
	e := s.Spawn()
	s.QueueDespawn(e)
	s.QueueDespawn(e)
	destroyed := s.FlushDespawns()
	require.Equal(t, []EntityID{e}, destroyed)
}
