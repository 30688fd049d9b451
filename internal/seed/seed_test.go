package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moonbridge/server/internal/core/ecs"
)

func TestLoadAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
native_types:
  - position
  - velocity
entities:
  - components:
      position: {x: 1, y: 2}
      tag: "spawn_point"
  - components:
      position: {x: 3, y: 4}
      velocity: {x: 0, y: 0}
`), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"position", "velocity"}, f.NativeTypes)
	require.Len(t, f.Entities, 2)

	store := ecs.NewStore(ecs.NewRegistry(), zap.NewNop())
	spawned := f.Apply(store)
	require.Len(t, spawned, 2)

	_, ok := store.Registry().Lookup("position")
	require.True(t, ok)
	_, ok = store.Registry().Lookup("velocity")
	require.True(t, ok)

	pos, ok := store.Get(spawned[0], "position")
	require.True(t, ok)
	require.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, pos, "numbers normalize to float64")

	tag, ok := store.Get(spawned[0], "tag")
	require.True(t, ok)
	require.Equal(t, "spawn_point", tag)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
