package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
name = "testworld"
tick_rate = 100000000 # 100ms in nanoseconds

[scripts]
dir = "game/scripts"
entry = "boot"
watch = false
seed = "world.yaml"

[logging]
level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "testworld", cfg.Server.Name)
	require.Equal(t, 100*time.Millisecond, cfg.Server.TickRate)
	require.Equal(t, "game/scripts", cfg.Scripts.Dir)
	require.Equal(t, "boot", cfg.Scripts.Entry)
	require.False(t, cfg.Scripts.Watch)
	require.Equal(t, "world.yaml", cfg.Scripts.Seed)
	require.Equal(t, "debug", cfg.Logging.Level)

	// Unset sections keep their defaults.
	require.Equal(t, uint64(64), cfg.Query.RemovalHorizon)
	require.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
