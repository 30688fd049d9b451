package watch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moonbridge/server/internal/core/event"
)

func TestModulePathMapping(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, event.NewBus(), zap.NewNop())
	require.NoError(t, err)
	defer w.fsw.Close()

	mod, ok := w.modulePath(filepath.Join(root, "main.lua"))
	require.True(t, ok)
	require.Equal(t, "main", mod)

	mod, ok = w.modulePath(filepath.Join(root, "ai", "patrol.lua"))
	require.True(t, ok)
	require.Equal(t, "ai/patrol", mod)

	_, ok = w.modulePath(filepath.Join(root, "notes.txt"))
	require.False(t, ok)

	_, ok = w.modulePath(filepath.Join(t.TempDir(), "other.lua"))
	require.False(t, ok, "files outside the root are ignored")
}
