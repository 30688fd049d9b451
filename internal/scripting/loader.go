package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SourceLoader reads module source text by script path. Implementations may
// return ErrPending after kicking off an asynchronous fetch; the host parks
// the requesting call and resumes it when the bytes are delivered.
type SourceLoader interface {
	Load(path string) ([]byte, error)
}

// DirLoader serves module source from a directory tree. Script paths use
// forward slashes and are resolved relative to the root; the ".lua"
// extension is implied when absent.
type DirLoader struct {
	Root string
}

func (d DirLoader) Load(path string) ([]byte, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(path, "/"))
	if filepath.Ext(rel) == "" {
		rel += ".lua"
	}
	full := filepath.Join(d.Root, rel)
	if !strings.HasPrefix(full, filepath.Clean(d.Root)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("load %s: %w", path, ErrModuleNotFound)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, ErrModuleNotFound)
		}
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return data, nil
}
