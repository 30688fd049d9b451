// Package watch turns filesystem changes under the script root into
// source-change events for the hot-reload pipeline.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/moonbridge/server/internal/core/event"
)

// Watcher observes a script directory tree and emits a SourceChanged event
// carrying the module path (relative, slash-separated, no extension) for
// every modified .lua file. Events land on the bus from the watcher
// goroutine and are dispatched on the frame goroutine next frame.
type Watcher struct {
	root string
	bus  *event.Bus
	log  *zap.Logger
	fsw  *fsnotify.Watcher
}

func New(root string, bus *event.Bus, log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{root: root, bus: bus, log: log, fsw: fsw}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

// Run blocks until ctx is cancelled or the underlying watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		// New subdirectories must be picked up for nested module trees.
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.log.Debug("watch add", zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
	}
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}
	mod, ok := w.modulePath(ev.Name)
	if !ok {
		return
	}
	w.log.Info("source changed", zap.String("module", mod))
	event.Emit(w.bus, event.SourceChanged{Path: mod})
}

func (w *Watcher) modulePath(file string) (string, bool) {
	if !strings.HasSuffix(file, ".lua") {
		return "", false
	}
	rel, err := filepath.Rel(w.root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = strings.TrimSuffix(rel, ".lua")
	return filepath.ToSlash(rel), true
}
