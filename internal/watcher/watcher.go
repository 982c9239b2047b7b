// Package watcher observes the cache tier with inotify so tracker rows for
// files removed out-of-band are dropped between reconciliation runs.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports cache-tier removals through OnRemoved. It is best-effort:
// any watch error is logged and the watcher exits without affecting the core.
type Watcher struct {
	Root      string
	Logger    *slog.Logger
	OnRemoved func(cachePath string)
}

// Run watches the cache root and its subdirectories until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.Logger.Warn("cache watcher unavailable", slog.String("error", err.Error()))
		return err
	}
	defer fw.Close()

	if err := w.addTree(fw, w.Root); err != nil {
		w.Logger.Warn("cache watcher setup failed", slog.String("error", err.Error()))
		return err
	}
	w.Logger.Info("cache watcher started", slog.String("root", w.Root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("cache watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		// New directories need their own watch to cover nested removals.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fw.Add(event.Name); err != nil {
				w.Logger.Warn("watch add failed",
					slog.String("path", event.Name),
					slog.String("error", err.Error()))
			}
		}
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		if w.OnRemoved != nil {
			w.OnRemoved(event.Name)
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
