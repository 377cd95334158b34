// Package watch invalidates in-memory brain snapshots when another
// process writes a brain file. The atomic writer renames into place, so
// Create and Rename events matter as much as Write.
package watch

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/paths"
)

// Watcher observes the system and user storage directories.
type Watcher struct {
	watcher *fsnotify.Watcher
	store   *brain.Store
	logger  *slog.Logger
	done    chan struct{}
}

// New starts watching the storage directories of the store's locator.
func New(store *brain.Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	locator := store.Locator()
	for _, dir := range []string{locator.SystemStorageDir(), locator.UserStorageDir()} {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	w := &Watcher{watcher: fw, store: store, logger: logger, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			slug, ok := brainSlug(ev.Name)
			if !ok {
				continue
			}
			w.logger.Debug("brain file changed on disk", "slug", slug, "op", ev.Op.String())
			w.store.Invalidate(slug)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// brainSlug extracts the brain slug from a watched path; temp files and
// non-brain files are ignored.
func brainSlug(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".brain") {
		return "", false
	}
	slug := strings.TrimSuffix(name, ".brain")
	if slug == "" || strings.HasPrefix(slug, ".") {
		return "", false
	}
	if slug == paths.ReservedSlug {
		return paths.ReservedSlug, true
	}
	return slug, true
}

// Close stops the watcher and waits for the event loop to drain.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
