package layout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchStagingRoot watches the temp root and invokes onRemoved with the
// sanitized repository name of any staging directory that disappears out
// from under an in-flight download (a user clearing the cache, an
// external cleanup job). Runs until ctx is cancelled. Returns an error
// only when the watch cannot be established; callers treat that as
// non-fatal, and stale staging directories are then removed only by an
// explicit CleanupIncompleteDownloads call.
func (l *Layout) WatchStagingRoot(ctx context.Context, onRemoved func(sanitizedRepo string)) error {
	if err := os.MkdirAll(l.tempRoot, 0o755); err != nil {
		return fmt.Errorf("create temp root: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create staging watcher: %w", err)
	}
	if err := watcher.Add(l.tempRoot); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.tempRoot, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// Only direct children of the temp root name a staging
				// directory; deeper removals are the download's own churn.
				if filepath.Dir(event.Name) != filepath.Clean(l.tempRoot) {
					continue
				}
				if onRemoved != nil {
					onRemoved(filepath.Base(event.Name))
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return nil
}
