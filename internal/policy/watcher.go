package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store from path whenever the file changes, until ctx is
// cancelled. The parent directory is watched rather than the file itself
// because most editors and config-management tools replace the file by
// rename, which drops a watch on the inode. A short debounce coalesces the
// write+rename bursts those tools produce. Invalid or unreadable files are
// logged and skipped; the previous policy stays in effect.
func Watch(ctx context.Context, store *Store, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	reload := func() {
		p, err := LoadFile(abs)
		if err != nil {
			logger.Warn("policy reload skipped", "path", abs, "error", err)
			return
		}
		if err := store.Set(p); err != nil {
			logger.Warn("policy reload rejected", "path", abs, "error", err)
			return
		}
		logger.Info("policy reloaded", "path", abs)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", "error", err)
		}
	}
}
