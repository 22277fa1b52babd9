package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each valid
// result to onChange. An invalid file is logged and the previous settings
// stay in effect. Watching stops when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The directory is watched so a save by rename is still seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("add watch path: %w", err)
	}

	go watchLoop(ctx, w, path, onChange)
	return nil
}

func watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, onChange func(*Config)) {
	defer w.Close()
	target := filepath.Clean(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(reloadDebounce)

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config reload rejected, keeping previous settings", "path", path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", path)
			onChange(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}
