package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes and hands the parsed
// result to apply. Parse or validation failures keep the previous config
// and are logged. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, log *slog.Logger, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// the original inode stops emitting events.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce the burst of events a single save produces.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				cfg, err := Load(path)
				if err != nil {
					log.Warn("config reload failed, keeping previous", "path", path, "err", err)
					return
				}
				log.Info("config reloaded", "path", path)
				apply(cfg)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "err", err)
		}
	}
}
