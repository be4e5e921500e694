package config

import (
	"context"
	"path/filepath"

	"capsmith/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// WatchLogging watches the config file and re-applies the logging section
// when it changes. Only logging is hot-reloaded; everything else is frozen
// at startup.
func WatchLogging(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files, which drops the inode
	// watch if the file itself is watched.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logging.Get(logging.CategoryBoot).Warn("config reload failed: %v", err)
					continue
				}
				logging.Reconfigure(logging.Settings{
					DebugMode:  cfg.Logging.DebugMode,
					Level:      cfg.Logging.Level,
					Categories: cfg.Logging.Categories,
					JSONFormat: cfg.Logging.JSONFormat,
				})
				logging.Get(logging.CategoryBoot).Info("logging settings reloaded from %s", path)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return nil
}
