package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config file whenever it changes and calls onChange with
// the freshly loaded config. Unparseable edits are logged and skipped. The
// parent directory is watched so editors that replace the file via rename
// are picked up. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	lastHash := ""
	if cur, err := Load(abs); err == nil {
		lastHash = cur.Hash()
	}

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDebounce)
			reload = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)

		case <-reload:
			reload = nil
			cfg, err := Load(abs)
			if err != nil {
				slog.Warn("config.reload_failed", "path", abs, "error", err)
				continue
			}
			if h := cfg.Hash(); h != lastHash {
				lastHash = h
				slog.Info("config.reloaded", "path", abs)
				onChange(cfg)
			}
		}
	}
}
