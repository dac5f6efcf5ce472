package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// DebounceInterval is how long Watch waits after the last file event
// before reloading.
const DebounceInterval = 100 * time.Millisecond

// Watch reloads the config at path whenever it changes and passes the
// result to onChange. Files that fail to load are logged and ignored. Watch
// blocks until ctx is done.
//
// The parent directory is watched so editors that replace the file on save
// are still seen.
func Watch(ctx context.Context, path string, logger hclog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("config")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	logger.Info("watching config", "path", abs)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(abs)
		if err != nil {
			logger.Error("config reload failed", "error", err)
			return
		}
		logger.Info("config reloaded", "policies", len(cfg.Policies))
		onChange(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("config watcher events closed")
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Debug("config file event", "op", ev.Op.String())
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(DebounceInterval, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("config watcher errors closed")
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
