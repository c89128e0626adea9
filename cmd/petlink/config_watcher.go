package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const configReloadDebounce = 500 * time.Millisecond

// ConfigWatcher re-reads the config file when it changes and hands every
// valid result to apply. Invalid reloads are logged and ignored.
type ConfigWatcher struct {
	path     string
	load     func() (Config, error)
	apply    func(Config)
	debounce time.Duration
	logger   *slog.Logger
}

// NewConfigWatcher watches path. load must return a validated Config.
func NewConfigWatcher(path string, load func() (Config, error), apply func(Config), logger *slog.Logger) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &ConfigWatcher{
		path:     abs,
		load:     load,
		apply:    apply,
		debounce: configReloadDebounce,
		logger:   logger,
	}, nil
}

// Run watches until ctx is canceled.
func (cw *ConfigWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename; watching the directory survives that.
	dir := filepath.Dir(cw.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}
	cw.logger.Info("watching config file", "path", cw.path)

	name := filepath.Base(cw.path)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Remove) {
				cw.logger.Warn("config file removed", "path", ev.Name)
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce: restart the timer on every burst event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(cw.debounce)
			timerC = timer.C

		case <-timerC:
			timer = nil
			timerC = nil
			cw.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cw.logger.Error("config watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cfg, err := cw.load()
	if err != nil {
		cw.logger.Error("config reload rejected", "path", cw.path, "error", err)
		return
	}
	cw.apply(cfg)
	cw.logger.Info("config reloaded", "path", cw.path)
}
