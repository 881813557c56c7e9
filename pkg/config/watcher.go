package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/syntor/taskmesh/pkg/logging"
)

// Watcher reloads a config file when it changes on disk. The directory is
// watched rather than the file so editors that replace the file on save
// are followed.
type Watcher struct {
	path    string
	logger  logging.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)
}

// Watch loads path and starts watching it until ctx is done or Close is
// called. Reloaded files get the environment overrides applied and must
// validate; invalid reloads are logged and ignored.
func Watch(ctx context.Context, path string, logger logging.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		logger:  logging.OrGlobal(logger).With(logging.Component("config")),
		watcher: fw,
		done:    make(chan struct{}),
		current: cfg,
	}
	go w.loop(ctx)
	return w, nil
}

// Current returns the latest valid configuration
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to run after every successful reload
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops watching
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", logging.Err(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		cfg.ApplyEnv()
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("Ignoring config reload", logging.String("path", w.path), logging.Err(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("Config reloaded", logging.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}
