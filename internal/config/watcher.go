package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the new configuration to its callbacks. A file that fails to load or
// validate is reported and ignored.
type Watcher struct {
	logger    *zap.Logger
	path      string
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	mu        sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}

	debounce time.Duration
	timer    *time.Timer
}

// NewWatcher creates a watcher for the file at configPath.
func NewWatcher(logger *zap.Logger, configPath string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		logger:   logger,
		path:     filepath.Clean(configPath),
		watcher:  watcher,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start begins watching. onChange, if not nil, is added to the callbacks.
func (w *Watcher) Start(onChange func(*Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if onChange != nil {
		w.callbacks = append(w.callbacks, onChange)
	}

	// Watching the directory also catches editors that replace the file.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.running = true
	go w.handleEvents()

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher and waits for its event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.watcher.Close()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	<-w.done
	w.logger.Info("Configuration watcher stopped")
}

// SetDebounce sets the quiet period before a change is applied.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *Watcher) handleEvents() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug("Config file modified",
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()),
				)
				w.scheduleReload()
			} else if event.Has(fsnotify.Remove) {
				w.logger.Warn("Config file removed", zap.String("path", event.Name))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Failed to reload configuration",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Reloading configuration", zap.String("path", w.path))
	for _, callback := range callbacks {
		callback(cfg)
	}
}
