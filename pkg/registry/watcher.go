// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jllopis/handoff/pkg/errors"
)

// Watcher reloads a registry's installed set when its state file changes,
// so an external installer can flip entries without a restart.
type Watcher struct {
	mu        sync.Mutex
	registry  *Registry
	fsw       *fsnotify.Watcher
	path      string
	debounce  time.Duration
	listeners []func([]string)
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	logger    *slog.Logger
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for r's state file.
func NewWatcher(r *Registry, opts ...WatcherOption) (*Watcher, error) {
	path := r.StatePath()
	if path == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "registry has no state path to watch", nil)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "create fsnotify watcher", err)
	}
	w := &Watcher{
		registry: r,
		fsw:      fsw,
		path:     filepath.Clean(path),
		debounce: 100 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnChange registers a callback receiving the reloaded installed set.
func (w *Watcher) OnChange(fn func(installed []string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start begins watching. The state file's directory is watched because
// atomic writes replace the file.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(errors.CodePersistence, "create registry state dir", err)
	}
	if err := w.fsw.Add(dir); err != nil {
		return errors.New(errors.CodeInternal, "watch registry state dir", err).
			WithContext("dir", dir)
	}
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.fsw.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("registry.watcher.error", slog.String("error", err.Error()))
		case <-timerCh:
			timerCh = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	if err := w.registry.Reload(); err != nil {
		w.logger.Error("registry.watcher.reload_failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	installed := w.registry.Installed()
	w.logger.Info("registry.watcher.reloaded",
		slog.String("path", w.path),
		slog.Int("installed", len(installed)),
	)

	w.mu.Lock()
	listeners := make([]func([]string), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(installed)
	}
}
