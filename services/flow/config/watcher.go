// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/flowml/services/flow/flowerr"
	"github.com/AleutianAI/flowml/services/flow/pipeline"
)

// ReloadFunc receives a freshly loaded pipeline file.
type ReloadFunc func(ctx context.Context, f *File) error

// ApplyVariables returns a ReloadFunc that pushes every variable of the
// reloaded file into exec. Unchanged values are ignored by the executor;
// variables removed from the file keep their last value.
func ApplyVariables(exec *pipeline.Executor) ReloadFunc {
	return func(ctx context.Context, f *File) error {
		var errs []error
		for _, name := range slices.Sorted(maps.Keys(f.Variables)) {
			if err := exec.SetVariable(ctx, name, f.Variables[name]); err != nil {
				errs = append(errs, err)
				continue
			}
			variablesRebound.Inc()
		}
		return errors.Join(errs...)
	}
}

// WatcherOptions configures the Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more writes before reloading.
	// Default: 200ms
	DebounceWindow time.Duration

	// BufferSize is the size of the event channel.
	// Default: 64
	BufferSize int

	// Logger for reload events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 200 * time.Millisecond,
		BufferSize:     64,
	}
}

// Watcher reloads a pipeline file whenever it changes on disk.
//
// Description:
//
//	The file's directory is watched rather than the file, so editors that
//	save by writing a temporary file and renaming it over the original are
//	seen. Events for other files are ignored. A burst of events within the
//	debounce window causes one reload. A file that fails to load is logged
//	and counted; the previous configuration stays in effect.
//
// Thread Safety:
//
//	Safe for concurrent use. The reload function is called from a single
//	goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	reload   ReloadFunc
	debounce time.Duration
	logger   *slog.Logger

	events   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
	reloads  int
}

// NewWatcher creates a watcher for the pipeline file at path.
//
// Inputs:
//
//	path - Pipeline file to watch.
//	reload - Called with each successfully loaded version. Must not be nil.
//	opts - Optional configuration (nil uses defaults).
//
// Outputs:
//
//	*Watcher - Ready-to-use watcher (call Start to begin watching).
//	error - Non-nil if the watcher could not be created.
func NewWatcher(path string, reload ReloadFunc, opts *WatcherOptions) (*Watcher, error) {
	if reload == nil {
		return nil, flowerr.ErrInvalidConfiguration
	}
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultWatcherOptions().DebounceWindow
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultWatcherOptions().BufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:     abs,
		watcher:  fw,
		reload:   reload,
		debounce: opts.DebounceWindow,
		logger:   logger.With(slog.String("config", abs)),
		events:   make(chan struct{}, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Both goroutines exit when Stop is called or ctx
// is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if ctx == nil {
		return flowerr.ErrNilContext
	}
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is currently active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// Reloads returns how many reloads have been applied.
func (w *Watcher) Reloads() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
				// A reload is already pending.
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return
		case <-w.done:
			stopTimer()
			return
		case <-w.events:
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			stopTimer()
			w.apply(ctx)
		}
	}
}

func (w *Watcher) apply(ctx context.Context) {
	f, err := Load(ctx, w.path)
	if err != nil {
		configReloads.WithLabelValues("error").Inc()
		w.logger.Warn("pipeline file reload failed, keeping previous configuration",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := w.reload(ctx, f); err != nil {
		configReloads.WithLabelValues("error").Inc()
		w.logger.Warn("pipeline file reload rejected", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	configReloads.WithLabelValues("ok").Inc()
	w.logger.Info("pipeline file reloaded", slog.Int("variables", len(f.Variables)))
}
