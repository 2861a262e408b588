// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Submitter accepts compile tasks. *Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, t Task) error
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is how long the watcher waits for a burst of file events to
	// settle before loading. Default 100ms.
	Debounce time.Duration

	// Interval is the minimum spacing between submissions. Zero disables
	// throttling.
	Interval time.Duration

	// Burst is the number of submissions allowed back to back. Default 1.
	Burst int

	Logger  *slog.Logger
	Metrics *Metrics
}

// Watcher turns policy bundle files in a directory into compile tasks.
//
// Thread Safety: Run must be called once. Close may be called concurrently.
type Watcher struct {
	dir      string
	sub      Submitter
	fsw      *fsnotify.Watcher
	debounce time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *Metrics
}

// NewWatcher creates a Watcher over dir.
//
// Inputs:
//   - dir: Directory of *.yaml / *.yml bundle files. Must exist.
//   - sub: Destination for compile tasks.
//   - opts: Debounce and throttling.
//
// Outputs:
//   - *Watcher: Watching dir but not yet submitting.
//   - error: Non-nil if dir cannot be watched.
func NewWatcher(dir string, sub Submitter, opts WatcherOptions) (*Watcher, error) {
	if sub == nil {
		return nil, errors.New("submitter must not be nil")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("policy dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("policy dir %s is not a directory", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		dir:      dir,
		sub:      sub,
		fsw:      fsw,
		debounce: opts.Debounce,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		logger:   logger.With(slog.String("subsystem", "bundle_watcher"), slog.String("dir", dir)),
		metrics:  opts.Metrics,
	}, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// LoadAll submits every bundle currently in the directory in name order.
//
// Outputs:
//   - int: Number of bundles submitted.
//   - error: The first read or parse error joined with any submit error.
//     Valid bundles are submitted even when others fail.
func (w *Watcher) LoadAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read policy dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isBundleFile(e.Name()) {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	return w.submitPaths(ctx, paths)
}

// Run forwards debounced bundle changes to the submitter until ctx ends or
// the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	pending := make(map[string]struct{})
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
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !isBundleFile(event.Name) || !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				continue
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", slog.String("error", err.Error()))

		case <-timerC:
			timer, timerC = nil, nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			if _, err := w.submitPaths(ctx, paths); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("bundle reload incomplete", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Watcher) submitPaths(ctx context.Context, paths []string) (int, error) {
	slices.Sort(paths)
	var errs []error
	submitted := 0
	for _, p := range paths {
		b, err := LoadBundle(p)
		w.metrics.bundleLoaded(err == nil)
		if err != nil {
			w.logger.Warn("policy bundle rejected", slog.String("path", p), slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return submitted, errors.Join(append(errs, err)...)
		}
		if err := w.sub.Submit(ctx, b.Task()); err != nil {
			return submitted, errors.Join(append(errs, err)...)
		}
		submitted++
		w.logger.Info("policy bundle submitted",
			slog.String("path", p),
			slog.String("set_id", b.SetID.String()),
		)
	}
	return submitted, errors.Join(errs...)
}

func isBundleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
