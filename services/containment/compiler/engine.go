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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianContain/services/containment/constraints"
	"github.com/AleutianAI/AleutianContain/services/containment/telemetry"
)

// Engine is the background compiler.
//
// Thread Safety: Submit, Results and Detach are safe for concurrent use.
// Run must be called once.
type Engine struct {
	tasks   chan Task
	results chan constraints.Result

	compile  CompileFunc
	versions *Versioner

	detached   chan struct{}
	detachOnce sync.Once
	stopped    chan struct{}
	running    atomic.Bool

	logger  *slog.Logger
	metrics *Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records queue and job activity.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCompileFunc replaces constraints.Compile.
func WithCompileFunc(f CompileFunc) Option {
	return func(e *Engine) {
		if f != nil {
			e.compile = f
		}
	}
}

// WithVersioner shares a version source, e.g. one already advanced past the
// baseline set compiled at startup.
func WithVersioner(v *Versioner) Option {
	return func(e *Engine) {
		if v != nil {
			e.versions = v
		}
	}
}

// NewEngine creates an Engine with a task queue of the given capacity.
//
// Inputs:
//   - capacity: Queue bound. Submit blocks while the queue is full.
//   - opts: Logger, metrics, compile function and versioner options.
//
// Outputs:
//   - *Engine: Not yet running.
//   - error: Non-nil if capacity < 1.
func NewEngine(capacity int, opts ...Option) (*Engine, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be at least 1, got %d", capacity)
	}
	e := &Engine{
		tasks:    make(chan Task, capacity),
		results:  make(chan constraints.Result, capacity),
		compile:  constraints.Compile,
		versions: &Versioner{},
		detached: make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("subsystem", "compiler_engine"))
	return e, nil
}

// Submit enqueues a task, waiting while the queue is full.
//
// Outputs:
//   - error: ctx.Err() if ctx ends first, ErrEngineStopped if the loop
//     has exited.
func (e *Engine) Submit(ctx context.Context, t Task) error {
	select {
	case <-e.stopped:
		return ErrEngineStopped
	default:
	}
	select {
	case e.tasks <- t:
		e.metrics.queued(t.Kind, len(e.tasks))
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the channel results are delivered on. It is closed after
// the loop exits and every in-flight job has finished.
func (e *Engine) Results() <-chan constraints.Result {
	return e.results
}

// Detach tells the engine that nobody is receiving results any more. The
// engine stops at the next delivery or loop iteration that observes it.
func (e *Engine) Detach() {
	e.detachOnce.Do(func() { close(e.detached) })
}

// Done is closed when the loop has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

// Versions returns the engine's version source.
func (e *Engine) Versions() *Versioner {
	return e.versions
}

// Run processes tasks until Shutdown, Detach or ctx cancellation.
//
// Description:
//
//	Messages are taken one at a time in arrival order. Compile tasks are
//	assigned a version and handed to a job goroutine; Shutdown is only
//	seen between messages and never preempts a running job. On exit Run
//	waits for in-flight jobs, then closes the results channel. Tasks still
//	queued behind a Shutdown are dropped.
//
// Outputs:
//   - error: nil on Shutdown or Detach, ctx.Err() on cancellation,
//     ErrEngineRunning or ErrEngineStopped on misuse.
func (e *Engine) Run(ctx context.Context) error {
	select {
	case <-e.stopped:
		return ErrEngineStopped
	default:
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}

	var jobs errgroup.Group
	defer func() {
		_ = jobs.Wait()
		close(e.results)
		close(e.stopped)
		e.running.Store(false)
	}()

	e.logger.Info("compiler engine started", slog.Int("queue_capacity", cap(e.tasks)))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("compiler engine cancelled")
			return ctx.Err()
		case <-e.detached:
			e.logger.Info("result receiver detached, compiler engine stopping")
			return nil
		case t := <-e.tasks:
			e.metrics.dequeued(len(e.tasks))
			switch t.Kind {
			case TaskShutdown:
				e.logger.Info("compiler engine shutting down", slog.Int("dropped_tasks", len(e.tasks)))
				return nil
			case TaskCompile:
				version := e.versions.Next()
				jobs.Go(func() error {
					e.runJob(ctx, t, version)
					return nil
				})
			default:
				e.logger.Warn("unknown task kind ignored", slog.Int("kind", int(t.Kind)))
			}
		}
	}
}

// runJob compiles one task and delivers its result.
func (e *Engine) runJob(ctx context.Context, t Task, version uint64) {
	ctx, span := telemetry.StartCompile(ctx, t.SetID.String(), version)

	e.metrics.jobStarted()
	start := time.Now()
	block, err := e.safeCompile(t, version)
	elapsed := time.Since(start)
	e.metrics.jobFinished(err, elapsed)
	defer telemetry.End(span, err)

	if err != nil {
		e.logger.Warn("compile job failed",
			slog.String("set_id", t.SetID.String()),
			slog.Uint64("version", version),
			slog.String("error", err.Error()),
		)
	} else {
		e.logger.Info("compile job finished",
			slog.String("set_id", t.SetID.String()),
			slog.Uint64("version", version),
			slog.Duration("elapsed", elapsed),
		)
	}

	e.deliver(ctx, constraints.Result{SetID: t.SetID, Block: block, Err: err})
}

// safeCompile runs the compile function, converting a panic into
// ErrExternalDependencyFailure.
func (e *Engine) safeCompile(t Task, version uint64) (block *constraints.Block, err error) {
	defer func() {
		if r := recover(); r != nil {
			block = nil
			err = fmt.Errorf("%w: compile job panicked: %v", constraints.ErrExternalDependencyFailure, r)
		}
	}()
	block, err = e.compile(t.Definition, t.Policies, version)
	if err != nil {
		return nil, classify(err)
	}
	return block, nil
}

// deliver sends r unless the receiver has detached or ctx ended.
func (e *Engine) deliver(ctx context.Context, r constraints.Result) {
	select {
	case <-e.detached:
		e.metrics.dropped()
		return
	default:
	}
	select {
	case e.results <- r:
	case <-e.detached:
		e.metrics.dropped()
	case <-ctx.Done():
		e.metrics.dropped()
	}
}
