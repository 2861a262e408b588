// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package constraints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// activeEntry pairs the active set id with its block so that readers load
// both in one atomic step.
type activeEntry struct {
	id        SetID
	block     *Block
	bootstrap bool
}

// Scheduler is the dynamic constraint scheduler.
//
// Thread Safety: ActiveConstraints and Sweep are lock free and may be called
// from any number of goroutines. Cache writes and switches serialize on an
// internal mutex and never block readers.
type Scheduler struct {
	active atomic.Pointer[activeEntry]

	mu    sync.RWMutex
	cache map[SetID]*Block

	logger  *slog.Logger
	metrics *Metrics
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger. Defaults to slog.Default().
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerMetrics records sweep and cache activity.
func WithSchedulerMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a Scheduler whose active reference is the version 0
// bootstrap block. Sweeps fail closed until a set is injected and switched to.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cache:  make(map[SetID]*Block),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("subsystem", "constraint_scheduler"))
	s.active.Store(&activeEntry{block: bootstrapBlock, bootstrap: true})
	return s
}

// ActiveConstraints returns the active block. It never blocks or allocates.
func (s *Scheduler) ActiveConstraints() *Block {
	return s.active.Load().block
}

// ActiveSetID returns the active set id. ok is false while the bootstrap
// block is active.
func (s *Scheduler) ActiveSetID() (id SetID, ok bool) {
	e := s.active.Load()
	return e.id, !e.bootstrap
}

// SwitchActiveSet makes the cached set id active.
//
// Description:
//
//	Readers observe either the previous block or the new one, never a mix.
//	An unknown id leaves the active set untouched.
//
// Outputs:
//
//	error - ErrMissingActiveSet if id is not cached.
func (s *Scheduler) SwitchActiveSet(id SetID) error {
	s.mu.RLock()
	block, ok := s.cache[id]
	if ok {
		s.active.Store(&activeEntry{id: id, block: block})
	}
	s.mu.RUnlock()

	if !ok {
		s.metrics.switched(false)
		s.logger.Warn("switch to uncached constraint set rejected", slog.String("set_id", id.String()))
		return fmt.Errorf("%w: %s", ErrMissingActiveSet, id)
	}
	s.metrics.switched(true)
	s.metrics.setActiveVersion(block.version)
	s.logger.Info("active constraint set switched",
		slog.String("set_id", id.String()),
		slog.Uint64("version", block.version),
	)
	return nil
}

// InjectCompiledSet inserts or replaces the cached block for id.
//
// Which set is active never changes. When id is the active set, the active
// reference is republished to the new block so that it keeps pointing at a
// cached entry.
func (s *Scheduler) InjectCompiledSet(id SetID, block *Block) error {
	if block == nil {
		return fmt.Errorf("%w: nil block for set %s", ErrSchedulerIntegrity, id)
	}
	s.store(id, block, false)
	return nil
}

// store writes block into the cache. With newerOnly it refuses a block whose
// version does not exceed the cached one and returns that cached version.
func (s *Scheduler) store(id SetID, block *Block, newerOnly bool) (stored bool, cached uint64) {
	s.mu.Lock()
	if current, ok := s.cache[id]; ok && newerOnly && current.version >= block.version {
		s.mu.Unlock()
		return false, current.version
	}
	s.cache[id] = block
	e := s.active.Load()
	republished := !e.bootstrap && e.id == id
	if republished {
		s.active.Store(&activeEntry{id: id, block: block})
	}
	size := len(s.cache)
	s.mu.Unlock()

	s.metrics.setCacheSize(size)
	if republished {
		s.metrics.setActiveVersion(block.version)
	}
	s.logger.Info("constraint set injected",
		slog.String("set_id", id.String()),
		slog.Uint64("version", block.version),
		slog.Bool("active", republished),
	)
	return true, block.version
}

// Lookup returns the cached block for id.
func (s *Scheduler) Lookup(id SetID) (*Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.cache[id]
	return b, ok
}

// Sets returns the cached set ids in ascending order.
func (s *Scheduler) Sets() []SetID {
	s.mu.RLock()
	ids := make([]SetID, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Evict removes id from the cache.
//
// Outputs:
//
//	error - ErrSchedulerIntegrity if id is active, ErrMissingActiveSet if
//	it is not cached.
func (s *Scheduler) Evict(id SetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.active.Load(); !e.bootstrap && e.id == id {
		return fmt.Errorf("%w: set %s is active", ErrSchedulerIntegrity, id)
	}
	if _, ok := s.cache[id]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingActiveSet, id)
	}
	delete(s.cache, id)
	s.metrics.setCacheSize(len(s.cache))
	s.logger.Info("constraint set evicted", slog.String("set_id", id.String()))
	return nil
}

// Sweep validates sample against the active block.
//
// Outputs:
//
//	error - A *ViolationError (errors.Is ErrPolicyViolation) on the first
//	broken rule, including when the bootstrap block is active.
func (s *Scheduler) Sweep(sample Sample) error {
	err := s.ActiveConstraints().Check(sample)
	s.metrics.swept(err)
	return err
}

// Apply caches a compiler result unless it is stale.
//
// Description:
//
//	A failed result is logged and returned. A successful result is
//	discarded when the cache already holds the same set at an equal or
//	newer version, which happens when results arrive out of order.
//
// Outputs:
//
//	bool - True if the block was injected.
//	error - The result's error, if any.
func (s *Scheduler) Apply(r Result) (bool, error) {
	if r.Err != nil {
		s.metrics.applied("failed")
		s.logger.Error("constraint compilation failed",
			slog.String("set_id", r.SetID.String()),
			slog.String("error", r.Err.Error()),
		)
		return false, r.Err
	}
	if r.Block == nil {
		s.metrics.applied("failed")
		return false, fmt.Errorf("%w: empty result for set %s", ErrSchedulerIntegrity, r.SetID)
	}

	if stored, cached := s.store(r.SetID, r.Block, true); !stored {
		s.metrics.applied("stale")
		s.logger.Warn("stale constraint result discarded",
			slog.String("set_id", r.SetID.String()),
			slog.Uint64("version", r.Block.version),
			slog.Uint64("cached_version", cached),
		)
		return false, nil
	}
	s.metrics.applied("applied")
	return true, nil
}

// Consume applies results until the channel closes or ctx is done.
//
// Apply errors are logged and do not stop consumption.
//
// Outputs:
//
//	error - nil when results closed, otherwise ctx.Err().
func (s *Scheduler) Consume(ctx context.Context, results <-chan Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-results:
			if !ok {
				return nil
			}
			if _, err := s.Apply(r); err != nil && !errors.Is(err, ErrCompilationFailed) && !errors.Is(err, ErrExternalDependencyFailure) {
				s.logger.Warn("constraint result rejected", slog.String("error", err.Error()))
			}
		}
	}
}
