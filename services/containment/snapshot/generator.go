// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianContain/services/containment/config"
	"github.com/AleutianAI/AleutianContain/services/containment/integrity"
)

// Generator produces sealed snapshots under a hard latency budget.
//
// Thread Safety: Safe for concurrent use. No state is shared between calls.
type Generator struct {
	cfg      config.SnapshotConfig
	provider CaptureProvider
	hashers  integrity.Factory
	metrics  *Metrics

	// now is the monotonic clock used for the budget.
	now func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithMetrics records capture outcomes and latency.
func WithMetrics(m *Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator creates a Generator.
//
// Description:
//
//	Validates the snapshot configuration once so that Generate does no
//	configuration work on the hot path.
//
// Inputs:
//
//	cfg - Snapshot configuration (hash size, budget, version, flags).
//	provider - Source of privilege, time, memory and stack.
//	hashers - Factory for the sealing hash.
//
// Outputs:
//
//	*Generator - Ready to use.
//	error - Non-nil if a dependency is nil or cfg is unusable.
func NewGenerator(cfg config.SnapshotConfig, provider CaptureProvider, hashers integrity.Factory, opts ...Option) (*Generator, error) {
	if provider == nil {
		return nil, errors.New("capture provider must not be nil")
	}
	if hashers == nil {
		return nil, errors.New("hasher factory must not be nil")
	}
	if cfg.HashSize <= 0 {
		return nil, fmt.Errorf("hash size must be positive, got %d", cfg.HashSize)
	}
	if cfg.MaxCaptureDuration <= 0 {
		return nil, fmt.Errorf("max capture duration must be positive, got %v", cfg.MaxCaptureDuration)
	}
	if cfg.HashingProtocolID != config.ProtocolCanonicalV2 {
		return nil, fmt.Errorf("unsupported hashing protocol id %d", cfg.HashingProtocolID)
	}
	g := &Generator{
		cfg:      cfg,
		provider: provider,
		hashers:  hashers,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate captures and seals the current volatile state.
//
// Description:
//
//	Runs the capture sequence documented on the package. Elapsed time is
//	measured from before the privilege check to after finalize. If it
//	exceeds the configured budget the otherwise valid capture is wiped and
//	a *TimeoutError is returned.
//
// Outputs:
//
//	*Snapshot - The sealed package. Ownership passes to the caller.
//	error - One of the package's sentinel kinds. Never both non-nil.
//
// Thread Safety: Safe for concurrent use.
func (g *Generator) Generate() (*Snapshot, error) {
	start := g.now()

	snap, err := g.capture(start)
	g.metrics.observe(g.now().Sub(start), err)
	return snap, err
}

func (g *Generator) capture(start time.Time) (*Snapshot, error) {
	if !g.provider.CheckPrivilege() {
		return nil, ErrPrivilegeRequired
	}

	timestamp := g.provider.CurrentEpochNs()

	dump, err := g.captureMemory()
	if err != nil {
		return nil, err
	}
	trace := g.captureStack()

	hasher, err := g.hashers.NewFixedOutput(g.cfg.HashSize)
	if err != nil {
		clear(dump)
		return nil, fmt.Errorf("%w: %w", ErrIntegrityHashingFailed, err)
	}

	meta, err := EncodeMetadata(Metadata{
		TimestampNs:       timestamp,
		ContextFlags:      g.cfg.ContextFlags,
		CaptureVersion:    g.cfg.CaptureVersion,
		HashingProtocolID: g.cfg.HashingProtocolID,
		PayloadSize:       uint64(len(dump)),
	})
	if err != nil {
		clear(dump)
		return nil, err
	}

	hasher.Update(dump)
	hasher.Update([]byte(trace))
	hasher.Update(meta)

	sum, err := hasher.Finalize()
	if err != nil {
		clear(dump)
		return nil, fmt.Errorf("%w: %w", ErrIntegrityHashingFailed, err)
	}
	if len(sum) != g.cfg.HashSize {
		clear(dump)
		return nil, &OutputMismatchError{Expected: g.cfg.HashSize, Actual: len(sum)}
	}

	elapsed := g.now().Sub(start)
	if elapsed > g.cfg.MaxCaptureDuration {
		clear(dump)
		return nil, &TimeoutError{Actual: elapsed, Budget: g.cfg.MaxCaptureDuration}
	}

	return &Snapshot{
		captureVersion:    g.cfg.CaptureVersion,
		timestampNs:       timestamp,
		captureLatency:    elapsed,
		integrityHash:     sum,
		volatileDump:      dump,
		stackTrace:        trace,
		contextFlags:      g.cfg.ContextFlags,
		hashingProtocolID: g.cfg.HashingProtocolID,
	}, nil
}

// captureMemory reads volatile memory, converting a provider panic into
// ErrMemoryCaptureFailed.
func (g *Generator) captureMemory() (dump []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			dump = nil
			err = fmt.Errorf("%w: provider panic: %v", ErrMemoryCaptureFailed, r)
		}
	}()
	dump, err = g.provider.CaptureVolatileMemory()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryCaptureFailed, err)
	}
	return dump, nil
}

// captureStack is best effort: a panicking provider yields an empty trace.
func (g *Generator) captureStack() (trace string) {
	defer func() {
		if recover() != nil {
			trace = ""
		}
	}()
	return g.provider.CaptureExecutionStack()
}
