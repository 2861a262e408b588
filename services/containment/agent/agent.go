// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent provides the in-process halt agent.
//
// ProcessAgent implements halt.Agent for the daemon itself: isolation runs
// operator-registered hooks (close listeners, drop network routes, stop
// workers), sanitization destroys the secret vault and purges memguard, and
// forensics seals a snapshot and ships it to the configured sinks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/AleutianContain/services/containment/forensics"
	"github.com/AleutianAI/AleutianContain/services/containment/halt"
	"github.com/AleutianAI/AleutianContain/services/containment/snapshot"
)

// SnapshotSource produces sealed snapshots. *snapshot.Generator satisfies it.
type SnapshotSource interface {
	Generate() (*snapshot.Snapshot, error)
}

// IsolationHook is one isolation step.
type IsolationHook struct {
	Name string
	Run  func(ctx context.Context) error
}

// Option configures a ProcessAgent.
type Option func(*ProcessAgent)

// WithIsolationHook appends a hook. Hooks run in registration order.
func WithIsolationHook(name string, run func(ctx context.Context) error) Option {
	return func(a *ProcessAgent) {
		a.hooks = append(a.hooks, IsolationHook{Name: name, Run: run})
	}
}

// WithSinks sets the forensic sinks.
func WithSinks(sinks ...forensics.Sink) Option {
	return func(a *ProcessAgent) { a.sinks = append(a.sinks, sinks...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *ProcessAgent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithPurge replaces the process-wide purge run after the vault is
// destroyed. The default is memguard.Purge.
func WithPurge(fn func()) Option {
	return func(a *ProcessAgent) { a.purge = fn }
}

// ProcessAgent is the halt.Agent for the running daemon.
//
// Thread Safety: Sanitize and CollectForensics run concurrently during a
// halt; the agent is safe for that.
type ProcessAgent struct {
	hooks  []IsolationHook
	vault  *Vault
	source SnapshotSource
	sinks  []forensics.Sink
	purge  func()
	logger *slog.Logger

	mu       sync.Mutex
	receipts []forensics.Receipt
}

var _ halt.Agent = (*ProcessAgent)(nil)

// New creates a ProcessAgent.
//
// Inputs:
//
//	vault - Secrets destroyed on sanitization. Required.
//	source - Snapshot generator for forensics. Required.
//	opts - Hooks, sinks, logger and purge override.
func New(vault *Vault, source SnapshotSource, opts ...Option) (*ProcessAgent, error) {
	if vault == nil {
		return nil, errors.New("vault must not be nil")
	}
	if source == nil {
		return nil, errors.New("snapshot source must not be nil")
	}
	a := &ProcessAgent{
		vault:  vault,
		source: source,
		purge:  memguard.Purge,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("subsystem", "halt_agent"))
	return a, nil
}

// Isolate runs every isolation hook in order and stops at the first failure.
func (a *ProcessAgent) Isolate(ctx context.Context) error {
	for _, h := range a.hooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.Run(ctx); err != nil {
			return fmt.Errorf("isolation hook %s: %w", h.Name, err)
		}
		a.logger.Info("isolation hook completed", slog.String("hook", h.Name))
	}
	return nil
}

// Sanitize destroys the vault and purges all memguard memory.
func (a *ProcessAgent) Sanitize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := a.vault.Destroy()
	if a.purge != nil {
		a.purge()
	}
	a.logger.Info("memory sanitized", slog.Int("secrets_destroyed", n))
	return nil
}

// CollectForensics seals a snapshot and ships it to every sink.
//
// Description:
//
//	A capture failure is returned as is. Sink failures are joined; the
//	receipts of sinks that succeeded are still recorded.
func (a *ProcessAgent) CollectForensics(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := a.source.Generate()
	if err != nil {
		return fmt.Errorf("capture forensic snapshot: %w", err)
	}
	receipts, err := forensics.Fanout(ctx, a.logger, a.sinks, snap)
	a.mu.Lock()
	a.receipts = append(a.receipts, receipts...)
	a.mu.Unlock()
	return err
}

// Receipts returns the locations of every shipped forensic package.
func (a *ProcessAgent) Receipts() []forensics.Receipt {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]forensics.Receipt, len(a.receipts))
	copy(out, a.receipts)
	return out
}
