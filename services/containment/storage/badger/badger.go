// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB that backs the
// sealed snapshot archive.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianContain/services/containment/config"
)

// defaultDiscardRatio is the value log garbage ratio that triggers a rewrite.
const defaultDiscardRatio = 0.5

// Config describes where the archive database lives and how it is kept.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool

	// SyncWrites fsyncs every commit. Forensic evidence must survive a
	// crash, so the daemon enables it.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often RunGC collects the value log. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio overrides defaultDiscardRatio when in (0, 1).
	GCDiscardRatio float64
}

// FromStorageConfig converts the storage section of the daemon config.
func FromStorageConfig(sc config.StorageConfig, logger *slog.Logger) Config {
	return Config{
		Path:       sc.Path,
		InMemory:   sc.InMemory,
		SyncWrites: sc.SyncWrites,
		Logger:     logger,
		GCInterval: sc.GCInterval,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter routes BadgerDB's printf-style logging into slog.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Errorf(f string, v ...any)   { a.l.Error(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Warningf(f string, v ...any) { a.l.Warn(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Infof(f string, v ...any)    { a.l.Debug(fmt.Sprintf(f, v...)) }
func (a slogAdapter) Debugf(f string, v ...any)   { a.l.Debug(fmt.Sprintf(f, v...)) }

// DB is the archive's database handle.
//
// Thread Safety: Safe for concurrent use. Close may race with RunGC; RunGC
// stops at its next tick once the database is closed.
type DB struct {
	*badger.DB

	cfg    Config
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenDB opens the database described by cfg.
//
// Description:
//
//	Creates the directory for persistent databases. Only one version per
//	key is kept because archive records are write-once. Value log
//	collection does not start here; the owner runs RunGC alongside its
//	other long-running components.
//
// Outputs:
//
//	*DB - Caller must Close it.
//	error - Non-nil if the path is missing or the database cannot open.
func OpenDB(cfg Config) (*DB, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return nil, errors.New("path is required for persistent database")
	default:
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
		cfg.GCDiscardRatio = defaultDiscardRatio
	}

	logger := cfg.Logger
	if logger == nil {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.DiscardHandler)
	} else {
		logger = logger.With(slog.String("subsystem", "badger"))
		opts = opts.WithLogger(slogAdapter{l: logger})
	}

	db, err := badger.Open(opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1))
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &DB{DB: db, cfg: cfg, logger: logger}, nil
}

// RunGC collects the value log every GCInterval until ctx ends.
//
// It returns nil at once for in-memory databases and when GCInterval is
// zero, so callers can start it unconditionally.
//
// Outputs:
//
//	error - ctx.Err() when ctx ends, nil when GC is disabled or the
//	database has been closed.
func (d *DB) RunGC(ctx context.Context) error {
	if d.cfg.InMemory || d.cfg.GCInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if d.DB.IsClosed() {
				return nil
			}
			n := d.collect()
			if n > 0 {
				d.logger.Debug("value log collected", slog.Int("rewrites", n))
			}
		}
	}
}

// collect rewrites value log files until badger reports nothing left to
// reclaim, and returns how many were rewritten.
func (d *DB) collect() int {
	n := 0
	for {
		err := d.DB.RunValueLogGC(d.cfg.GCDiscardRatio)
		switch {
		case err == nil:
			n++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
			return n
		default:
			d.logger.Warn("value log GC failed", slog.String("error", err.Error()))
			return n
		}
	}
}

// Close closes the database. Safe to call more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() { d.closeErr = d.DB.Close() })
	return d.closeErr
}

// Path returns the database directory, or "" for in-memory databases.
func (d *DB) Path() string {
	if d.cfg.InMemory {
		return ""
	}
	return d.cfg.Path
}

// WithTxn runs fn in a read-write transaction, committing if fn returns nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return d.txn(ctx, true, fn)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return d.txn(ctx, false, fn)
}

func (d *DB) txn(ctx context.Context, update bool, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("archive transaction: %w", err)
	}
	txn := d.DB.NewTransaction(update)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	if !update {
		return nil
	}
	return txn.Commit()
}
