// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive persists sealed snapshots in BadgerDB.
//
// Records are write-once and keyed by a random UUID. Every read re-verifies
// the integrity seal, so a record altered on disk is never handed back as
// evidence.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianContain/services/containment/integrity"
	"github.com/AleutianAI/AleutianContain/services/containment/snapshot"
	badgerstore "github.com/AleutianAI/AleutianContain/services/containment/storage/badger"
)

const keyPrefix = "snapshot:"

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("snapshot not found")

	// ErrInvalidID is returned for ids that are not UUIDs.
	ErrInvalidID = errors.New("invalid snapshot id")
)

// Entry summarizes an archived snapshot without its payload.
type Entry struct {
	ID                string    `json:"id"`
	StoredAt          time.Time `json:"stored_at"`
	TimestampNs       uint64    `json:"absolute_capture_timestamp_ns"`
	CaptureVersion    uint16    `json:"capture_version"`
	HashingProtocolID uint8     `json:"hashing_protocol_id"`
	PayloadSize       int       `json:"payload_size"`
	HashSize          int       `json:"hash_size"`
}

type stored struct {
	ID         string          `json:"id"`
	StoredAtNs int64           `json:"stored_at_ns"`
	Record     snapshot.Record `json:"record"`
}

func (s stored) entry() Entry {
	return Entry{
		ID:                s.ID,
		StoredAt:          time.Unix(0, s.StoredAtNs).UTC(),
		TimestampNs:       s.Record.TimestampNs,
		CaptureVersion:    s.Record.CaptureVersion,
		HashingProtocolID: s.Record.HashingProtocolID,
		PayloadSize:       len(s.Record.VolatileDump),
		HashSize:          len(s.Record.IntegrityHash),
	}
}

// Archive stores sealed snapshots.
//
// Thread Safety: Safe for concurrent use.
type Archive struct {
	db      *badgerstore.DB
	hashers  integrity.Factory
	hashSize int
	logger   *slog.Logger
	now     func() time.Time
}

// New creates an Archive over an open database. hashers and hashSize must
// match the generator the snapshots were sealed with; seals of any other
// length are refused.
func New(db *badgerstore.DB, hashers integrity.Factory, hashSize int, logger *slog.Logger) (*Archive, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if hashers == nil {
		return nil, errors.New("hasher factory must not be nil")
	}
	if hashSize <= 0 {
		return nil, fmt.Errorf("hash size must be positive, got %d", hashSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		db:       db,
		hashers:  hashers,
		hashSize: hashSize,
		logger:   logger.With(slog.String("subsystem", "archive")),
		now:      time.Now,
	}, nil
}

// Put verifies and stores s, returning the new record id.
//
// Description:
//
//	The seal is checked before anything is written. A package whose seal
//	has the wrong length is refused with snapshot.ErrHashingOutputMismatch,
//	one that does not verify with snapshot.ErrIntegrityMismatch.
//
// Outputs:
//
//	string - The record id (a UUID).
//	error - Non-nil on verification, encoding or storage failure.
func (a *Archive) Put(ctx context.Context, s *snapshot.Snapshot) (string, error) {
	if err := snapshot.Verify(s, a.hashers, a.hashSize); err != nil {
		return "", fmt.Errorf("refusing to archive snapshot: %w", err)
	}
	rec := stored{
		ID:         uuid.NewString(),
		StoredAtNs: a.now().UnixNano(),
		Record:     s.Record(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode snapshot record: %w", err)
	}
	err = a.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key(rec.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("store snapshot %s: %w", rec.ID, err)
	}
	a.logger.Info("snapshot archived",
		slog.String("id", rec.ID),
		slog.Int("payload_size", s.PayloadSize()))
	return rec.ID, nil
}

// Get loads a snapshot and re-verifies its seal.
func (a *Archive) Get(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	rec, err := a.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := snapshot.Restore(rec.Record, a.hashers, a.hashSize)
	if err != nil {
		a.logger.Error("archived snapshot failed verification",
			slog.String("id", id),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return s, nil
}

// Stat returns the summary of one record without verifying it.
func (a *Archive) Stat(ctx context.Context, id string) (Entry, error) {
	rec, err := a.load(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return rec.entry(), nil
}

// List returns every record summary, oldest first.
func (a *Archive) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec stored
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, rec.entry())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StoredAt.Equal(entries[j].StoredAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
	return entries, nil
}

func (a *Archive) load(ctx context.Context, id string) (stored, error) {
	if _, err := uuid.Parse(id); err != nil {
		return stored{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	var rec stored
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return stored{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return stored{}, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return rec, nil
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}
