// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package forensics ships sealed snapshots to durable destinations.
//
// A Sink takes a verified package and returns a location string that
// identifies where the evidence landed. The halt agent fans a package out
// to every configured sink; one failing sink does not stop the others.
package forensics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianContain/services/containment/archive"
	"github.com/AleutianAI/AleutianContain/services/containment/snapshot"
)

// ErrNoSinks is returned by Fanout when no sinks are configured.
var ErrNoSinks = errors.New("no forensic sinks configured")

// Sink receives sealed forensic packages.
type Sink interface {
	// Name identifies the sink in logs and receipts.
	Name() string

	// Ship stores s and returns its location.
	Ship(ctx context.Context, s *snapshot.Snapshot) (string, error)
}

// Receipt records where one sink put a package.
type Receipt struct {
	Sink     string `json:"sink"`
	Location string `json:"location"`
}

// ArchiveSink stores packages in the local badger archive.
type ArchiveSink struct {
	archive *archive.Archive
}

// NewArchiveSink wraps a.
func NewArchiveSink(a *archive.Archive) (*ArchiveSink, error) {
	if a == nil {
		return nil, errors.New("archive must not be nil")
	}
	return &ArchiveSink{archive: a}, nil
}

// Name implements Sink.
func (s *ArchiveSink) Name() string { return "archive" }

// Ship implements Sink. The location is the archive record id.
func (s *ArchiveSink) Ship(ctx context.Context, snap *snapshot.Snapshot) (string, error) {
	return s.archive.Put(ctx, snap)
}

// Fanout ships s to every sink.
//
// Description:
//
//	Sinks run in order. Failures are collected and joined; successful
//	receipts are returned alongside any error so the caller knows which
//	copies exist.
//
// Outputs:
//
//	[]Receipt - One per sink that succeeded.
//	error - ErrNoSinks, or the joined sink failures.
func Fanout(ctx context.Context, logger *slog.Logger, sinks []Sink, s *snapshot.Snapshot) ([]Receipt, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}
	if logger == nil {
		logger = slog.Default()
	}
	var (
		receipts []Receipt
		errs     []error
	)
	for _, sink := range sinks {
		loc, err := sink.Ship(ctx, s)
		if err != nil {
			logger.Error("forensic sink failed",
				slog.String("sink", sink.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
			continue
		}
		logger.Info("forensic package shipped",
			slog.String("sink", sink.Name()),
			slog.String("location", loc))
		receipts = append(receipts, Receipt{Sink: sink.Name(), Location: loc})
	}
	return receipts, errors.Join(errs...)
}
