// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot implements the Atomic Snapshot Generator.
//
// # Overview
//
// A snapshot is an immutable, hash-sealed capture of volatile execution
// state. Generation is bounded by a hard wall-clock budget: a capture that
// exceeds MaxCaptureDuration is by definition non-atomic and is discarded,
// never returned in degraded form.
//
// # Sequence
//
//	privilege check -> epoch timestamp -> volatile memory read
//	-> stack trace (best effort) -> hasher -> feed canonical fields
//	-> finalize + size check -> budget check -> seal
//
// # Canonical Hash Input
//
// The integrity hash covers, in this order and never any other:
//
//	volatile_memory_dump ‖ stack_trace ‖ metadata
//
// where metadata is the 23-byte little-endian block produced by
// EncodeMetadata. This order and layout (protocol id 2) is the compatibility
// surface for external verifiers.
//
// # Thread Safety
//
// Generator holds no per-call state. Concurrent Generate calls are safe as
// long as the injected CaptureProvider and integrity.Factory are.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPrivilegeRequired is returned when the provider denies privileged capture.
	ErrPrivilegeRequired = errors.New("privileged capture required")

	// ErrMemoryCaptureFailed is returned when the volatile memory read fails.
	ErrMemoryCaptureFailed = errors.New("volatile memory capture failed")

	// ErrTimeout is matched by *TimeoutError.
	ErrTimeout = errors.New("snapshot exceeded atomic capture budget")

	// ErrIntegrityHashingFailed is returned when the hasher cannot be built
	// or finalized.
	ErrIntegrityHashingFailed = errors.New("integrity hashing failed")

	// ErrHashingOutputMismatch is matched by *OutputMismatchError.
	ErrHashingOutputMismatch = errors.New("hash output size mismatch")

	// ErrMetadataEncodingFailed is returned when the canonical metadata block
	// cannot be produced.
	ErrMetadataEncodingFailed = errors.New("canonical metadata encoding failed")

	// ErrIntegrityMismatch is returned by Verify when the recomputed hash
	// differs from the stored one.
	ErrIntegrityMismatch = errors.New("snapshot integrity hash mismatch")
)

// TimeoutError reports a capture that finished outside its budget.
type TimeoutError struct {
	Actual time.Duration
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v: took %dns, budget %dns", ErrTimeout, e.Actual.Nanoseconds(), e.Budget.Nanoseconds())
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// OutputMismatchError reports a finalize output of the wrong length.
type OutputMismatchError struct {
	Expected int
	Actual   int
}

func (e *OutputMismatchError) Error() string {
	return fmt.Sprintf("%v: expected %d bytes, got %d", ErrHashingOutputMismatch, e.Expected, e.Actual)
}

// Is matches ErrHashingOutputMismatch.
func (e *OutputMismatchError) Is(target error) bool { return target == ErrHashingOutputMismatch }

// CaptureProvider supplies the raw state a snapshot seals.
//
// Thread Safety: Implementations used with a shared Generator must be safe
// for concurrent use.
type CaptureProvider interface {
	// CheckPrivilege reports whether privileged capture is permitted.
	CheckPrivilege() bool

	// CurrentEpochNs returns wall-clock time since the Unix epoch in ns.
	CurrentEpochNs() uint64

	// CaptureVolatileMemory reads the volatile regions. The returned slice is
	// owned by the caller.
	CaptureVolatileMemory() ([]byte, error)

	// CaptureExecutionStack returns a textual execution trace. It cannot fail;
	// an empty string is a valid trace.
	CaptureExecutionStack() string
}

// Snapshot is a sealed state package. All fields are read-only; accessors
// return copies of byte slices.
type Snapshot struct {
	captureVersion    uint16
	timestampNs       uint64
	captureLatency    time.Duration
	integrityHash     []byte
	volatileDump      []byte
	stackTrace        string
	contextFlags      uint32
	hashingProtocolID uint8
}

// CaptureVersion returns the structural schema version.
func (s *Snapshot) CaptureVersion() uint16 { return s.captureVersion }

// TimestampNs returns the absolute capture timestamp since the Unix epoch.
func (s *Snapshot) TimestampNs() uint64 { return s.timestampNs }

// CaptureLatency returns the measured duration of the whole generation.
func (s *Snapshot) CaptureLatency() time.Duration { return s.captureLatency }

// IntegrityHash returns a copy of the seal.
func (s *Snapshot) IntegrityHash() []byte { return bytes.Clone(s.integrityHash) }

// VolatileMemoryDump returns a copy of the captured memory.
func (s *Snapshot) VolatileMemoryDump() []byte { return bytes.Clone(s.volatileDump) }

// StackTrace returns the captured execution trace.
func (s *Snapshot) StackTrace() string { return s.stackTrace }

// ContextFlags returns the context bitfield.
func (s *Snapshot) ContextFlags() uint32 { return s.contextFlags }

// HashingProtocolID identifies the canonical hash-input layout used.
func (s *Snapshot) HashingProtocolID() uint8 { return s.hashingProtocolID }

// PayloadSize returns the length of the volatile memory dump.
func (s *Snapshot) PayloadSize() int { return len(s.volatileDump) }

// Metadata returns the canonical metadata fields of this package.
func (s *Snapshot) Metadata() Metadata {
	return Metadata{
		TimestampNs:       s.timestampNs,
		ContextFlags:      s.contextFlags,
		CaptureVersion:    s.captureVersion,
		HashingProtocolID: s.hashingProtocolID,
		PayloadSize:       uint64(len(s.volatileDump)),
	}
}
