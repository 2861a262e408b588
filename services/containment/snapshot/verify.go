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
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianContain/services/containment/integrity"
)

// ComputeHash recomputes the canonical integrity hash of the given fields.
//
// Description:
//
//	Feeds dump, trace and the encoded metadata, in that order, into a fresh
//	hasher of the requested size. External verifiers that reimplement the
//	contract must reproduce exactly this sequence.
//
// Outputs:
//
//	[]byte - The digest.
//	error - Wraps ErrMetadataEncodingFailed or ErrIntegrityHashingFailed.
func ComputeHash(f integrity.Factory, size int, dump []byte, trace string, meta Metadata) ([]byte, error) {
	encoded, err := EncodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	h, err := f.NewFixedOutput(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrityHashingFailed, err)
	}
	h.Update(dump)
	h.Update([]byte(trace))
	h.Update(encoded)
	sum, err := h.Finalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrityHashingFailed, err)
	}
	return sum, nil
}

// Verify checks that s's integrity hash is hashSize bytes and matches its
// stored fields.
//
// Outputs:
//
//	error - *OutputMismatchError if the stored hash is not hashSize bytes,
//	ErrIntegrityMismatch if the seal does not match, or a hashing error if
//	the hash cannot be recomputed.
func Verify(s *Snapshot, f integrity.Factory, hashSize int) error {
	if s == nil {
		return errors.New("snapshot must not be nil")
	}
	if len(s.integrityHash) != hashSize {
		return &OutputMismatchError{Expected: hashSize, Actual: len(s.integrityHash)}
	}
	sum, err := ComputeHash(f, hashSize, s.volatileDump, s.stackTrace, s.Metadata())
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(sum, s.integrityHash) != 1 {
		return ErrIntegrityMismatch
	}
	return nil
}

// Record is the serialized form of a Snapshot used by the archive and by
// forensic sinks. Byte fields encode as base64 in JSON.
type Record struct {
	CaptureVersion    uint16 `json:"capture_version"`
	TimestampNs       uint64 `json:"absolute_capture_timestamp_ns"`
	CaptureLatencyNs  int64  `json:"capture_latency_ns"`
	IntegrityHash     []byte `json:"integrity_hash"`
	VolatileDump      []byte `json:"volatile_memory_dump"`
	StackTrace        string `json:"stack_trace"`
	ContextFlags      uint32 `json:"context_flags"`
	HashingProtocolID uint8  `json:"hashing_protocol_id"`
}

// Record returns a serializable copy of s.
func (s *Snapshot) Record() Record {
	return Record{
		CaptureVersion:    s.captureVersion,
		TimestampNs:       s.timestampNs,
		CaptureLatencyNs:  s.captureLatency.Nanoseconds(),
		IntegrityHash:     s.IntegrityHash(),
		VolatileDump:      s.VolatileMemoryDump(),
		StackTrace:        s.stackTrace,
		ContextFlags:      s.contextFlags,
		HashingProtocolID: s.hashingProtocolID,
	}
}

// Restore rebuilds a Snapshot from a Record, refusing records whose seal
// is not hashSize bytes or does not verify.
func Restore(r Record, f integrity.Factory, hashSize int) (*Snapshot, error) {
	s := &Snapshot{
		captureVersion:    r.CaptureVersion,
		timestampNs:       r.TimestampNs,
		captureLatency:    time.Duration(r.CaptureLatencyNs),
		integrityHash:     r.IntegrityHash,
		volatileDump:      r.VolatileDump,
		stackTrace:        r.StackTrace,
		contextFlags:      r.ContextFlags,
		hashingProtocolID: r.HashingProtocolID,
	}
	if err := Verify(s, f, hashSize); err != nil {
		return nil, err
	}
	return s, nil
}
