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
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianContain/services/containment/integrity"
)

func TestEncodeMetadata_Layout(t *testing.T) {
	b, err := EncodeMetadata(Metadata{
		TimestampNs:       0x0102030405060708,
		ContextFlags:      0x42,
		CaptureVersion:    0x0A0B,
		HashingProtocolID: 2,
		PayloadSize:       6,
	})
	require.NoError(t, err)
	require.Len(t, b, MetadataSize)

	want := []byte{
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, // timestamp
		0x42, 0x00, 0x00, 0x00, // context flags
		0x0B, 0x0A, // version
		0x02,                                           // protocol id
		0x06, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // payload size
	}
	assert.Equal(t, want, b)

	decoded, err := DecodeMetadata(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), decoded.TimestampNs)
	assert.Equal(t, uint64(6), decoded.PayloadSize)
}

func TestEncodeMetadata_UnknownProtocol(t *testing.T) {
	_, err := EncodeMetadata(Metadata{HashingProtocolID: 1})
	assert.ErrorIs(t, err, ErrMetadataEncodingFailed)

	_, err = DecodeMetadata(make([]byte, 10))
	assert.ErrorIs(t, err, ErrMetadataEncodingFailed)
}

func TestRestore_DetectsTampering(t *testing.T) {
	g := newTestGenerator(t, testConfig(), defaultProvider(), integrity.Blake2b{})
	snap, err := g.Generate()
	require.NoError(t, err)

	// Survives a JSON round trip untouched.
	raw, err := json.Marshal(snap.Record())
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	restored, err := Restore(rec, integrity.Blake2b{}, 64)
	require.NoError(t, err)
	assert.Equal(t, snap.IntegrityHash(), restored.IntegrityHash())

	tests := []struct {
		name   string
		mutate func(r *Record)
	}{
		{"dump", func(r *Record) { r.VolatileDump[0] ^= 1 }},
		{"trace", func(r *Record) { r.StackTrace += " " }},
		{"flags", func(r *Record) { r.ContextFlags = 0x43 }},
		{"timestamp", func(r *Record) { r.TimestampNs++ }},
		{"version", func(r *Record) { r.CaptureVersion++ }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := snap.Record()
			tt.mutate(&r)
			_, err := Restore(r, integrity.Blake2b{}, 64)
			assert.ErrorIs(t, err, ErrIntegrityMismatch)
		})
	}
}

func TestVerify_RejectsShortSeal(t *testing.T) {
	g := newTestGenerator(t, testConfig(), defaultProvider(), integrity.Blake2b{})
	snap, err := g.Generate()
	require.NoError(t, err)

	// A seal that is internally consistent but only one byte long.
	r := snap.Record()
	short, err := ComputeHash(integrity.Blake2b{}, 1, r.VolatileDump, r.StackTrace, snap.Metadata())
	require.NoError(t, err)
	r.IntegrityHash = short

	_, err = Restore(r, integrity.Blake2b{}, 64)
	require.ErrorIs(t, err, ErrHashingOutputMismatch)
	var mismatch *OutputMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 64, mismatch.Expected)
	assert.Equal(t, 1, mismatch.Actual)

	truncated, err := Restore(r, integrity.Blake2b{}, 1)
	require.NoError(t, err, "the same record is valid at its own size")
	assert.ErrorIs(t, Verify(truncated, integrity.Blake2b{}, 64), ErrHashingOutputMismatch)

	r.IntegrityHash = nil
	_, err = Restore(r, integrity.Blake2b{}, 64)
	assert.ErrorIs(t, err, ErrHashingOutputMismatch)
}

func TestProcessProvider(t *testing.T) {
	p := &ProcessProvider{}
	assert.True(t, p.CheckPrivilege())
	assert.NotZero(t, p.CurrentEpochNs())
	assert.True(t, strings.HasPrefix(p.CaptureExecutionStack(), "goroutine "))

	_, err := p.CaptureVolatileMemory()
	assert.ErrorIs(t, err, ErrNoMemorySource)

	p.Memory = RuntimeState
	mem, err := p.CaptureVolatileMemory()
	require.NoError(t, err)
	assert.Len(t, mem, 48)
}

func TestProcessProvider_EndToEnd(t *testing.T) {
	p := &ProcessProvider{Memory: RuntimeState}
	g := newTestGenerator(t, testConfig(), p, integrity.Blake2b{})
	snap, err := g.Generate()
	require.NoError(t, err)
	require.NoError(t, Verify(snap, integrity.Blake2b{}, 64))
}
