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
	"encoding/binary"
	"fmt"

	"github.com/AleutianAI/AleutianContain/services/containment/config"
)

// MetadataSize is the length of the canonical metadata block.
const MetadataSize = 8 + 4 + 2 + 1 + 8

// Metadata is the ephemeral hash-input block. It exists only to be encoded.
type Metadata struct {
	TimestampNs       uint64
	ContextFlags      uint32
	CaptureVersion    uint16
	HashingProtocolID uint8
	PayloadSize       uint64
}

// EncodeMetadata produces the canonical metadata bytes.
//
// Description:
//
//	Layout for protocol id 2, all integers little-endian:
//
//	  offset  0  u64  absolute capture timestamp (ns since epoch)
//	  offset  8  u32  context flags
//	  offset 12  u16  capture version
//	  offset 14  u8   hashing protocol id
//	  offset 15  u64  payload size (length of the volatile dump)
//
//	This layout is a wire contract. Changing it requires a new protocol id.
//
// Inputs:
//
//	m - Field values. HashingProtocolID must name a known layout.
//
// Outputs:
//
//	[]byte - Exactly MetadataSize bytes.
//	error - Wraps ErrMetadataEncodingFailed for an unknown protocol id.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m.HashingProtocolID != config.ProtocolCanonicalV2 {
		return nil, fmt.Errorf("%w: unknown hashing protocol id %d", ErrMetadataEncodingFailed, m.HashingProtocolID)
	}
	buf := make([]byte, 0, MetadataSize)
	buf = binary.LittleEndian.AppendUint64(buf, m.TimestampNs)
	buf = binary.LittleEndian.AppendUint32(buf, m.ContextFlags)
	buf = binary.LittleEndian.AppendUint16(buf, m.CaptureVersion)
	buf = append(buf, m.HashingProtocolID)
	buf = binary.LittleEndian.AppendUint64(buf, m.PayloadSize)
	if len(buf) != MetadataSize {
		return nil, fmt.Errorf("%w: encoded %d bytes, want %d", ErrMetadataEncodingFailed, len(buf), MetadataSize)
	}
	return buf, nil
}

// DecodeMetadata is the inverse of EncodeMetadata, for external verifiers
// and tests.
func DecodeMetadata(b []byte) (Metadata, error) {
	if len(b) != MetadataSize {
		return Metadata{}, fmt.Errorf("%w: block is %d bytes, want %d", ErrMetadataEncodingFailed, len(b), MetadataSize)
	}
	return Metadata{
		TimestampNs:       binary.LittleEndian.Uint64(b[0:8]),
		ContextFlags:      binary.LittleEndian.Uint32(b[8:12]),
		CaptureVersion:    binary.LittleEndian.Uint16(b[12:14]),
		HashingProtocolID: b[14],
		PayloadSize:       binary.LittleEndian.Uint64(b[15:23]),
	}, nil
}
