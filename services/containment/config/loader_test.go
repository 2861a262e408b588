// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 64, cfg.Snapshot.HashSize)
	assert.Equal(t, 5*time.Millisecond, cfg.Snapshot.MaxCaptureDuration)
	assert.Equal(t, uint32(0x42), cfg.Snapshot.ContextFlags)
	assert.Equal(t, ProtocolCanonicalV2, cfg.Snapshot.HashingProtocolID)
}

func TestParse_OverridesDefaults(t *testing.T) {
	doc := []byte(`
snapshot:
  hash_algorithm: sha3
  max_capture_duration: 20ms
halt:
  policy_id: lab-7
  isolation_sla: 50ms
  total_timeout: 1s
compiler:
  queue_capacity: 8
`)
	cfg, err := Parse(doc)
	require.NoError(t, err)

	assert.Equal(t, "sha3", cfg.Snapshot.HashAlgorithm)
	assert.Equal(t, 20*time.Millisecond, cfg.Snapshot.MaxCaptureDuration)
	assert.Equal(t, "lab-7", cfg.Halt.PolicyID)
	assert.Equal(t, 50*time.Millisecond, cfg.Halt.IsolationSLA)
	assert.Equal(t, 8, cfg.Compiler.QueueCapacity)
	// Untouched sections keep defaults.
	assert.Equal(t, 64, cfg.Snapshot.HashSize)
	assert.Equal(t, "127.0.0.1:8471", cfg.Server.ListenAddr)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown algorithm", "snapshot:\n  hash_algorithm: md5\n"},
		{"hash too large", "snapshot:\n  hash_size: 128\n"},
		{"unknown protocol", "snapshot:\n  hashing_protocol_id: 1\n"},
		{"timeout below sla", "halt:\n  isolation_sla: 2s\n  total_timeout: 1s\n"},
		{"empty policy id", "halt:\n  policy_id: \"\"\n"},
		{"zero queue", "compiler:\n  queue_capacity: 0\n"},
		{"unknown sink", "forensics:\n  sinks: [ftp]\n"},
		{"s3 without bucket", "forensics:\n  sinks: [s3]\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"malformed yaml", "snapshot: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_InMemoryStorageNeedsNoPath(t *testing.T) {
	cfg, err := Parse([]byte("storage:\n  path: \"\"\n  in_memory: true\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Storage.InMemory)

	_, err = Parse([]byte("storage:\n  path: \"\"\n"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "containment.yaml")
	require.NoError(t, os.WriteFile(path, []byte("halt:\n  policy_id: from-file\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Halt.PolicyID)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
