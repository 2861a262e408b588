// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the process-wide configuration of the containment
// control plane.
//
// Every timing budget, size and identifier used by the snapshot generator,
// the halt orchestrator and the constraint compiler is read from a single
// YAML document at startup. Nothing in the core embeds these values as
// literals; components receive the relevant sub-struct at construction.
//
// # Usage
//
//	cfg, err := config.LoadFile("/etc/aleutian/containment.yaml")
//	if err != nil {
//	    return err
//	}
//	gen, err := snapshot.NewGenerator(cfg.Snapshot, provider, factory)
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// ProtocolCanonicalV2 is the only hashing protocol this build produces.
// See snapshot.EncodeMetadata for the byte layout it names.
const ProtocolCanonicalV2 uint8 = 2

// Config is the root configuration document.
type Config struct {
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Halt      HaltConfig      `yaml:"halt"`
	Compiler  CompilerConfig  `yaml:"compiler"`
	Storage   StorageConfig   `yaml:"storage"`
	Forensics ForensicsConfig `yaml:"forensics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Server    ServerConfig    `yaml:"server"`
}

// SnapshotConfig configures the atomic snapshot generator.
type SnapshotConfig struct {
	// CaptureVersion is the structural schema version stamped on packages.
	CaptureVersion uint16 `yaml:"capture_version" validate:"gt=0"`

	// HashingProtocolID names the canonical hash-input layout.
	// Only ProtocolCanonicalV2 is produced by this build.
	HashingProtocolID uint8 `yaml:"hashing_protocol_id" validate:"eq=2"`

	// HashAlgorithm selects the integrity.Factory used for sealing.
	HashAlgorithm string `yaml:"hash_algorithm" validate:"oneof=blake2b sha3"`

	// HashSize is the exact finalize output length in bytes.
	HashSize int `yaml:"hash_size" validate:"min=16,max=64"`

	// MaxCaptureDuration is the atomicity budget. A capture that takes longer
	// is discarded.
	MaxCaptureDuration time.Duration `yaml:"max_capture_duration" validate:"gt=0"`

	// ContextFlags is the bitfield stamped on every package.
	ContextFlags uint32 `yaml:"context_flags"`
}

// HaltConfig is the default halt policy.
type HaltConfig struct {
	PolicyID     string        `yaml:"policy_id" validate:"required"`
	IsolationSLA time.Duration `yaml:"isolation_sla" validate:"gt=0"`
	TotalTimeout time.Duration `yaml:"total_timeout" validate:"gt=0,gtfield=IsolationSLA"`
}

// CompilerConfig configures the background compiler engine and the policy
// bundle watcher.
type CompilerConfig struct {
	// QueueCapacity bounds the compile task queue. Producers block when full.
	QueueCapacity int `yaml:"queue_capacity" validate:"min=1"`

	// PolicyDir is watched for bundle files. Empty disables the watcher.
	PolicyDir string `yaml:"policy_dir"`

	// RecompileInterval is the minimum spacing between watcher submissions.
	RecompileInterval time.Duration `yaml:"recompile_interval" validate:"gte=0"`

	// RecompileBurst is the watcher's token bucket size.
	RecompileBurst int `yaml:"recompile_burst" validate:"min=1"`
}

// StorageConfig configures the badger database backing the snapshot archive.
type StorageConfig struct {
	Path       string        `yaml:"path" validate:"required_without=InMemory"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// ForensicsConfig selects where forensic packages are shipped.
type ForensicsConfig struct {
	Sinks []string `yaml:"sinks" validate:"dive,oneof=archive s3"`
	S3    S3Config `yaml:"s3"`
}

// S3Config configures the S3 (or MinIO) forensic sink.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=stdout none"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// AuthTokenEnv names the environment variable holding the bearer token
	// operators must present. Empty leaves the API open, which is only
	// suitable for a loopback listener.
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// DefaultConfig returns the reference configuration.
//
// Description:
//
//	The values reproduce the reference deployment: a 64-byte BLAKE2b seal,
//	a 5ms capture budget, context flag 0x42 and a 2s halt timeout with a
//	100ms isolation SLA.
//
// Outputs:
//
//	Config - A configuration that passes Validate.
func DefaultConfig() Config {
	return Config{
		Snapshot: SnapshotConfig{
			CaptureVersion:     1,
			HashingProtocolID:  ProtocolCanonicalV2,
			HashAlgorithm:      "blake2b",
			HashSize:           64,
			MaxCaptureDuration: 5 * time.Millisecond,
			ContextFlags:       0x42,
		},
		Halt: HaltConfig{
			PolicyID:     "fsmu-default",
			IsolationSLA: 100 * time.Millisecond,
			TotalTimeout: 2 * time.Second,
		},
		Compiler: CompilerConfig{
			QueueCapacity:     64,
			RecompileInterval: 250 * time.Millisecond,
			RecompileBurst:    4,
		},
		Storage: StorageConfig{
			Path:       "/var/lib/aleutian/containment",
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Forensics: ForensicsConfig{
			Sinks: []string{"archive"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "containd",
			TraceExporter: "none",
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8471",
		},
	}
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if slices.Contains(c.Forensics.Sinks, "s3") && c.Forensics.S3.Bucket == "" {
		return errors.New("invalid configuration: forensics.s3.bucket is required when the s3 sink is enabled")
	}
	return nil
}
