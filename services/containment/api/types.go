// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/AleutianAI/AleutianContain/services/containment/archive"
	"github.com/AleutianAI/AleutianContain/services/containment/constraints"
	"github.com/AleutianAI/AleutianContain/services/containment/halt"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine readable error code.
	Code string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	ActiveSet string `json:"active_set,omitempty"`
	Bootstrap bool   `json:"bootstrap"`
	HaltState string `json:"halt_state,omitempty"`
}

// ActiveResponse describes the active constraint set.
type ActiveResponse struct {
	SetID     string           `json:"set_id,omitempty"`
	Bootstrap bool             `json:"bootstrap"`
	Block     constraints.Info `json:"block"`
	Cached    []string         `json:"cached_sets"`
}

// SweepResponse is the outcome of one sweep.
type SweepResponse struct {
	Pass    bool   `json:"pass"`
	Version uint64 `json:"compilation_version"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SwitchResponse confirms a switch.
type SwitchResponse struct {
	SetID   string `json:"set_id"`
	Version uint64 `json:"compilation_version"`
}

// CompileRequest queues a compile of one constraint set.
type CompileRequest struct {
	SetID      uint64 `json:"set_id" binding:"required,gt=0"`
	Definition string `json:"definition" binding:"required"`
	Policies   string `json:"policies"`
}

// CompileResponse acknowledges a queued compile. The result is applied
// asynchronously; poll /active or /sets to observe it.
type CompileResponse struct {
	Queued bool   `json:"queued"`
	SetID  string `json:"set_id"`
}

// SnapshotResponse is returned after a snapshot is sealed and archived.
type SnapshotResponse struct {
	ID            string `json:"id"`
	IntegrityHash string `json:"integrity_hash"`
	PayloadSize   int    `json:"payload_size"`
	LatencyNs     int64  `json:"capture_latency_ns"`
}

// SnapshotListResponse lists archived snapshots.
type SnapshotListResponse struct {
	Snapshots []archive.Entry `json:"snapshots"`
}

// VerifyResponse reports whether an archived snapshot's seal holds.
type VerifyResponse struct {
	ID    string `json:"id"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// HaltResponse carries the halt report, with the error code on failure.
type HaltResponse struct {
	Report *halt.Report `json:"report"`
	Code   string       `json:"code,omitempty"`
}
