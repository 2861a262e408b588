// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package halt runs the containment halt sequence.
//
// A sequence moves through
//
//	Idle -> Isolating -> SanitizingAndCollecting -> Completed | Failed | TimedOut
//
// Isolation must be confirmed before anything else happens. Sanitization and
// forensics collection then run concurrently and are both awaited. The whole
// sequence races a hard deadline; when the deadline wins the orchestrator
// stops waiting and in-flight agent calls are left to finish on their own.
package halt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianContain/services/containment/config"
)

// State is a halt sequence state.
type State int32

const (
	// StateIdle is the state before a sequence starts.
	StateIdle State = iota

	// StateIsolating is phase 1.
	StateIsolating

	// StateSanitizingAndCollecting is phase 2: sanitization and forensics
	// collection in parallel.
	StateSanitizingAndCollecting

	// StateCompleted means every phase succeeded in time.
	StateCompleted

	// StateFailed means an agent operation failed.
	StateFailed

	// StateTimedOut means the total timeout elapsed first.
	StateTimedOut
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIsolating:
		return "isolating"
	case StateSanitizingAndCollecting:
		return "sanitizing_and_collecting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a sequence.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Policy is the immutable configuration of one halt invocation.
type Policy struct {
	// ID is reported with every SLA violation.
	ID string

	// IsolationSLA is the advisory budget for phase 1.
	IsolationSLA time.Duration

	// TotalTimeout is the hard budget for the whole sequence.
	TotalTimeout time.Duration
}

// PolicyFromConfig builds a Policy from the halt configuration section.
func PolicyFromConfig(cfg config.HaltConfig) Policy {
	return Policy{
		ID:           cfg.PolicyID,
		IsolationSLA: cfg.IsolationSLA,
		TotalTimeout: cfg.TotalTimeout,
	}
}

// Validate checks that the policy can drive a sequence.
func (p Policy) Validate() error {
	if p.ID == "" {
		return errors.New("policy id must not be empty")
	}
	if p.IsolationSLA <= 0 {
		return fmt.Errorf("isolation SLA must be positive, got %v", p.IsolationSLA)
	}
	if p.TotalTimeout <= 0 {
		return fmt.Errorf("total timeout must be positive, got %v", p.TotalTimeout)
	}
	return nil
}

// Agent performs the halt primitives.
//
// Each call receives the sequence context, which is cancelled when the
// total timeout expires. Implementations should honor it but the
// orchestrator does not rely on that.
type Agent interface {
	// Isolate cuts the contained workload off from its surroundings.
	Isolate(ctx context.Context) error

	// Sanitize wipes sensitive volatile state.
	Sanitize(ctx context.Context) error

	// CollectForensics captures and ships the evidence package.
	CollectForensics(ctx context.Context) error
}

// SystemLogger is the side channel for audit output. Its failures, panics
// included, never affect a sequence.
type SystemLogger interface {
	// RecordViolation records an SLA breach for a component.
	RecordViolation(policyID, component string, d time.Duration)

	// LogInfo records an informational message.
	LogInfo(msg string)
}

// ComponentIsolation is the component name reported for isolation SLA breaches.
const ComponentIsolation = "Isolation"

var (
	// ErrIsolationFailed means phase 1 failed. The sequence stops there.
	ErrIsolationFailed = errors.New("isolation failed")

	// ErrSanitizationFailed means memory sanitization failed. It takes
	// precedence over ErrForensicsFailed when both fail.
	ErrSanitizationFailed = errors.New("sanitization failed")

	// ErrForensicsFailed means forensics collection failed.
	ErrForensicsFailed = errors.New("forensics collection failed")

	// ErrTimeout means the total timeout elapsed.
	ErrTimeout = errors.New("halt sequence timed out")

	// ErrNilAgent is returned when Execute is called without an agent.
	ErrNilAgent = errors.New("halt agent must not be nil")
)

// TimeoutError reports the total timeout that was exceeded.
type TimeoutError struct {
	Total time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %v", ErrTimeout, e.Total)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Report summarizes one Execute call. Fields the orchestrator did not observe
// before returning are left zero.
type Report struct {
	RunID             string        `json:"run_id"`
	PolicyID          string        `json:"policy_id"`
	State             string        `json:"state"`
	IsolationDuration time.Duration `json:"isolation_duration_ns"`
	SLAViolated       bool          `json:"sla_violated"`
	Elapsed           time.Duration `json:"elapsed_ns"`
	Error             string        `json:"error,omitempty"`
}
