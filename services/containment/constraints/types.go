// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package constraints holds compiled constraint sets and the scheduler that
// validates live samples against the active one.
//
// A constraint set is compiled from two YAML texts: a definition listing
// metric boundaries and a policy text listing integrity rules over sample
// fields and payload size. Compilation produces an immutable *Block that is
// shared by reference. The Scheduler keeps a cache of blocks by set id and a
// single atomically swapped active entry that the sweep path reads without
// locking.
package constraints

import (
	"errors"
	"fmt"
	"strconv"
)

// SetID identifies a constraint set.
type SetID uint64

// String returns the decimal form of the id.
func (id SetID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseSetID parses a decimal set id.
func ParseSetID(s string) (SetID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid constraint set id %q: %w", s, err)
	}
	return SetID(v), nil
}

var (
	// ErrCompilationFailed means the definition or policy text was empty or
	// invalid.
	ErrCompilationFailed = errors.New("constraint compilation failed")

	// ErrMissingActiveSet means a switch named a set that is not cached.
	ErrMissingActiveSet = errors.New("constraint set not cached")

	// ErrExternalDependencyFailure means a compile job crashed or its
	// execution context failed.
	ErrExternalDependencyFailure = errors.New("external dependency failure")

	// ErrSchedulerIntegrity means an operation would leave the active
	// reference pointing outside the cache.
	ErrSchedulerIntegrity = errors.New("scheduler integrity failure")

	// ErrPolicyViolation means a sample failed the active constraint set.
	ErrPolicyViolation = errors.New("policy violation")
)

// Sample is one unit of live data checked by a sweep.
type Sample struct {
	// Metrics are checked against boundaries.
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// Fields are checked against integrity policies.
	Fields map[string]string `json:"fields,omitempty"`

	// Payload is checked against payload size limits.
	Payload []byte `json:"payload,omitempty"`
}

// ViolationError describes the first rule a sample broke.
type ViolationError struct {
	// Version is the compilation version of the evaluated block.
	Version uint64

	// Rule names the boundary or policy, or "bootstrap" for an
	// uninitialized block.
	Rule string

	// Reason is a short human readable cause.
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: rule %q (version %d): %s", ErrPolicyViolation, e.Rule, e.Version, e.Reason)
}

// Is makes errors.Is(err, ErrPolicyViolation) match.
func (e *ViolationError) Is(target error) bool { return target == ErrPolicyViolation }

// Result is what the compiler engine delivers for one compile request.
// Exactly one of Block and Err is set.
type Result struct {
	SetID SetID
	Block *Block
	Err   error
}
