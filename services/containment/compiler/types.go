// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compiler runs constraint compilation off the sweep path.
//
// The Engine consumes tasks from a bounded queue in arrival order. Each
// compile job runs on its own goroutine so a slow compile never delays the
// next message, and each result is delivered once on the results channel
// as a constraints.Result. Versions are assigned when a task is taken off
// the queue, so a later request for the same set always carries a higher
// version than an earlier one.
package compiler

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/AleutianContain/services/containment/constraints"
)

// TaskKind discriminates queue messages.
type TaskKind int

const (
	// TaskCompile requests compilation of one constraint set.
	TaskCompile TaskKind = iota

	// TaskShutdown stops the engine once in-flight jobs finish.
	TaskShutdown
)

// String returns the string representation of the kind.
func (k TaskKind) String() string {
	switch k {
	case TaskCompile:
		return "compile"
	case TaskShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Task is one queue message. Definition and Policies are only meaningful
// for TaskCompile.
type Task struct {
	Kind       TaskKind
	SetID      constraints.SetID
	Definition string
	Policies   string
}

// CompileDefinition builds a compile task.
func CompileDefinition(id constraints.SetID, definition, policies string) Task {
	return Task{Kind: TaskCompile, SetID: id, Definition: definition, Policies: policies}
}

// Shutdown builds a shutdown task.
func Shutdown() Task {
	return Task{Kind: TaskShutdown}
}

// CompileFunc compiles one set. constraints.Compile is the default.
type CompileFunc func(definition, policies string, version uint64) (*constraints.Block, error)

var (
	// ErrEngineStopped is returned by Submit and Run once the engine loop
	// has exited.
	ErrEngineStopped = errors.New("compiler engine stopped")

	// ErrEngineRunning is returned by a second concurrent Run.
	ErrEngineRunning = errors.New("compiler engine already running")
)

// Versioner hands out strictly increasing compilation versions.
//
// Thread Safety: Safe for concurrent use.
type Versioner struct {
	last atomic.Uint64
}

// Next returns the next version. The first call returns 1 unless Observe
// raised the floor.
func (v *Versioner) Next() uint64 {
	return v.last.Add(1)
}

// Observe raises the floor so that Next returns a value above version.
func (v *Versioner) Observe(version uint64) {
	for {
		cur := v.last.Load()
		if cur >= version || v.last.CompareAndSwap(cur, version) {
			return
		}
	}
}

// Last returns the most recently issued version.
func (v *Versioner) Last() uint64 { return v.last.Load() }

// classify maps a job error onto the reported kinds.
func classify(err error) error {
	if err == nil ||
		errors.Is(err, constraints.ErrCompilationFailed) ||
		errors.Is(err, constraints.ErrExternalDependencyFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", constraints.ErrExternalDependencyFailure, err)
}
