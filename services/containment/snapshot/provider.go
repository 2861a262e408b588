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
	"errors"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoMemorySource is returned by ProcessProvider without a Memory function.
var ErrNoMemorySource = errors.New("no volatile memory source configured")

// defaultStackBufferSize caps the captured trace.
const defaultStackBufferSize = 64 << 10

// ProcessProvider captures state from the running process.
//
// Privilege is the effective uid; when RequireRoot is false every caller is
// privileged. Volatile memory comes from the Memory function so that the
// caller decides which regions are in scope.
type ProcessProvider struct {
	// RequireRoot restricts capture to euid 0.
	RequireRoot bool

	// Memory returns the volatile regions to seal.
	Memory func() ([]byte, error)

	// AllGoroutines includes every goroutine in the stack trace.
	AllGoroutines bool

	// StackBufferSize bounds the trace. Zero means 64 KiB.
	StackBufferSize int
}

// CheckPrivilege implements CaptureProvider.
func (p *ProcessProvider) CheckPrivilege() bool {
	if !p.RequireRoot {
		return true
	}
	return unix.Geteuid() == 0
}

// CurrentEpochNs implements CaptureProvider.
func (p *ProcessProvider) CurrentEpochNs() uint64 {
	return uint64(time.Now().UnixNano())
}

// CaptureVolatileMemory implements CaptureProvider.
func (p *ProcessProvider) CaptureVolatileMemory() ([]byte, error) {
	if p.Memory == nil {
		return nil, ErrNoMemorySource
	}
	return p.Memory()
}

// CaptureExecutionStack implements CaptureProvider.
func (p *ProcessProvider) CaptureExecutionStack() string {
	size := p.StackBufferSize
	if size <= 0 {
		size = defaultStackBufferSize
	}
	buf := make([]byte, size)
	n := runtime.Stack(buf, p.AllGoroutines)
	return string(buf[:n])
}

// RuntimeState encodes a fixed set of runtime counters as the volatile
// region. It is the default Memory source for the daemon.
//
// Layout: little-endian u64 values of goroutine count, HeapAlloc,
// HeapObjects, StackInuse, NumGC and PauseTotalNs.
func RuntimeState() ([]byte, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	values := []uint64{
		uint64(runtime.NumGoroutine()),
		ms.HeapAlloc,
		ms.HeapObjects,
		ms.StackInuse,
		uint64(ms.NumGC),
		ms.PauseTotalNs,
	}
	buf := make([]byte, 0, 8*len(values))
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	return buf, nil
}
