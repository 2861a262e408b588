// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

var (
	// ErrVaultDestroyed is returned by a Vault after Destroy.
	ErrVaultDestroyed = errors.New("vault destroyed")

	// ErrSecretNotFound is returned by Open for unknown names.
	ErrSecretNotFound = errors.New("secret not found")
)

// Vault holds named secrets in mlocked, guard-paged memguard buffers.
//
// Sanitization destroys every buffer in one call. A destroyed vault stays
// destroyed; later Seal calls fail so nothing sensitive is re-acquired
// during teardown.
//
// Thread Safety: Safe for concurrent use.
type Vault struct {
	mu        sync.Mutex
	buffers   map[string]*memguard.LockedBuffer
	destroyed bool
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{buffers: make(map[string]*memguard.LockedBuffer)}
}

// Seal moves data into locked memory under name, replacing any previous
// secret of that name. data is wiped.
func (v *Vault) Seal(name string, data []byte) error {
	if name == "" {
		return errors.New("secret name must not be empty")
	}
	if len(data) == 0 {
		return errors.New("secret must not be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		memguard.WipeBytes(data)
		return ErrVaultDestroyed
	}
	buf := memguard.NewBufferFromBytes(data)
	if buf.Size() == 0 {
		return fmt.Errorf("allocate locked buffer for %s", name)
	}
	buf.Freeze()
	if old, ok := v.buffers[name]; ok {
		old.Destroy()
	}
	v.buffers[name] = buf
	return nil
}

// Open calls fn with a read-only view of the named secret. The slice must
// not be retained after fn returns.
func (v *Vault) Open(name string, fn func([]byte) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return ErrVaultDestroyed
	}
	buf, ok := v.buffers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return fn(buf.Bytes())
}

// Names returns the sealed secret names, sorted.
func (v *Vault) Names() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.buffers))
	for n := range v.buffers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Destroy wipes and unlocks every buffer. It returns the number destroyed
// and is safe to call more than once.
func (v *Vault) Destroy() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for name, buf := range v.buffers {
		buf.Destroy()
		delete(v.buffers, name)
		n++
	}
	v.destroyed = true
	return n
}

// Destroyed reports whether Destroy has run.
func (v *Vault) Destroyed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.destroyed
}

// MlockLimit returns the RLIMIT_MEMLOCK soft limit in bytes, or -1 when
// unlimited. Locked buffers beyond the limit fail to allocate.
func MlockLimit() (int64, error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return 0, fmt.Errorf("getrlimit memlock: %w", err)
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return -1, nil
	}
	return int64(rlimit.Cur), nil
}
