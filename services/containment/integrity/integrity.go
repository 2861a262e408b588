// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package integrity defines the streaming hash capability used to seal
// snapshots, and the algorithm implementations selectable from
// configuration.
//
// The snapshot generator never names an algorithm. It asks a Factory for a
// Hasher with a fixed output size, streams the canonical fields into it and
// checks the finalized length. Swapping algorithms is a configuration change.
package integrity

import (
	"errors"
	"fmt"
	"hash"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrUnsupportedSize is returned when an algorithm cannot produce the
	// requested output length.
	ErrUnsupportedSize = errors.New("unsupported hash output size")

	// ErrFinalized is returned when Finalize is called twice.
	ErrFinalized = errors.New("hasher already finalized")

	// ErrUnknownAlgorithm is returned by Lookup for unregistered names.
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm")
)

// Hasher is a single-use streaming hash.
//
// Thread Safety: Not safe for concurrent use. One Hasher per capture.
type Hasher interface {
	// Update feeds bytes into the hash state.
	Update(p []byte)

	// Finalize returns the digest. The Hasher is unusable afterwards.
	Finalize() ([]byte, error)
}

// Factory builds Hashers with a fixed output size.
//
// Thread Safety: Implementations must be safe for concurrent use; the
// snapshot generator calls NewFixedOutput from many goroutines.
type Factory interface {
	NewFixedOutput(size int) (Hasher, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(size int) (Hasher, error)

// NewFixedOutput calls f.
func (f FactoryFunc) NewFixedOutput(size int) (Hasher, error) { return f(size) }

// streamHasher wraps a hash.Hash.
type streamHasher struct {
	h    hash.Hash
	done bool
}

// Wrap adapts a standard hash.Hash to Hasher.
func Wrap(h hash.Hash) Hasher {
	return &streamHasher{h: h}
}

func (s *streamHasher) Update(p []byte) {
	if s.done {
		return
	}
	// hash.Hash.Write never returns an error.
	_, _ = s.h.Write(p)
}

func (s *streamHasher) Finalize() ([]byte, error) {
	if s.done {
		return nil, ErrFinalized
	}
	s.done = true
	return s.h.Sum(nil), nil
}

// Blake2b produces BLAKE2b digests of 1 to 64 bytes. It is the default
// sealing algorithm.
type Blake2b struct{}

// NewFixedOutput returns an unkeyed BLAKE2b hasher of the given size.
func (Blake2b) NewFixedOutput(size int) (Hasher, error) {
	if size < 1 || size > blake2b.Size {
		return nil, fmt.Errorf("blake2b %d bytes: %w", size, ErrUnsupportedSize)
	}
	h, err := blake2b.New(size, nil)
	if err != nil {
		return nil, fmt.Errorf("blake2b init: %w", err)
	}
	return Wrap(h), nil
}

// SHA3 produces SHA3-256, SHA3-384 or SHA3-512 digests.
type SHA3 struct{}

// NewFixedOutput returns the SHA3 variant whose output is size bytes.
func (SHA3) NewFixedOutput(size int) (Hasher, error) {
	switch size {
	case 32:
		return Wrap(sha3.New256()), nil
	case 48:
		return Wrap(sha3.New384()), nil
	case 64:
		return Wrap(sha3.New512()), nil
	default:
		return nil, fmt.Errorf("sha3 %d bytes: %w", size, ErrUnsupportedSize)
	}
}

var registry = map[string]Factory{
	"blake2b": Blake2b{},
	"sha3":    SHA3{},
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return f, nil
}

// Algorithms lists the registered algorithm names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sum hashes parts in order with a fresh Hasher from f.
func Sum(f Factory, size int, parts ...[]byte) ([]byte, error) {
	h, err := f.NewFixedOutput(size)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		h.Update(p)
	}
	return h.Finalize()
}
