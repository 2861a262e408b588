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
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/AleutianAI/AleutianContain/services/containment/config"
	"github.com/AleutianAI/AleutianContain/services/containment/integrity"
)

type fakeProvider struct {
	mu          sync.Mutex
	denied      bool
	epoch       uint64
	memory      []byte
	memErr      error
	memPanics   bool
	stack       string
	stackPanics bool

	memoryCalls  int
	lastReturned []byte
}

func (p *fakeProvider) CheckPrivilege() bool   { return !p.denied }
func (p *fakeProvider) CurrentEpochNs() uint64 { return p.epoch }

func (p *fakeProvider) CaptureVolatileMemory() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memoryCalls++
	if p.memPanics {
		panic("device read fault")
	}
	if p.memErr != nil {
		return nil, p.memErr
	}
	out := bytes.Clone(p.memory)
	p.lastReturned = out
	return out, nil
}

func (p *fakeProvider) CaptureExecutionStack() string {
	if p.stackPanics {
		panic("unwinder crashed")
	}
	return p.stack
}

// steppingClock advances by step on every call.
type steppingClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func testConfig() config.SnapshotConfig {
	cfg := config.DefaultConfig().Snapshot
	// Generous budget so scheduler noise cannot fail the success paths.
	cfg.MaxCaptureDuration = time.Second
	return cfg
}

func defaultProvider() *fakeProvider {
	return &fakeProvider{
		epoch:  1_700_000_000_123_456_789,
		memory: []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		stack:  "RT_THREAD_0x1A: MAIN_LOOP -> ASG_GENERATE_CALL",
	}
}

func newTestGenerator(t *testing.T, cfg config.SnapshotConfig, p CaptureProvider, f integrity.Factory) *Generator {
	t.Helper()
	g, err := NewGenerator(cfg, p, f)
	require.NoError(t, err)
	return g
}

func TestGenerate_Success(t *testing.T) {
	p := defaultProvider()
	g := newTestGenerator(t, testConfig(), p, integrity.Blake2b{})

	snap, err := g.Generate()
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Len(t, snap.IntegrityHash(), 64)
	assert.Equal(t, p.memory, snap.VolatileMemoryDump())
	assert.Equal(t, p.stack, snap.StackTrace())
	assert.Equal(t, uint32(0x42), snap.ContextFlags())
	assert.Equal(t, uint16(1), snap.CaptureVersion())
	assert.Equal(t, config.ProtocolCanonicalV2, snap.HashingProtocolID())
	assert.Equal(t, p.epoch, snap.TimestampNs())
	assert.Greater(t, snap.CaptureLatency(), time.Duration(0))
	assert.Equal(t, len(p.memory), snap.PayloadSize())

	require.NoError(t, Verify(snap, integrity.Blake2b{}, 64))
}

// TestGenerate_CanonicalOrder recomputes the seal by hand from the
// documented layout, independent of EncodeMetadata.
func TestGenerate_CanonicalOrder(t *testing.T) {
	p := defaultProvider()
	g := newTestGenerator(t, testConfig(), p, integrity.Blake2b{})

	snap, err := g.Generate()
	require.NoError(t, err)

	meta := make([]byte, 23)
	binary.LittleEndian.PutUint64(meta[0:], p.epoch)
	binary.LittleEndian.PutUint32(meta[8:], 0x42)
	binary.LittleEndian.PutUint16(meta[12:], 1)
	meta[14] = 2
	binary.LittleEndian.PutUint64(meta[15:], uint64(len(p.memory)))

	h, err := blake2b.New512(nil)
	require.NoError(t, err)
	h.Write(p.memory)
	h.Write([]byte(p.stack))
	h.Write(meta)

	assert.Equal(t, h.Sum(nil), snap.IntegrityHash())
}

func TestGenerate_Deterministic(t *testing.T) {
	p := defaultProvider()
	g := newTestGenerator(t, testConfig(), p, integrity.SHA3{})

	a, err := g.Generate()
	require.NoError(t, err)
	b, err := g.Generate()
	require.NoError(t, err)
	assert.Equal(t, a.IntegrityHash(), b.IntegrityHash(), "identical inputs must seal identically")
}

func TestGenerate_PrivilegeRequired(t *testing.T) {
	p := defaultProvider()
	p.denied = true
	g := newTestGenerator(t, testConfig(), p, integrity.Blake2b{})

	snap, err := g.Generate()
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrPrivilegeRequired)
	assert.Zero(t, p.memoryCalls, "memory must not be read without privilege")
}

func TestGenerate_MemoryCaptureFailed(t *testing.T) {
	p := defaultProvider()
	p.memErr = errors.New("EFAULT")
	g := newTestGenerator(t, testConfig(), p, integrity.Blake2b{})

	snap, err := g.Generate()
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrMemoryCaptureFailed)
	assert.ErrorContains(t, err, "EFAULT")
}

func TestGenerate_MemoryCapturePanic(t *testing.T) {
	p := defaultProvider()
	p.memPanics = true
	g := newTestGenerator(t, testConfig(), p, integrity.Blake2b{})

	_, err := g.Generate()
	assert.ErrorIs(t, err, ErrMemoryCaptureFailed)
}

func TestGenerate_StackTraceIsBestEffort(t *testing.T) {
	p := defaultProvider()
	p.stackPanics = true
	g := newTestGenerator(t, testConfig(), p, integrity.Blake2b{})

	snap, err := g.Generate()
	require.NoError(t, err)
	assert.Empty(t, snap.StackTrace())
	require.NoError(t, Verify(snap, integrity.Blake2b{}, 64))
}

func TestGenerate_HasherConstructionFails(t *testing.T) {
	failing := integrity.FactoryFunc(func(int) (integrity.Hasher, error) {
		return nil, errors.New("no entropy")
	})
	p := defaultProvider()
	g := newTestGenerator(t, testConfig(), p, failing)

	snap, err := g.Generate()
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrIntegrityHashingFailed)
	assert.Equal(t, make([]byte, len(p.memory)), p.lastReturned, "captured memory must be wiped")
}

func TestGenerate_HashingOutputMismatch(t *testing.T) {
	tests := []struct {
		name      string
		outSize   int
		mismatch  bool
	}{
		{name: "short output", outSize: 32, mismatch: true},
		{name: "exact output", outSize: 64, mismatch: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Ignores the requested size and always emits outSize bytes.
			fixed := integrity.FactoryFunc(func(int) (integrity.Hasher, error) {
				return integrity.Blake2b{}.NewFixedOutput(tt.outSize)
			})
			g := newTestGenerator(t, testConfig(), defaultProvider(), fixed)

			snap, err := g.Generate()
			if !tt.mismatch {
				require.NoError(t, err)
				assert.Len(t, snap.IntegrityHash(), 64)
				return
			}
			assert.Nil(t, snap)
			require.ErrorIs(t, err, ErrHashingOutputMismatch)
			var mm *OutputMismatchError
			require.ErrorAs(t, err, &mm)
			assert.Equal(t, 64, mm.Expected)
			assert.Equal(t, tt.outSize, mm.Actual)
		})
	}
}

func TestGenerate_TimeoutDiscardsCapture(t *testing.T) {
	p := defaultProvider()
	cfg := testConfig()
	cfg.MaxCaptureDuration = 5 * time.Millisecond
	g := newTestGenerator(t, cfg, p, integrity.Blake2b{})
	clock := &steppingClock{t: time.Unix(0, 0), step: 6 * time.Millisecond}
	g.now = clock.Now

	snap, err := g.Generate()
	assert.Nil(t, snap, "a late snapshot must never be returned")
	require.ErrorIs(t, err, ErrTimeout)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 6*time.Millisecond, te.Actual)
	assert.Equal(t, 5*time.Millisecond, te.Budget)
	assert.Equal(t, make([]byte, len(p.memory)), p.lastReturned, "captured memory must be wiped")
}

func TestGenerate_WithinBudgetOnFakeClock(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCaptureDuration = 5 * time.Millisecond
	g := newTestGenerator(t, cfg, defaultProvider(), integrity.Blake2b{})
	clock := &steppingClock{t: time.Unix(0, 0), step: 4 * time.Millisecond}
	g.now = clock.Now

	snap, err := g.Generate()
	require.NoError(t, err)
	assert.Equal(t, 4*time.Millisecond, snap.CaptureLatency())
}

func TestGenerate_Concurrent(t *testing.T) {
	g := newTestGenerator(t, testConfig(), defaultProvider(), integrity.Blake2b{})

	const workers = 32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := g.Generate()
			if err != nil {
				errs <- err
				return
			}
			errs <- Verify(snap, integrity.Blake2b{}, 64)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestSnapshot_AccessorsReturnCopies(t *testing.T) {
	g := newTestGenerator(t, testConfig(), defaultProvider(), integrity.Blake2b{})
	snap, err := g.Generate()
	require.NoError(t, err)

	h := snap.IntegrityHash()
	h[0] ^= 0xFF
	d := snap.VolatileMemoryDump()
	d[0] ^= 0xFF

	require.NoError(t, Verify(snap, integrity.Blake2b{}, 64), "mutating copies must not affect the package")
}

func TestNewGenerator_Validation(t *testing.T) {
	cfg := testConfig()

	_, err := NewGenerator(cfg, nil, integrity.Blake2b{})
	assert.Error(t, err)

	_, err = NewGenerator(cfg, defaultProvider(), nil)
	assert.Error(t, err)

	bad := cfg
	bad.HashSize = 0
	_, err = NewGenerator(bad, defaultProvider(), integrity.Blake2b{})
	assert.Error(t, err)

	bad = cfg
	bad.MaxCaptureDuration = 0
	_, err = NewGenerator(bad, defaultProvider(), integrity.Blake2b{})
	assert.Error(t, err)

	bad = cfg
	bad.HashingProtocolID = 1
	_, err = NewGenerator(bad, defaultProvider(), integrity.Blake2b{})
	assert.Error(t, err)
}

func TestGenerate_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	p := defaultProvider()
	g, err := NewGenerator(testConfig(), p, integrity.Blake2b{}, WithMetrics(m))
	require.NoError(t, err)

	_, err = g.Generate()
	require.NoError(t, err)
	p.denied = true
	_, err = g.Generate()
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CapturesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CapturesTotal.WithLabelValues("privilege_required")))
}
