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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianContain/services/containment/archive"
	"github.com/AleutianAI/AleutianContain/services/containment/compiler"
	"github.com/AleutianAI/AleutianContain/services/containment/config"
	"github.com/AleutianAI/AleutianContain/services/containment/constraints"
	"github.com/AleutianAI/AleutianContain/services/containment/constraints/defaults"
	"github.com/AleutianAI/AleutianContain/services/containment/halt"
	"github.com/AleutianAI/AleutianContain/services/containment/integrity"
	"github.com/AleutianAI/AleutianContain/services/containment/snapshot"
	badgerstore "github.com/AleutianAI/AleutianContain/services/containment/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []compiler.Task
	err   error
}

func (r *recordingSubmitter) Submit(_ context.Context, t compiler.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	return nil
}

type stubAgent struct {
	isolateErr error
	release    chan struct{}
	entered    chan struct{}
	enterOnce  sync.Once
}

func (a *stubAgent) Isolate(context.Context) error {
	if a.entered != nil {
		a.enterOnce.Do(func() { close(a.entered) })
	}
	if a.release != nil {
		<-a.release
	}
	return a.isolateErr
}

func (a *stubAgent) Sanitize(context.Context) error         { return nil }
func (a *stubAgent) CollectForensics(context.Context) error { return nil }

type failingSource struct{ err error }

func (f failingSource) Generate() (*snapshot.Snapshot, error) { return nil, f.err }

type fixture struct {
	router    *gin.Engine
	scheduler *constraints.Scheduler
	submitter *recordingSubmitter
	archive   *archive.Archive
	agent     *stubAgent
	registry  *prometheus.Registry
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()

	sched := constraints.NewScheduler(
		constraints.WithSchedulerLogger(quiet()),
		constraints.WithSchedulerMetrics(constraints.NewMetrics(reg)))
	block, err := constraints.Compile(defaults.Definition, defaults.Policies, 1)
	require.NoError(t, err)
	require.NoError(t, sched.InjectCompiledSet(defaults.BaselineSetID, block))
	require.NoError(t, sched.SwitchActiveSet(defaults.BaselineSetID))

	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	arch, err := archive.New(db, integrity.Blake2b{}, 64, quiet())
	require.NoError(t, err)

	cfg := config.DefaultConfig().Snapshot
	cfg.MaxCaptureDuration = 5 * time.Second
	gen, err := snapshot.NewGenerator(cfg, &snapshot.ProcessProvider{Memory: snapshot.RuntimeState}, integrity.Blake2b{})
	require.NoError(t, err)

	orch, err := halt.NewOrchestrator(halt.Policy{
		ID:           "fsmu-default",
		IsolationSLA: time.Second,
		TotalTimeout: 2 * time.Second,
	}, halt.WithLogger(quiet()))
	require.NoError(t, err)

	f := &fixture{scheduler: sched, submitter: &recordingSubmitter{}, archive: arch, agent: &stubAgent{}, registry: reg}
	deps := Deps{
		Scheduler: sched,
		Compiler:  f.submitter,
		Snapshots: gen,
		Archive:   arch,
		Halt:      orch,
		Agent:     f.agent,
		Logger:    quiet(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	h, err := NewHandlers(deps)
	require.NoError(t, err)
	f.router = NewRouter(h, reg)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNewHandlers_RequiresScheduler(t *testing.T) {
	_, err := NewHandlers(Deps{})
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/v1/containment/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1", resp.ActiveSet)
	assert.False(t, resp.Bootstrap)
	assert.Equal(t, "idle", resp.HaltState)
}

func TestHandleActive(t *testing.T) {
	f := newFixture(t, nil)
	resp := decode[ActiveResponse](t, f.do(t, http.MethodGet, "/v1/containment/active", nil))
	assert.Equal(t, "1", resp.SetID)
	assert.Equal(t, uint64(1), resp.Block.Version)
	assert.Equal(t, 4, resp.Block.Boundaries)
	assert.Equal(t, 5, resp.Block.Policies)
	assert.Equal(t, []string{"1"}, resp.Cached)
}

func TestHandleSweep(t *testing.T) {
	f := newFixture(t, nil)

	pass := constraints.Sample{
		Metrics: map[string]float64{"memory.resident_bytes": 1 << 20},
		Fields:  map[string]string{"tenant": "acme", "command": "/usr/bin/python3"},
	}
	w := f.do(t, http.MethodPost, "/v1/containment/sweep", pass)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SweepResponse{Pass: true, Version: 1}, decode[SweepResponse](t, w))

	fail := constraints.Sample{
		Metrics: map[string]float64{"memory.resident_bytes": 1 << 20},
		Fields:  map[string]string{"tenant": "acme", "command": "/bin/sh -c id"},
	}
	resp := decode[SweepResponse](t, f.do(t, http.MethodPost, "/v1/containment/sweep", fail))
	assert.False(t, resp.Pass)
	assert.Equal(t, "no-shell-spawn", resp.Rule)
	assert.Equal(t, uint64(1), resp.Version)

	req := httptest.NewRequest(http.MethodPost, "/v1/containment/sweep", strings.NewReader("{"))
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)
}

func TestHandleSwitch(t *testing.T) {
	f := newFixture(t, nil)

	block, err := constraints.Compile(defaults.Definition, "", 7)
	require.NoError(t, err)
	require.NoError(t, f.scheduler.InjectCompiledSet(2, block))

	w := f.do(t, http.MethodPost, "/v1/containment/switch/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SwitchResponse{SetID: "2", Version: 7}, decode[SwitchResponse](t, w))

	w = f.do(t, http.MethodPost, "/v1/containment/switch/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MISSING_ACTIVE_SET", decode[ErrorResponse](t, w).Code)
	id, _ := f.scheduler.ActiveSetID()
	assert.Equal(t, constraints.SetID(2), id, "unknown switch must leave the active set alone")

	w = f.do(t, http.MethodPost, "/v1/containment/switch/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCompile(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/containment/compile", CompileRequest{SetID: 3, Definition: defaults.Definition})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, CompileResponse{Queued: true, SetID: "3"}, decode[CompileResponse](t, w))
	require.Len(t, f.submitter.tasks, 1)
	assert.Equal(t, compiler.TaskCompile, f.submitter.tasks[0].Kind)
	assert.Equal(t, constraints.SetID(3), f.submitter.tasks[0].SetID)

	w = f.do(t, http.MethodPost, "/v1/containment/compile", CompileRequest{SetID: 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.submitter.err = compiler.ErrEngineStopped
	w = f.do(t, http.MethodPost, "/v1/containment/compile", CompileRequest{SetID: 4, Definition: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "ENGINE_STOPPED", decode[ErrorResponse](t, w).Code)
}

func TestHandleCompile_NotConfigured(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Compiler = nil })
	w := f.do(t, http.MethodPost, "/v1/containment/compile", CompileRequest{SetID: 3, Definition: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSnapshots_CreateListVerify(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/containment/snapshots", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[SnapshotResponse](t, w)
	assert.Len(t, created.IntegrityHash, 128)
	assert.Equal(t, 48, created.PayloadSize)

	list := decode[SnapshotListResponse](t, f.do(t, http.MethodGet, "/v1/containment/snapshots", nil))
	require.Len(t, list.Snapshots, 1)
	assert.Equal(t, created.ID, list.Snapshots[0].ID)

	w = f.do(t, http.MethodGet, "/v1/containment/snapshots/"+created.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, VerifyResponse{ID: created.ID, Valid: true}, decode[VerifyResponse](t, w))

	w = f.do(t, http.MethodGet, "/v1/containment/snapshots/nope/verify", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/v1/containment/snapshots/6f1c2a5e-8b0d-4c3e-9f7a-2d4b6c8e0a1f/verify", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshots_EmptyListAndCaptureErrors(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Snapshots = failingSource{err: snapshot.ErrPrivilegeRequired} })

	w := f.do(t, http.MethodGet, "/v1/containment/snapshots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"snapshots":[]}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/containment/snapshots", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PRIVILEGE_REQUIRED", decode[ErrorResponse](t, w).Code)
}

func TestHandleHalt(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/containment/halt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HaltResponse](t, w)
	require.NotNil(t, resp.Report)
	assert.Equal(t, "completed", resp.Report.State)
	assert.Equal(t, "fsmu-default", resp.Report.PolicyID)
}

func TestHandleHalt_Failure(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.isolateErr = errors.New("iptables unavailable")

	w := f.do(t, http.MethodPost, "/v1/containment/halt", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode[HaltResponse](t, w)
	assert.Equal(t, "ISOLATION_FAILED", resp.Code)
	assert.Equal(t, "failed", resp.Report.State)
}

func TestHandleHalt_RejectsConcurrentHalt(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.entered = make(chan struct{})
	f.agent.release = make(chan struct{})

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- f.do(t, http.MethodPost, "/v1/containment/halt", nil)
	}()
	<-f.agent.entered

	w := f.do(t, http.MethodPost, "/v1/containment/halt", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "HALT_IN_PROGRESS", decode[ErrorResponse](t, w).Code)

	close(f.agent.release)
	assert.Equal(t, http.StatusOK, (<-first).Code)
}

func TestHandleHalt_GuardHeldUntilAbandonedRunReturns(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		orch, err := halt.NewOrchestrator(halt.Policy{
			ID:           "fsmu-short",
			IsolationSLA: 10 * time.Millisecond,
			TotalTimeout: 50 * time.Millisecond,
		}, halt.WithLogger(quiet()))
		require.NoError(t, err)
		d.Halt = orch
	})
	f.agent.entered = make(chan struct{})
	f.agent.release = make(chan struct{})

	w := f.do(t, http.MethodPost, "/v1/containment/halt", nil)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "HALT_TIMEOUT", decode[HaltResponse](t, w).Code)

	// The first sequence is still inside Isolate.
	w = f.do(t, http.MethodPost, "/v1/containment/halt", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(f.agent.release)
	assert.Eventually(t, func() bool {
		return f.do(t, http.MethodPost, "/v1/containment/halt", nil).Code != http.StatusConflict
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHaltStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&halt.TimeoutError{Total: time.Second}, http.StatusGatewayTimeout, "HALT_TIMEOUT"},
		{halt.ErrSanitizationFailed, http.StatusInternalServerError, "SANITIZATION_FAILED"},
		{halt.ErrForensicsFailed, http.StatusInternalServerError, "FORENSICS_FAILED"},
		{context.Canceled, http.StatusInternalServerError, "HALT_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := haltStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/containment/sweep", constraints.Sample{})

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "containment_constraints_sweeps_total")
}
