// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the containment control plane over HTTP.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianContain/services/containment/archive"
	"github.com/AleutianAI/AleutianContain/services/containment/compiler"
	"github.com/AleutianAI/AleutianContain/services/containment/constraints"
	"github.com/AleutianAI/AleutianContain/services/containment/halt"
	"github.com/AleutianAI/AleutianContain/services/containment/snapshot"
)

// SnapshotSource produces sealed snapshots.
type SnapshotSource interface {
	Generate() (*snapshot.Snapshot, error)
}

// Deps are the components the handlers drive. Scheduler is required; a
// nil optional component makes its endpoints answer 503.
type Deps struct {
	Scheduler *constraints.Scheduler
	Compiler  compiler.Submitter
	Snapshots SnapshotSource
	Archive   *archive.Archive
	Halt      *halt.Orchestrator
	Agent     halt.Agent
	Audit     halt.SystemLogger
	Logger    *slog.Logger

	// Auth guards every endpoint except health. Nil accepts all callers.
	Auth Authenticator
}

// Handlers implements the HTTP endpoints.
//
// Thread Safety: Safe for concurrent use. At most one halt runs at a time.
type Handlers struct {
	deps    Deps
	logger  *slog.Logger
	halting atomic.Bool
}

// NewHandlers creates Handlers.
func NewHandlers(deps Deps) (*Handlers, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = OpenAuthenticator{}
	}
	return &Handlers{deps: deps, logger: logger.With(slog.String("subsystem", "api"))}, nil
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return h.logger.With(slog.String("request_id", requestID), slog.String("handler", handler))
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: what + " is not configured",
		Code:  "UNAVAILABLE",
	})
}

// HandleHealth handles GET /v1/containment/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "healthy"}
	if id, ok := h.deps.Scheduler.ActiveSetID(); ok {
		resp.ActiveSet = id.String()
	} else {
		resp.Bootstrap = true
	}
	if h.deps.Halt != nil {
		resp.HaltState = h.deps.Halt.State().String()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleActive handles GET /v1/containment/active.
func (h *Handlers) HandleActive(c *gin.Context) {
	block := h.deps.Scheduler.ActiveConstraints()
	resp := ActiveResponse{Block: block.Info(), Cached: []string{}}
	if id, ok := h.deps.Scheduler.ActiveSetID(); ok {
		resp.SetID = id.String()
	} else {
		resp.Bootstrap = true
	}
	for _, id := range h.deps.Scheduler.Sets() {
		resp.Cached = append(resp.Cached, id.String())
	}
	c.JSON(http.StatusOK, resp)
}

// HandleSweep handles POST /v1/containment/sweep.
//
// Description:
//
//	Checks the posted sample against the active constraint set. A
//	violation is a normal outcome and answers 200 with pass=false.
//
// Response:
//
//	200 OK: SweepResponse
//	400 Bad Request: Malformed sample
func (h *Handlers) HandleSweep(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSweep")

	var sample constraints.Sample
	if err := c.ShouldBindJSON(&sample); err != nil {
		logger.Warn("invalid sweep sample", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	version := h.deps.Scheduler.ActiveConstraints().Version()
	err := h.deps.Scheduler.Sweep(sample)
	var violation *constraints.ViolationError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, SweepResponse{Pass: true, Version: version})
	case errors.As(err, &violation):
		logger.Info("sweep violation",
			slog.String("rule", violation.Rule),
			slog.Uint64("version", violation.Version))
		c.JSON(http.StatusOK, SweepResponse{
			Version: violation.Version,
			Rule:    violation.Rule,
			Reason:  violation.Reason,
		})
	default:
		logger.Error("sweep failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "SWEEP_FAILED"})
	}
}

// HandleSwitch handles POST /v1/containment/switch/:id.
//
// Response:
//
//	200 OK: SwitchResponse
//	400 Bad Request: id is not a set id
//	404 Not Found: set is not cached
func (h *Handlers) HandleSwitch(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSwitch")

	id, err := constraints.ParseSetID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_SET_ID"})
		return
	}
	if err := h.deps.Scheduler.SwitchActiveSet(id); err != nil {
		status, code := http.StatusInternalServerError, "SWITCH_FAILED"
		if errors.Is(err, constraints.ErrMissingActiveSet) {
			status, code = http.StatusNotFound, "MISSING_ACTIVE_SET"
		}
		logger.Warn("switch rejected", slog.String("error", err.Error()))
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, SwitchResponse{
		SetID:   id.String(),
		Version: h.deps.Scheduler.ActiveConstraints().Version(),
	})
}

// HandleCompile handles POST /v1/containment/compile.
//
// Response:
//
//	202 Accepted: CompileResponse
//	400 Bad Request: Validation error
//	503 Service Unavailable: Compiler stopped or not configured
func (h *Handlers) HandleCompile(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCompile")
	if h.deps.Compiler == nil {
		unavailable(c, "compiler")
		return
	}

	var req CompileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid compile request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	id := constraints.SetID(req.SetID)
	err := h.deps.Compiler.Submit(c.Request.Context(), compiler.CompileDefinition(id, req.Definition, req.Policies))
	if err != nil {
		status, code := http.StatusInternalServerError, "SUBMIT_FAILED"
		if errors.Is(err, compiler.ErrEngineStopped) {
			status, code = http.StatusServiceUnavailable, "ENGINE_STOPPED"
		}
		logger.Error("compile submit failed", slog.String("error", err.Error()))
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	logger.Info("compile queued", slog.String("set_id", id.String()))
	c.JSON(http.StatusAccepted, CompileResponse{Queued: true, SetID: id.String()})
}

// HandleCreateSnapshot handles POST /v1/containment/snapshots.
//
// Description:
//
//	Seals a snapshot of the daemon and stores it in the archive.
//
// Response:
//
//	201 Created: SnapshotResponse
//	403 Forbidden: Capture privilege missing
//	500 Internal Server Error: Capture or archive failure
func (h *Handlers) HandleCreateSnapshot(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCreateSnapshot")
	if h.deps.Snapshots == nil || h.deps.Archive == nil {
		unavailable(c, "snapshot archive")
		return
	}

	snap, err := h.deps.Snapshots.Generate()
	if err != nil {
		status, code := http.StatusInternalServerError, "CAPTURE_FAILED"
		switch {
		case errors.Is(err, snapshot.ErrPrivilegeRequired):
			status, code = http.StatusForbidden, "PRIVILEGE_REQUIRED"
		case errors.Is(err, snapshot.ErrTimeout):
			code = "CAPTURE_TIMEOUT"
		}
		logger.Error("snapshot capture failed", slog.String("error", err.Error()))
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	id, err := h.deps.Archive.Put(c.Request.Context(), snap)
	if err != nil {
		logger.Error("snapshot archive failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "ARCHIVE_FAILED"})
		return
	}
	c.JSON(http.StatusCreated, SnapshotResponse{
		ID:            id,
		IntegrityHash: hex.EncodeToString(snap.IntegrityHash()),
		PayloadSize:   snap.PayloadSize(),
		LatencyNs:     snap.CaptureLatency().Nanoseconds(),
	})
}

// HandleListSnapshots handles GET /v1/containment/snapshots.
func (h *Handlers) HandleListSnapshots(c *gin.Context) {
	logger := h.requestLogger(c, "HandleListSnapshots")
	if h.deps.Archive == nil {
		unavailable(c, "snapshot archive")
		return
	}
	entries, err := h.deps.Archive.List(c.Request.Context())
	if err != nil {
		logger.Error("snapshot list failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "LIST_FAILED"})
		return
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	c.JSON(http.StatusOK, SnapshotListResponse{Snapshots: entries})
}

// HandleVerifySnapshot handles GET /v1/containment/snapshots/:id/verify.
//
// Response:
//
//	200 OK: VerifyResponse (valid may be false)
//	400 Bad Request: id is not a UUID
//	404 Not Found: No such snapshot
func (h *Handlers) HandleVerifySnapshot(c *gin.Context) {
	logger := h.requestLogger(c, "HandleVerifySnapshot")
	if h.deps.Archive == nil {
		unavailable(c, "snapshot archive")
		return
	}
	id := c.Param("id")
	_, err := h.deps.Archive.Get(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, VerifyResponse{ID: id, Valid: true})
	case errors.Is(err, archive.ErrInvalidID):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_SNAPSHOT_ID"})
	case errors.Is(err, archive.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "SNAPSHOT_NOT_FOUND"})
	case errors.Is(err, snapshot.ErrIntegrityMismatch):
		logger.Warn("archived snapshot failed verification", slog.String("id", id))
		c.JSON(http.StatusOK, VerifyResponse{ID: id, Error: err.Error()})
	default:
		logger.Error("snapshot verify failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "VERIFY_FAILED"})
	}
}

// HandleHalt handles POST /v1/containment/halt.
//
// Description:
//
//	Runs the halt sequence with the configured agent. The sequence is
//	detached from the request context so a disconnecting client cannot
//	abort it. A second request while one is running gets 409.
//
// Response:
//
//	200 OK: HaltResponse with a completed report
//	409 Conflict: A halt is already running
//	500 Internal Server Error: HaltResponse with the failure code
//	504 Gateway Timeout: HaltResponse for a timed out sequence
func (h *Handlers) HandleHalt(c *gin.Context) {
	logger := h.requestLogger(c, "HandleHalt")
	if h.deps.Halt == nil || h.deps.Agent == nil {
		unavailable(c, "halt orchestrator")
		return
	}
	if !h.halting.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "halt sequence already running", Code: "HALT_IN_PROGRESS"})
		return
	}

	logger.Warn("halt requested", slog.String("policy_id", h.deps.Halt.Policy().ID))
	report, err := h.deps.Halt.Execute(context.WithoutCancel(c.Request.Context()), h.deps.Agent, h.deps.Audit)
	h.releaseHaltGuard(logger)
	if err == nil {
		c.JSON(http.StatusOK, HaltResponse{Report: report})
		return
	}
	status, code := haltStatus(err)
	c.JSON(status, HaltResponse{Report: report, Code: code})
}

// releaseHaltGuard clears the re-entry guard once the orchestrator's last
// sequence has settled. After a timeout the abandoned sequence may still be
// inside the agent, so the guard is held until it returns.
func (h *Handlers) releaseHaltGuard(logger *slog.Logger) {
	settled := h.deps.Halt.Settled()
	select {
	case <-settled:
		h.halting.Store(false)
	default:
		logger.Warn("halt sequence abandoned; guard held until the agent returns")
		go func() {
			<-settled
			h.halting.Store(false)
		}()
	}
}

func haltStatus(err error) (int, string) {
	switch {
	case errors.Is(err, halt.ErrTimeout):
		return http.StatusGatewayTimeout, "HALT_TIMEOUT"
	case errors.Is(err, halt.ErrIsolationFailed):
		return http.StatusInternalServerError, "ISOLATION_FAILED"
	case errors.Is(err, halt.ErrSanitizationFailed):
		return http.StatusInternalServerError, "SANITIZATION_FAILED"
	case errors.Is(err, halt.ErrForensicsFailed):
		return http.StatusInternalServerError, "FORENSICS_FAILED"
	default:
		return http.StatusInternalServerError, "HALT_FAILED"
	}
}
