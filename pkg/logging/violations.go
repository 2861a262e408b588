// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ViolationRecorder is the audit side channel for halt sequences.
//
// Violations are written at WARN and counted per policy and component.
// Every method recovers from handler panics so a broken sink can never
// fail or stall the caller.
//
// Thread Safety: Safe for concurrent use.
type ViolationRecorder struct {
	logger     *slog.Logger
	violations *prometheus.CounterVec
}

// NewViolationRecorder creates a recorder writing to logger. reg may be nil,
// in which case violations are only logged.
func NewViolationRecorder(logger *slog.Logger, reg prometheus.Registerer) *ViolationRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ViolationRecorder{logger: logger.With(slog.String("subsystem", "audit"))}
	if reg != nil {
		r.violations = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "audit",
			Name:      "sla_violations_total",
			Help:      "SLA violations recorded by policy and component",
		}, []string{"policy_id", "component"})
	}
	return r
}

// RecordViolation logs an SLA breach.
func (r *ViolationRecorder) RecordViolation(policyID, component string, d time.Duration) {
	defer r.swallow()
	if r.violations != nil {
		r.violations.WithLabelValues(policyID, component).Inc()
	}
	r.logger.Warn("SLA violation",
		slog.String("policy_id", policyID),
		slog.String("component", component),
		slog.Int64("duration_ms", d.Milliseconds()),
		slog.Duration("duration", d),
	)
}

// LogInfo logs an informational audit message.
func (r *ViolationRecorder) LogInfo(msg string) {
	defer r.swallow()
	r.logger.Info(msg)
}

// swallow discards a panic raised by the handler.
func (r *ViolationRecorder) swallow() {
	_ = recover()
}
