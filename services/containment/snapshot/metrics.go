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
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for snapshot generation.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// CapturesTotal counts Generate calls by result kind.
	CapturesTotal *prometheus.CounterVec

	// CaptureDurationSeconds measures the whole Generate call.
	CaptureDurationSeconds prometheus.Histogram
}

// NewMetrics creates and registers snapshot metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CapturesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "containment",
				Subsystem: "snapshot",
				Name:      "captures_total",
				Help:      "Snapshot generation attempts by result",
			},
			[]string{"result"},
		),
		CaptureDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "containment",
				Subsystem: "snapshot",
				Name:      "capture_duration_seconds",
				Help:      "Wall time of snapshot generation",
				Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05},
			},
		),
	}
}

func (m *Metrics) observe(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CapturesTotal.WithLabelValues(resultLabel(err)).Inc()
	m.CaptureDurationSeconds.Observe(d.Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPrivilegeRequired):
		return "privilege_required"
	case errors.Is(err, ErrMemoryCaptureFailed):
		return "memory_capture_failed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrHashingOutputMismatch):
		return "output_mismatch"
	case errors.Is(err, ErrMetadataEncodingFailed):
		return "metadata_encoding_failed"
	case errors.Is(err, ErrIntegrityHashingFailed):
		return "hashing_failed"
	default:
		return "error"
	}
}
