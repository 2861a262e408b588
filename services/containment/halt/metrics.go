// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package halt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for halt sequences. A nil *Metrics is valid.
type Metrics struct {
	// SequencesTotal counts finished sequences by terminal state.
	SequencesTotal *prometheus.CounterVec

	// SequenceDurationSeconds measures Execute wall time.
	SequenceDurationSeconds prometheus.Histogram

	// PhaseDurationSeconds measures each phase.
	PhaseDurationSeconds *prometheus.HistogramVec

	// SLAViolationsTotal counts SLA breaches by component.
	SLAViolationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers halt metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	return &Metrics{
		SequencesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "halt",
			Name:      "sequences_total",
			Help:      "Halt sequences by terminal state",
		}, []string{"state"}),
		SequenceDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "containment",
			Subsystem: "halt",
			Name:      "sequence_duration_seconds",
			Help:      "Wall time of halt sequences",
			Buckets:   buckets,
		}),
		PhaseDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "containment",
			Subsystem: "halt",
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each halt phase",
			Buckets:   buckets,
		}, []string{"phase"}),
		SLAViolationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "halt",
			Name:      "sla_violations_total",
			Help:      "SLA breaches by component",
		}, []string{"component"}),
	}
}

func (m *Metrics) observe(final State, d time.Duration) {
	if m == nil {
		return
	}
	m.SequencesTotal.WithLabelValues(final.String()).Inc()
	m.SequenceDurationSeconds.Observe(d.Seconds())
}

func (m *Metrics) observePhase(phase State, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDurationSeconds.WithLabelValues(phase.String()).Observe(d.Seconds())
}

func (m *Metrics) violation(component string) {
	if m == nil {
		return
	}
	m.SLAViolationsTotal.WithLabelValues(component).Inc()
}
