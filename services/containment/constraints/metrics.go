// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package constraints

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the scheduler. A nil *Metrics is valid.
type Metrics struct {
	// SweepsTotal counts sweeps by result (pass, violation).
	SweepsTotal *prometheus.CounterVec

	// SwitchesTotal counts switch attempts by result (ok, missing).
	SwitchesTotal *prometheus.CounterVec

	// ResultsTotal counts compiler results by outcome (applied, stale, failed).
	ResultsTotal *prometheus.CounterVec

	// ActiveVersion is the compilation version of the active set.
	ActiveVersion prometheus.Gauge

	// CachedSets is the number of cached sets.
	CachedSets prometheus.Gauge
}

// NewMetrics creates and registers scheduler metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SweepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "constraints",
			Name:      "sweeps_total",
			Help:      "Integrity sweeps by result",
		}, []string{"result"}),
		SwitchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "constraints",
			Name:      "switches_total",
			Help:      "Active set switch attempts by result",
		}, []string{"result"}),
		ResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "constraints",
			Name:      "results_total",
			Help:      "Compiler results by outcome",
		}, []string{"outcome"}),
		ActiveVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "containment",
			Subsystem: "constraints",
			Name:      "active_version",
			Help:      "Compilation version of the active constraint set",
		}),
		CachedSets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "containment",
			Subsystem: "constraints",
			Name:      "cached_sets",
			Help:      "Number of cached constraint sets",
		}),
	}
}

func (m *Metrics) swept(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SweepsTotal.WithLabelValues("violation").Inc()
		return
	}
	m.SweepsTotal.WithLabelValues("pass").Inc()
}

func (m *Metrics) switched(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.SwitchesTotal.WithLabelValues("ok").Inc()
		return
	}
	m.SwitchesTotal.WithLabelValues("missing").Inc()
}

func (m *Metrics) applied(outcome string) {
	if m == nil {
		return
	}
	m.ResultsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setActiveVersion(v uint64) {
	if m == nil {
		return
	}
	m.ActiveVersion.Set(float64(v))
}

func (m *Metrics) setCacheSize(n int) {
	if m == nil {
		return
	}
	m.CachedSets.Set(float64(n))
}
