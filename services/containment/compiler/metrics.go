// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianContain/services/containment/constraints"
)

// Metrics holds Prometheus metrics for the compiler engine and watcher.
// A nil *Metrics is valid.
type Metrics struct {
	// TasksTotal counts submitted tasks by kind.
	TasksTotal *prometheus.CounterVec

	// QueueDepth is the number of queued tasks.
	QueueDepth prometheus.Gauge

	// JobsInFlight is the number of running compile jobs.
	JobsInFlight prometheus.Gauge

	// JobsTotal counts finished jobs by result.
	JobsTotal *prometheus.CounterVec

	// JobDurationSeconds measures compile time.
	JobDurationSeconds prometheus.Histogram

	// DroppedResultsTotal counts results nobody received.
	DroppedResultsTotal prometheus.Counter

	// BundleLoadsTotal counts watcher bundle loads by result.
	BundleLoadsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers compiler metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "compiler",
			Name:      "tasks_total",
			Help:      "Tasks submitted by kind",
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "containment",
			Subsystem: "compiler",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the queue",
		}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "containment",
			Subsystem: "compiler",
			Name:      "jobs_in_flight",
			Help:      "Compile jobs currently running",
		}),
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "compiler",
			Name:      "jobs_total",
			Help:      "Finished compile jobs by result",
		}, []string{"result"}),
		JobDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "containment",
			Subsystem: "compiler",
			Name:      "job_duration_seconds",
			Help:      "Compile job duration",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		DroppedResultsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "compiler",
			Name:      "dropped_results_total",
			Help:      "Results discarded because the receiver was gone",
		}),
		BundleLoadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "containment",
			Subsystem: "compiler",
			Name:      "bundle_loads_total",
			Help:      "Policy bundle loads by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) queued(kind TaskKind, depth int) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(kind.String()).Inc()
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) dequeued(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

func (m *Metrics) jobFinished(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobDurationSeconds.Observe(d.Seconds())
	switch {
	case err == nil:
		m.JobsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, constraints.ErrCompilationFailed):
		m.JobsTotal.WithLabelValues("compilation_failed").Inc()
	default:
		m.JobsTotal.WithLabelValues("external_failure").Inc()
	}
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.DroppedResultsTotal.Inc()
}

func (m *Metrics) bundleLoaded(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.BundleLoadsTotal.WithLabelValues("ok").Inc()
		return
	}
	m.BundleLoadsTotal.WithLabelValues("error").Inc()
}
