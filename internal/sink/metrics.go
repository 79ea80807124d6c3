// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/streampair/core/correlation"
)

// Metrics counts submitter activity. A nil *Metrics is valid and
// counts nothing.
type Metrics struct {
	deliveries *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	retries    prometheus.Counter
}

// NewMetrics returns a fresh set of submitter collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streampair",
			Subsystem: "sink",
			Name:      "deliveries_total",
			Help:      "Classifications delivered to the sink, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streampair",
			Subsystem: "sink",
			Name:      "dropped_total",
			Help:      "Classifications dropped after exhausting retries, by kind.",
		}, []string{"kind"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streampair",
			Subsystem: "sink",
			Name:      "retries_total",
			Help:      "Failed sink submission attempts.",
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.deliveries.Describe(ch)
	m.dropped.Describe(ch)
	m.retries.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.deliveries.Collect(ch)
	m.dropped.Collect(ch)
	m.retries.Collect(ch)
}

func (m *Metrics) delivered(kind correlation.Kind) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) droppedOne(kind correlation.Kind) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
