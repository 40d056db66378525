// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package fwdproxy

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the ambient instrumentation surface, grounded on
// kidoz-vulners-proxy-go/internal/metrics, which registers the same shape
// of counters and a histogram against a prometheus.Registerer. Metrics
// aren't excluded by spec.md's Non-goals (only HTTP/2+, RFC completeness,
// caching, and content-inspection policy are), so this is ambient
// observability the core carries regardless.
type Metrics struct {
	ConnectionsTotal   prometheus.Counter
	RequestsTotal      *prometheus.CounterVec // by method
	ErrorsTotal        *prometheus.CounterVec // by error kind
	RequestDuration    prometheus.Histogram
	ConnectTunnelsOpen prometheus.Gauge
}

// NewMetrics registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() to keep them isolated (as in tests), or
// prometheus.DefaultRegisterer for a process-wide /metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_connections_total",
			Help: "Total accepted client (BP) connections.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdproxy_requests_total",
			Help: "Total requests processed, by method.",
		}, []string{"method"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdproxy_errors_total",
			Help: "Total pipeline errors, by kind.",
		}, []string{"kind"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwdproxy_request_duration_seconds",
			Help:    "End-to-end duration of one pipeline iteration.",
			Buckets: prometheus.DefBuckets,
		}),
		ConnectTunnelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwdproxy_connect_tunnels_open",
			Help: "Number of CONNECT tunnels currently pumping bytes.",
		}),
	}
	reg.MustRegister(m.ConnectionsTotal, m.RequestsTotal, m.ErrorsTotal, m.RequestDuration, m.ConnectTunnelsOpen)
	return m
}

func (m *Metrics) observeError(err error) {
	if m == nil || err == nil {
		return
	}
	kind := "unknown"
	var e *Error
	if errors.As(err, &e) {
		kind = e.Kind.String()
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
