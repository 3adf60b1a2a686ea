// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the engine's Prometheus collectors. With a nil
// registerer the collectors still count but are not registered
// anywhere.
type metrics struct {
	requestsBuilt      *prometheus.CounterVec
	responses          *prometheus.CounterVec
	responseLatency    *prometheus.HistogramVec
	syncEventsApplied  prometheus.Counter
	decryptionFailures prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)

	return &metrics{
		requestsBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxengine",
			Name:      "requests_built_total",
			Help:      "Requests built, by kind.",
		}, []string{"kind"}),

		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxengine",
			Name:      "responses_total",
			Help:      "Responses resolved, by kind and status class.",
		}, []string{"kind", "class"}),

		responseLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mxengine",
			Name:      "response_latency_seconds",
			Help:      "Time from building a request to resolving its response.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),

		syncEventsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxengine",
			Name:      "sync_events_applied_total",
			Help:      "Events applied from sync responses, partial chunks included.",
		}),

		decryptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxengine",
			Name:      "decryption_failures_total",
			Help:      "Encrypted events retained as ciphertext.",
		}),
	}
}

func (m *metrics) observeResponse(info *ResponseInfo) {
	kind := info.Kind.String()
	m.responses.WithLabelValues(kind, statusClass(info.StatusCode)).Inc()
	m.responseLatency.WithLabelValues(kind).Observe(info.Elapsed().Seconds())
}

// statusClass maps 204 to "2xx".
func statusClass(status int) string {
	if status < 100 || status > 999 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
