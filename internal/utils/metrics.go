// internal/utils/metrics.go
package utils

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Outcome labels shared by the generation and deck counters
const (
	OutcomeReady     = "ready"
	OutcomePending   = "pending"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeFastPath  = "fast_path"
	PollKindContent  = "content"
	PollKindDeckLink = "deck_after_content"
	PollKindDeck     = "deck"
)

// PipelineMetrics Prometheus collectors for the proposal pipeline
type PipelineMetrics struct {
	registry *prometheus.Registry

	generationTotal    *prometheus.CounterVec
	deckTotal          *prometheus.CounterVec
	pollAttemptsTotal  *prometheus.CounterVec
	generationDuration prometheus.Histogram
	sessionsActive     prometheus.Gauge

	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

var (
	globalMetrics *PipelineMetrics
	metricsOnce   sync.Once
)

// GetPipelineMetrics returns the process-wide metrics instance
func GetPipelineMetrics() *PipelineMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPipelineMetrics()
	})
	return globalMetrics
}

// NewPipelineMetrics creates collectors on a private registry (tests get isolated instances)
func NewPipelineMetrics() *PipelineMetrics {
	m := &PipelineMetrics{
		registry: prometheus.NewRegistry(),

		generationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proposal",
			Name:      "generation_total",
			Help:      "Content generation attempts by outcome",
		}, []string{"outcome"}),

		deckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proposal",
			Name:      "deck_total",
			Help:      "Deck preparation attempts by outcome",
		}, []string{"outcome"}),

		pollAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proposal",
			Name:      "poll_attempts_total",
			Help:      "Store reads issued by poll loops",
		}, []string{"kind"}),

		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "proposal",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of a submission from save to terminal outcome",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proposal",
			Name:      "sessions_active",
			Help:      "Proposal sessions currently held in memory",
		}),

		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proposal",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),

		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proposal",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.registry.MustRegister(
		m.generationTotal,
		m.deckTotal,
		m.pollAttemptsTotal,
		m.generationDuration,
		m.sessionsActive,
		m.apiRequests,
		m.apiDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for promhttp
func (m *PipelineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordGeneration counts a submission outcome and its duration
func (m *PipelineMetrics) RecordGeneration(outcome string, duration time.Duration) {
	m.generationTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.generationDuration.Observe(duration.Seconds())
	}
}

// RecordDeck counts a deck preparation outcome
func (m *PipelineMetrics) RecordDeck(outcome string) {
	m.deckTotal.WithLabelValues(outcome).Inc()
}

// RecordPollAttempt counts one store read of a poll loop
func (m *PipelineMetrics) RecordPollAttempt(kind string) {
	m.pollAttemptsTotal.WithLabelValues(kind).Inc()
}

// SetActiveSessions sets the session gauge
func (m *PipelineMetrics) SetActiveSessions(n int) {
	m.sessionsActive.Set(float64(n))
}

// RecordAPIRequest records an HTTP request
func (m *PipelineMetrics) RecordAPIRequest(route, method string, statusCode int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	m.apiDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}
