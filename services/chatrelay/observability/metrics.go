// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for chatrelay.
//
// # Description
//
// This package implements Prometheus metrics for monitoring streaming
// chat operations. Metrics include:
//   - Request counters (by endpoint, status, error type)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges and live-stream subscriber counts
//   - Resume outcomes (live re-attach, replay, empty)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "chatrelay"

// Subsystem for streaming metrics
const streamingSubsystem = "streaming"

// StreamingMetrics holds all Prometheus metrics for streaming chat
// operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming
// performance and resume behavior. Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamingMetrics struct {
	// RequestsTotal counts streaming requests by endpoint and status.
	// Labels: endpoint (send_message, resume_stream), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts streamed deltas by kind and model.
	// Labels: kind (token, thinking), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code (validation, provider_error, timeout, etc.)
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// ResumesTotal counts resume attempts by outcome.
	// Labels: outcome (live, replay, empty)
	ResumesTotal *prometheus.CounterVec

	// LedgerEntriesPrunedTotal counts stream ledger entries removed by
	// the background pruner.
	LedgerEntriesPrunedTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at startup;
// calling twice panics on duplicate registration.
//
// # Outputs
//
//   - *StreamingMetrics: The initialized metrics instance.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total streamed deltas by kind and model",
			},
			[]string{"kind", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		ResumesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "resumes_total",
				Help:      "Total resume attempts by outcome",
			},
			[]string{"outcome"},
		),

		LedgerEntriesPrunedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "ledger_entries_pruned_total",
				Help:      "Total stream ledger entries removed by the pruner",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeBlocked indicates the message was rejected by a filter.
	ErrorCodeBlocked ErrorCode = "blocked"

	// ErrorCodeProviderError indicates a completion provider failure.
	ErrorCodeProviderError ErrorCode = "provider_error"

	// ErrorCodeProviderAuth indicates the provider rejected credentials.
	ErrorCodeProviderAuth ErrorCode = "provider_auth"

	// ErrorCodeTimeout indicates the bounded stream window elapsed.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeStorage indicates a persistence failure.
	ErrorCodeStorage ErrorCode = "storage"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointSendMessage is the send-and-stream endpoint.
	EndpointSendMessage Endpoint = "send_message"

	// EndpointResumeStream is the stream resumption endpoint.
	EndpointResumeStream Endpoint = "resume_stream"
)

// =============================================================================
// Resume Outcomes
// =============================================================================

// ResumeOutcome labels what a resume request found.
type ResumeOutcome string

const (
	// ResumeLive means the client re-attached to an in-flight stream.
	ResumeLive ResumeOutcome = "live"

	// ResumeReplay means a recently finished assistant message was
	// replayed in full.
	ResumeReplay ResumeOutcome = "replay"

	// ResumeEmpty means there was nothing to resume.
	ResumeEmpty ResumeOutcome = "empty"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed streaming request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a streaming error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordDelta counts one streamed delta of the given kind.
//
// # Inputs
//
//   - kind: "token" or "thinking".
//   - model: The model producing the delta.
func (m *StreamingMetrics) RecordDelta(kind, model string) {
	m.TokensTotal.WithLabelValues(kind, model).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
func (m *StreamingMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordResume records the outcome of a resume request.
func (m *StreamingMetrics) RecordResume(outcome ResumeOutcome) {
	m.ResumesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordLedgerPruned adds to the pruned ledger entry counter.
func (m *StreamingMetrics) RecordLedgerPruned(count int) {
	m.LedgerEntriesPrunedTotal.Add(float64(count))
}
