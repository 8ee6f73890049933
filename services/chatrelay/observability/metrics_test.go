// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics creates a StreamingMetrics instance backed by an
// isolated registry, avoiding conflicts with the global registry and
// allowing parallel tests.
func newTestMetrics(t *testing.T) *StreamingMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	m := &StreamingMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "requests_total", Help: "requests",
			},
			[]string{"endpoint", "status"},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "tokens_total", Help: "tokens",
			},
			[]string{"kind", "model"},
		),
		TimeToFirstTokenSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "time_to_first_token_seconds", Help: "ttft",
				Buckets: []float64{0.1, 1, 10},
			},
			[]string{"endpoint"},
		),
		StreamDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "stream_duration_seconds", Help: "duration",
				Buckets: []float64{1, 10, 60},
			},
			[]string{"endpoint", "status"},
		),
		ActiveStreams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "active_streams", Help: "active",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "errors_total", Help: "errors",
			},
			[]string{"endpoint", "error_code"},
		),
		KeepAlivesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "keepalives_total", Help: "keepalives",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "client_disconnects_total", Help: "disconnects",
			},
			[]string{"endpoint"},
		),
		ResumesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "resumes_total", Help: "resumes",
			},
			[]string{"outcome"},
		),
		LedgerEntriesPrunedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace, Subsystem: streamingSubsystem,
				Name: "ledger_entries_pruned_total", Help: "pruned",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.TokensTotal,
		m.TimeToFirstTokenSeconds,
		m.StreamDurationSeconds,
		m.ActiveStreams,
		m.ErrorsTotal,
		m.KeepAlivesTotal,
		m.ClientDisconnectsTotal,
		m.ResumesTotal,
		m.LedgerEntriesPrunedTotal,
	)

	return m
}

// TestRecordRequest verifies success/error status labeling.
func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointSendMessage, true)
	m.RecordRequest(EndpointSendMessage, true)
	m.RecordRequest(EndpointSendMessage, false)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("send_message", "success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("send_message", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

// TestActiveStreamsGauge verifies start/end pairing.
func TestActiveStreamsGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointSendMessage)
	m.StreamStarted(EndpointSendMessage)
	m.StreamEnded(EndpointSendMessage)

	if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("send_message")); got != 1 {
		t.Errorf("active streams = %v, want 1", got)
	}
}

// TestRecordError verifies error code labeling.
func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError(EndpointSendMessage, ErrorCodeTimeout)
	m.RecordError(EndpointResumeStream, ErrorCodeProviderError)

	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("send_message", "timeout")); got != 1 {
		t.Errorf("timeout count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("resume_stream", "provider_error")); got != 1 {
		t.Errorf("provider_error count = %v, want 1", got)
	}
}

// TestRecordDelta verifies delta kind labeling.
func TestRecordDelta(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDelta("token", "gpt-4o")
	m.RecordDelta("token", "gpt-4o")
	m.RecordDelta("thinking", "gpt-4o")

	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("token", "gpt-4o")); got != 2 {
		t.Errorf("token count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("thinking", "gpt-4o")); got != 1 {
		t.Errorf("thinking count = %v, want 1", got)
	}
}

// TestRecordResume verifies outcome labeling.
func TestRecordResume(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordResume(ResumeLive)
	m.RecordResume(ResumeReplay)
	m.RecordResume(ResumeEmpty)
	m.RecordResume(ResumeEmpty)

	if got := testutil.ToFloat64(m.ResumesTotal.WithLabelValues("live")); got != 1 {
		t.Errorf("live count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ResumesTotal.WithLabelValues("empty")); got != 2 {
		t.Errorf("empty count = %v, want 2", got)
	}
}

// TestRecordLedgerPruned verifies the pruned counter accumulates.
func TestRecordLedgerPruned(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLedgerPruned(3)
	m.RecordLedgerPruned(2)

	if got := testutil.ToFloat64(m.LedgerEntriesPrunedTotal); got != 5 {
		t.Errorf("pruned count = %v, want 5", got)
	}
}
