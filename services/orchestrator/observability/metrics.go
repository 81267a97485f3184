// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring dispatched chat
// turns. Metrics include:
//   - Request counters (by endpoint, branch, status)
//   - Quota rejections (by model)
//   - Wire frames written (by endpoint)
//   - Latency histograms (time to first frame, total stream duration)
//   - Active stream gauges
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
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
const metricsNamespace = "kodiak"

// Subsystem for dispatch metrics
const dispatchSubsystem = "dispatch"

// DispatchMetrics holds all Prometheus metrics for dispatched chat turns.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring dispatch
// performance and resource usage. Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type DispatchMetrics struct {
	// RequestsTotal counts dispatched turns by endpoint, branch, and status.
	// Labels: endpoint (sse_stream, ws_stream), branch (text, skill, none),
	// status (success, error)
	RequestsTotal *prometheus.CounterVec

	// QuotaRejectionsTotal counts turns rejected before any model call.
	// Labels: model
	QuotaRejectionsTotal *prometheus.CounterVec

	// FramesTotal counts wire frames written to clients.
	// Labels: endpoint
	FramesTotal *prometheus.CounterVec

	// TimeToFirstFrameSeconds measures latency to the first wire frame.
	// Labels: endpoint
	TimeToFirstFrameSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total turn duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code (quota_exhausted, validation, ...)
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of DispatchMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *DispatchMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup, after the Prometheus registry is available.
//
// # Outputs
//
//   - *DispatchMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *DispatchMetrics {
	DefaultMetrics = &DispatchMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "requests_total",
				Help:      "Total dispatched turns by endpoint, branch, and status",
			},
			[]string{"endpoint", "branch", "status"},
		),

		QuotaRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "quota_rejections_total",
				Help:      "Turns rejected by the quota gate before any model call",
			},
			[]string{"model"},
		),

		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "frames_total",
				Help:      "Total wire frames written to clients",
			},
			[]string{"endpoint"},
		),

		TimeToFirstFrameSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "time_to_first_frame_seconds",
				Help:      "Time from request to first wire frame in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "errors_total",
				Help:      "Total dispatch errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
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
	// ErrorCodeQuotaExhausted indicates the user had no metered uses left.
	ErrorCodeQuotaExhausted ErrorCode = "quota_exhausted"

	// ErrorCodeValidation indicates a malformed request or routing payload.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeUpstream indicates a retrieval or model call failure.
	ErrorCodeUpstream ErrorCode = "upstream"

	// ErrorCodePersistence indicates a conversation store append failure.
	ErrorCodePersistence ErrorCode = "persistence"

	// ErrorCodeClientDisconnect indicates the client disconnected mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"

	// ErrorCodeInternal indicates an internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointSSEStream is the HTTP server-sent-events endpoint.
	EndpointSSEStream Endpoint = "sse_stream"

	// EndpointWSStream is the websocket endpoint.
	EndpointWSStream Endpoint = "ws_stream"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed turn.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the turn.
//   - branch: Dispatch branch taken ("text", "skill", or "none" when the
//     turn failed before branching).
//   - success: Whether the turn completed successfully.
func (m *DispatchMetrics) RecordRequest(endpoint Endpoint, branch string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	if branch == "" {
		branch = "none"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), branch, status).Inc()
}

// RecordQuotaRejection records a turn rejected by the quota gate.
func (m *DispatchMetrics) RecordQuotaRejection(model string) {
	m.QuotaRejectionsTotal.WithLabelValues(model).Inc()
}

// RecordError records a dispatch error.
func (m *DispatchMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordFrame counts one wire frame written to a client.
func (m *DispatchMetrics) RecordFrame(endpoint Endpoint) {
	m.FramesTotal.WithLabelValues(string(endpoint)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *DispatchMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *DispatchMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstFrame records the first-frame latency.
func (m *DispatchMetrics) RecordTimeToFirstFrame(endpoint Endpoint, seconds float64) {
	m.TimeToFirstFrameSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total turn duration.
func (m *DispatchMetrics) RecordStreamDuration(endpoint Endpoint, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordClientDisconnect records a mid-stream client disconnection.
func (m *DispatchMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}
