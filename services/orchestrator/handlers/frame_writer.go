// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP and websocket request handlers for the
// orchestrator service.
//
// This file implements the SSE frame writer: the transport half of the
// dispatch wire protocol. Each frame is one SSE data line; a fixed pacing
// delay between writes smooths delivery and yields to concurrent streams.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/observability"
)

// DefaultFramePacing is the delay inserted after every frame write. This is
// backpressure-by-pacing, not flow control: it smooths bursts from the
// model stream into a steady client-visible cadence.
const DefaultFramePacing = 10 * time.Millisecond

// SetSSEHeaders sets the headers required for server-sent event streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SSEFrameWriter writes dispatch frames as SSE data lines.
//
// # Description
//
// Markers are written bare (data: [GPT]); JSON frames are marshaled first.
// Every write flushes immediately and then sleeps for the pacing interval.
// The writer records frame counts and first-frame latency when metrics are
// attached.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized by an internal mutex.
type SSEFrameWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	pacing   time.Duration
	metrics  *observability.DispatchMetrics
	endpoint observability.Endpoint
	started  time.Time

	mu     sync.Mutex
	frames int
}

// NewSSEFrameWriter wraps a ResponseWriter for frame streaming.
//
// # Outputs
//
//   - *SSEFrameWriter: Ready writer; pacing defaults to DefaultFramePacing.
//   - error: Non-nil if the ResponseWriter does not support flushing.
func NewSSEFrameWriter(w http.ResponseWriter, metrics *observability.DispatchMetrics,
	endpoint observability.Endpoint) (*SSEFrameWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &SSEFrameWriter{
		writer:   w,
		flusher:  flusher,
		pacing:   DefaultFramePacing,
		metrics:  metrics,
		endpoint: endpoint,
		started:  time.Now(),
	}, nil
}

// SetPacing overrides the inter-frame delay. Zero disables pacing; tests
// use this to run without wall-clock sleeps.
func (w *SSEFrameWriter) SetPacing(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pacing = d
}

// WriteMarker writes one bare marker frame.
func (w *SSEFrameWriter) WriteMarker(marker string) error {
	return w.writeFrame(marker)
}

// WriteJSON writes one JSON frame.
func (w *SSEFrameWriter) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return w.writeFrame(string(data))
}

// FramesWritten reports how many frames reached the client. The transport
// uses this to tell a pre-stream failure (plain error response still
// possible) from a mid-stream abort (stream already truncated).
func (w *SSEFrameWriter) FramesWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

func (w *SSEFrameWriter) writeFrame(payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()

	if w.frames == 0 && w.metrics != nil {
		w.metrics.RecordTimeToFirstFrame(w.endpoint, time.Since(w.started).Seconds())
	}
	w.frames++
	if w.metrics != nil {
		w.metrics.RecordFrame(w.endpoint)
	}

	if w.pacing > 0 {
		time.Sleep(w.pacing)
	}
	return nil
}
