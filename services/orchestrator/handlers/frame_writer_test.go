// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/dispatch"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/observability"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSSEHeaders(w)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
}

func TestSSEFrameWriter_MarkerAndJSONFraming(t *testing.T) {
	w := httptest.NewRecorder()
	sink, err := NewSSEFrameWriter(w, nil, observability.EndpointSSEStream)
	require.NoError(t, err)
	sink.SetPacing(0)

	require.NoError(t, sink.WriteMarker(dispatch.MarkerStart))
	require.NoError(t, sink.WriteJSON(dispatch.CodeFrame{Code: 3}))
	require.NoError(t, sink.WriteJSON(dispatch.TextFrame{Text: "你好"}))
	require.NoError(t, sink.WriteMarker(dispatch.MarkerDone))

	want := "data: [GPT]\n\n" +
		"data: {\"code\":3}\n\n" +
		"data: {\"text\":\"你好\"}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, w.Body.String())
	assert.Equal(t, 4, sink.FramesWritten())
}

func TestSSEFrameWriter_RejectsNonFlusher(t *testing.T) {
	_, err := NewSSEFrameWriter(nonFlushingWriter{ResponseWriter: httptest.NewRecorder()}, nil, observability.EndpointSSEStream)
	assert.Error(t, err)
}

func TestSSEFrameWriter_CountsFramesForMetrics(t *testing.T) {
	w := httptest.NewRecorder()
	sink, err := NewSSEFrameWriter(w, nil, observability.EndpointSSEStream)
	require.NoError(t, err)
	sink.SetPacing(0)

	assert.Equal(t, 0, sink.FramesWritten())
	require.NoError(t, sink.WriteMarker(dispatch.MarkerStart))
	assert.Equal(t, 1, sink.FramesWritten())
}

// nonFlushingWriter hides the Flusher implementation of the embedded
// recorder; only the ResponseWriter method set is promoted.
type nonFlushingWriter struct {
	http.ResponseWriter
}
