// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/KodiakAI/KodiakChat/services/llm"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/dispatch"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients are same-origin through the reverse proxy;
		// native clients send no Origin header at all.
		return true
	},
}

// wsFrameSink writes dispatch frames as websocket text messages, one frame
// per message, with the same pacing the SSE transport uses.
type wsFrameSink struct {
	conn     *websocket.Conn
	pacing   time.Duration
	metrics  *observability.DispatchMetrics
	endpoint observability.Endpoint
	started  time.Time

	mu     sync.Mutex
	frames int
}

func newWSFrameSink(conn *websocket.Conn, metrics *observability.DispatchMetrics) *wsFrameSink {
	return &wsFrameSink{
		conn:     conn,
		pacing:   DefaultFramePacing,
		metrics:  metrics,
		endpoint: observability.EndpointWSStream,
		started:  time.Now(),
	}
}

func (s *wsFrameSink) WriteMarker(marker string) error {
	return s.writeFrame([]byte(marker))
}

func (s *wsFrameSink) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return s.writeFrame(data)
}

func (s *wsFrameSink) FramesWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *wsFrameSink) writeFrame(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if s.frames == 0 && s.metrics != nil {
		s.metrics.RecordTimeToFirstFrame(s.endpoint, time.Since(s.started).Seconds())
	}
	s.frames++
	if s.metrics != nil {
		s.metrics.RecordFrame(s.endpoint)
	}
	if s.pacing > 0 {
		time.Sleep(s.pacing)
	}
	return nil
}

var _ dispatch.FrameSink = (*wsFrameSink)(nil)

// HandleChatWS serves GET /v1/chat/ws.
//
// # Description
//
// Upgrades the connection, reads one stream request, and emits the same
// frame sequence as the SSE endpoint, one websocket text message per
// frame. Pre-stream failures are reported as a JSON error message before
// the socket closes; mid-stream failures truncate the stream the same way
// the SSE transport does.
func (h *ChatStreamHandler) HandleChatWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req datatypes.ChatStreamRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		_ = conn.WriteJSON(gin.H{"error": "validation failed", "details": err.Error()})
		return
	}

	if req.Model == llm.MeteredModel && !h.gate.TryConsume(req.UserID) {
		if h.metrics != nil {
			h.metrics.RecordQuotaRejection(req.Model)
		}
		_ = conn.WriteJSON(gin.H{"error": dispatch.ErrQuotaExhausted.Error()})
		return
	}

	sink := newWSFrameSink(conn, h.metrics)
	h.runTurn(c.Request.Context(), &req, c.ClientIP(), sink, observability.EndpointWSStream,
		func(_ int, message string) {
			_ = conn.WriteJSON(gin.H{"error": message})
		})
}
