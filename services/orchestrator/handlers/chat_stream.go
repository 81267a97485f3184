// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KodiakAI/KodiakChat/services/llm"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/dispatch"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/observability"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/quota"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/retrieval"
)

// indexTimeout bounds the best-effort exchange indexing that runs after a
// turn completes.
const indexTimeout = 15 * time.Second

// TurnRunner runs one dispatched turn. Satisfied by *dispatch.Dispatcher;
// tests substitute a mock.
type TurnRunner interface {
	Run(ctx context.Context, req *datatypes.ChatStreamRequest,
		deviceID string, sink dispatch.FrameSink) (*dispatch.Outcome, error)
}

// ChatStreamHandler serves the streaming chat endpoints.
//
// # Description
//
// The handler owns everything outside the dispatch state machine: request
// binding and validation, the pre-stream quota gate, SSE/websocket frame
// transport, metrics, and the best-effort post-turn indexing of the
// finished exchange.
type ChatStreamHandler struct {
	runner  TurnRunner
	gate    quota.Gate
	indexer retrieval.Indexer
	metrics *observability.DispatchMetrics
	logger  *slog.Logger
}

// NewChatStreamHandler builds the handler. indexer may be nil when the
// service runs without a vector store.
func NewChatStreamHandler(runner TurnRunner, gate quota.Gate, indexer retrieval.Indexer,
	metrics *observability.DispatchMetrics, logger *slog.Logger) (*ChatStreamHandler, error) {
	if runner == nil {
		return nil, errors.New("chat stream handler: nil turn runner")
	}
	if gate == nil {
		return nil, errors.New("chat stream handler: nil quota gate")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatStreamHandler{
		runner:  runner,
		gate:    gate,
		indexer: indexer,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// HandleChatStream serves POST /v1/chat/stream.
//
// # Description
//
// Validates the request, consults the quota gate for metered models before
// any upstream call, then streams the turn's frames as server-sent events.
// A failure before the first frame produces a plain JSON error response; a
// failure after it leaves the stream truncated without a terminal marker.
func (h *ChatStreamHandler) HandleChatStream(c *gin.Context) {
	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": err.Error()})
		return
	}

	if req.Model == llm.MeteredModel && !h.gate.TryConsume(req.UserID) {
		if h.metrics != nil {
			h.metrics.RecordQuotaRejection(req.Model)
		}
		h.logger.Info("quota exhausted", "user_id", req.UserID, "model", req.Model)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": dispatch.ErrQuotaExhausted.Error()})
		return
	}

	SetSSEHeaders(c.Writer)
	sink, err := NewSSEFrameWriter(c.Writer, h.metrics, observability.EndpointSSEStream)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	h.runTurn(c.Request.Context(), &req, c.ClientIP(), sink, observability.EndpointSSEStream,
		func(status int, message string) {
			c.JSON(status, gin.H{"error": message})
		})
}

// frameSink is the transport-side sink contract the handler drives: the
// dispatch.FrameSink plus the written-frame count used to classify errors.
type frameSink interface {
	dispatch.FrameSink
	FramesWritten() int
}

// runTurn runs the dispatcher and translates its outcome into metrics and,
// for pre-stream failures, a plain error response via respond.
func (h *ChatStreamHandler) runTurn(ctx context.Context, req *datatypes.ChatStreamRequest,
	deviceID string, sink frameSink, endpoint observability.Endpoint,
	respond func(status int, message string)) {

	if h.metrics != nil {
		h.metrics.StreamStarted(endpoint)
		defer h.metrics.StreamEnded(endpoint)
	}
	start := time.Now()

	outcome, err := h.runner.Run(ctx, req, deviceID, sink)
	success := err == nil

	if h.metrics != nil {
		branch := ""
		if outcome != nil {
			branch = outcome.Branch
		}
		h.metrics.RecordRequest(endpoint, branch, success)
		h.metrics.RecordStreamDuration(endpoint, success, time.Since(start).Seconds())
	}

	if err == nil {
		h.logger.Info("turn complete",
			"endpoint", string(endpoint),
			"branch", outcome.Branch,
			"skill", outcome.Skill,
			"code", outcome.Code,
			"persisted", outcome.Persisted,
			"duration_ms", time.Since(start).Milliseconds())
		h.indexExchange(req, outcome)
		return
	}

	status, code := classifyTurnError(err)
	if h.metrics != nil {
		h.metrics.RecordError(endpoint, code)
		if code == observability.ErrorCodeClientDisconnect {
			h.metrics.RecordClientDisconnect(endpoint)
		}
	}

	if sink.FramesWritten() == 0 {
		h.logger.Warn("turn failed before streaming",
			"endpoint", string(endpoint), "user_id", req.UserID, "error", err)
		respond(status, err.Error())
		return
	}

	// Frames are already on the wire; the stream just ends without a
	// terminal marker and nothing was persisted.
	h.logger.Error("turn aborted mid-stream",
		"endpoint", string(endpoint),
		"user_id", req.UserID,
		"frames_written", sink.FramesWritten(),
		"error", err)
}

// indexExchange writes the finished exchange back into the vector store so
// later turns can retrieve it. Best-effort: runs detached from the request
// and only logs failures.
func (h *ChatStreamHandler) indexExchange(req *datatypes.ChatStreamRequest, outcome *dispatch.Outcome) {
	if h.indexer == nil || !outcome.Persisted || outcome.Answer == "" {
		return
	}
	question, answer, group, kind := outcome.Question, outcome.Answer, req.MsgGroup, outcome.Kind
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()
		if err := h.indexer.IndexExchange(ctx, question, answer, group, kind); err != nil {
			h.logger.Warn("exchange indexing failed", "msg_group", group, "error", err)
		}
	}()
}

// classifyTurnError maps a dispatch error to an HTTP status (used only
// when no frames were written yet) and a metrics code.
func classifyTurnError(err error) (int, observability.ErrorCode) {
	var validation *dispatch.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadGateway, observability.ErrorCodeValidation
	}
	var upstream *dispatch.UpstreamError
	if errors.As(err, &upstream) {
		if upstream.Stage == "client" {
			return http.StatusBadGateway, observability.ErrorCodeClientDisconnect
		}
		return http.StatusBadGateway, observability.ErrorCodeUpstream
	}
	var persistence *dispatch.PersistenceError
	if errors.As(err, &persistence) {
		return http.StatusInternalServerError, observability.ErrorCodePersistence
	}
	return http.StatusInternalServerError, observability.ErrorCodeInternal
}
