// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

// HistoryHandler serves stored conversation rows.
type HistoryHandler struct {
	store  store.MessageStore
	logger *slog.Logger
}

// NewHistoryHandler builds the handler.
func NewHistoryHandler(st store.MessageStore, logger *slog.Logger) *HistoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryHandler{store: st, logger: logger}
}

// HandleGetHistory serves GET /v1/chat/history/:group.
//
// Rows come back in append order, so a client can replay a conversation
// and correlate rows with past streams through their codes.
func (h *HistoryHandler) HandleGetHistory(c *gin.Context) {
	group := c.Param("group")
	if group == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing conversation group"})
		return
	}

	rows, err := h.store.ListByGroup(c.Request.Context(), group)
	if err != nil {
		h.logger.Error("history lookup failed", "msg_group", group, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if rows == nil {
		rows = []datatypes.StoredMessage{}
	}

	c.JSON(http.StatusOK, gin.H{
		"msgGroup": group,
		"messages": rows,
		"count":    len(rows),
	})
}
