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

	"github.com/KodiakAI/KodiakChat/services/orchestrator/quota"
)

// AdminHandler exposes quota management on the guarded admin group.
type AdminHandler struct {
	gate   quota.Gate
	logger *slog.Logger
}

// NewAdminHandler builds the handler.
func NewAdminHandler(gate quota.Gate, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{gate: gate, logger: logger}
}

// grantRequest is the POST /v1/admin/quota/grant body.
type grantRequest struct {
	UserID string `json:"userid" binding:"required,max=64"`
	Uses   int64  `json:"uses" binding:"required,gt=0"`
}

// HandleGrantQuota serves POST /v1/admin/quota/grant. Used by the purchase
// flow to top up a user's metered turns.
func (h *AdminHandler) HandleGrantQuota(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	h.gate.Grant(req.UserID, req.Uses)
	remaining := h.gate.Remaining(req.UserID)

	h.logger.Info("quota granted",
		"user_id", req.UserID, "granted", req.Uses, "remaining", remaining)

	c.JSON(http.StatusOK, gin.H{
		"userid":    req.UserID,
		"remaining": remaining,
	})
}

// HandleGetQuota serves GET /v1/admin/quota/:userid.
func (h *AdminHandler) HandleGetQuota(c *gin.Context) {
	userID := c.Param("userid")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing userid"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userid":    userID,
		"remaining": h.gate.Remaining(userID),
	})
}
