// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes registers the orchestrator's HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/handlers"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/middleware"
)

// Deps carries the handlers the route table wires up.
//
// History and Admin are optional; their routes are simply not registered
// when nil. Chat is required.
type Deps struct {
	Chat    *handlers.ChatStreamHandler
	History *handlers.HistoryHandler
	Admin   *handlers.AdminHandler

	// AdminAPIKey guards the admin group. Empty means the group is
	// registered fail-closed (every request rejected).
	AdminAPIKey string

	// EnableMetrics exposes /metrics for Prometheus scraping.
	EnableMetrics bool
}

// SetupRoutes registers all routes on the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)

	if deps.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/v1")
	{
		chat := v1.Group("/chat")
		{
			chat.POST("/stream", deps.Chat.HandleChatStream)
			chat.GET("/ws", deps.Chat.HandleChatWS)
			if deps.History != nil {
				chat.GET("/history/:group", deps.History.HandleGetHistory)
			}
		}

		if deps.Admin != nil {
			admin := v1.Group("/admin", middleware.RequireAPIKey(deps.AdminAPIKey))
			{
				admin.POST("/quota/grant", deps.Admin.HandleGrantQuota)
				admin.GET("/quota/:userid", deps.Admin.HandleGetQuota)
			}
		}
	}
}
