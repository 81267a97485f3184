// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// The chat surface is open; only the admin route group (quota management)
// is guarded, with a single static API key checked in constant time.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthHeader is the header carrying the admin credential.
const AuthHeader = "Authorization"

// bearerPrefix per RFC 6750.
const bearerPrefix = "Bearer "

// RequireAPIKey returns middleware that rejects requests whose bearer
// token does not match key.
//
// # Description
//
// The token is read from "Authorization: Bearer <token>". Comparison uses
// constant-time equality so the key cannot be recovered through timing.
// An empty key disables the guarded routes outright: every request is
// rejected, so a deploy that forgot to set the key fails closed.
func RequireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden,
				gin.H{"error": "admin surface disabled"})
			return
		}

		header := c.GetHeader(AuthHeader)
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "missing bearer token"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "invalid credentials"})
			return
		}

		c.Next()
	}
}
