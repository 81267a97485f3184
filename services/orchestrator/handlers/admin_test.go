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
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/quota"
)

func newAdminRouter(gate quota.Gate) *gin.Engine {
	h := NewAdminHandler(gate, nil)
	router := gin.New()
	router.POST("/v1/admin/quota/grant", h.HandleGrantQuota)
	router.GET("/v1/admin/quota/:userid", h.HandleGetQuota)
	return router
}

func TestHandleGrantQuota(t *testing.T) {
	gate := quota.NewGate(0)
	router := newAdminRouter(gate)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/quota/grant",
		strings.NewReader(`{"userid":"alice","uses":5}`))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"remaining":5`)
	assert.Equal(t, int64(5), gate.Remaining("alice"))
}

func TestHandleGrantQuota_RejectsBadBody(t *testing.T) {
	router := newAdminRouter(quota.NewGate(0))

	tests := []string{
		`{"userid":"alice"}`,          // missing uses
		`{"userid":"alice","uses":0}`, // non-positive grant
		`{"uses":5}`,                  // missing userid
		`not json`,
	}
	for _, body := range tests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/quota/grant",
			strings.NewReader(body))
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", body)
	}
}

func TestHandleGetQuota(t *testing.T) {
	gate := quota.NewGate(3)
	require.True(t, gate.TryConsume("bob"))
	router := newAdminRouter(gate)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/quota/bob", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"remaining":2`)
}
