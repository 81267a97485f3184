// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- Mocks ---

type MockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.DoFunc(req)
}

type MockWriteAPI struct {
	mu     sync.Mutex
	Points []*write.Point
	Err    error
}

func (m *MockWriteAPI) WritePoint(_ context.Context, point ...*write.Point) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Points = append(m.Points, point...)
	return nil
}

func (m *MockWriteAPI) WriteRecord(context.Context, ...string) error { return nil }
func (m *MockWriteAPI) EnableBatching()                              {}
func (m *MockWriteAPI) Flush(context.Context) error                  { return nil }

type MockQueryAPI struct {
	mu      sync.Mutex
	Queries []string
	Err     error
}

func (m *MockQueryAPI) Query(_ context.Context, q string) (*api.QueryTableResult, error) {
	m.mu.Lock()
	m.Queries = append(m.Queries, q)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return nil, nil
}

func (m *MockQueryAPI) QueryRaw(context.Context, string, *domain.Dialect) (string, error) {
	return "", nil
}

func (m *MockQueryAPI) QueryRawWithParams(context.Context, string, *domain.Dialect, interface{}) (string, error) {
	return "", nil
}

func (m *MockQueryAPI) QueryWithParams(context.Context, string, interface{}) (*api.QueryTableResult, error) {
	return nil, nil
}

// --- Fixtures ---

func jsonBody(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func createTestServer() (*Server, *MockHTTPClient, *MockWriteAPI, *MockQueryAPI) {
	mockHTTP := &MockHTTPClient{
		DoFunc: func(*http.Request) (*http.Response, error) {
			return jsonBody(`{"symbol":"BTC","price":"67000.5","open":"65000","high":"68000","low":"64500","volume":"1234.5"}`), nil
		},
	}
	mockWrite := &MockWriteAPI{}
	mockQuery := &MockQueryAPI{}
	server := &Server{
		WriteAPI:   mockWrite,
		QueryAPI:   mockQuery,
		HTTPClient: mockHTTP,
		Bucket:     "market",
		TickerURL:  "http://ticker.test/v1/spot/ticker",
	}
	return server, mockHTTP, mockWrite, mockQuery
}

func newRouter(server *Server) *gin.Engine {
	router := gin.New()
	router.POST("/v1/market/refresh", server.handleRefresh)
	router.GET("/v1/market/latest/:symbol", server.handleLatest)
	return router
}

func post(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	router.ServeHTTP(w, req)
	return w
}

// --- Tests ---

func TestFetchTicker(t *testing.T) {
	server, mockHTTP, _, _ := createTestServer()

	var gotURL string
	mockHTTP.DoFunc = func(req *http.Request) (*http.Response, error) {
		gotURL = req.URL.String()
		return jsonBody(`{"symbol":"BTC","price":"67000.5","open":"65000","high":"68000","low":"64500","volume":"1234.5"}`), nil
	}

	ticker, err := server.fetchTicker(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "http://ticker.test/v1/spot/ticker?symbol=BTC", gotURL)
	assert.Equal(t, 67000.5, ticker.Price)
	assert.Equal(t, 1234.5, ticker.Volume)
}

func TestFetchTicker_Errors(t *testing.T) {
	tests := []struct {
		name string
		do   func(*http.Request) (*http.Response, error)
	}{
		{"transport failure", func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}},
		{"non-200", func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway",
				Body: io.NopCloser(strings.NewReader(""))}, nil
		}},
		{"bad json", func(*http.Request) (*http.Response, error) {
			return jsonBody(`{not json`), nil
		}},
		{"zero price", func(*http.Request) (*http.Response, error) {
			return jsonBody(`{"symbol":"BTC","price":"0"}`), nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, mockHTTP, _, _ := createTestServer()
			mockHTTP.DoFunc = tt.do
			_, err := server.fetchTicker(context.Background(), "BTC")
			assert.Error(t, err)
		})
	}
}

func TestHandleRefresh_WritesPoints(t *testing.T) {
	server, _, mockWrite, _ := createTestServer()
	router := newRouter(server)

	w := post(router, "/v1/market/refresh", `{"symbols":["BTC","ETH"]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"BTC":"ok"`)
	assert.Contains(t, w.Body.String(), `"ETH":"ok"`)

	mockWrite.mu.Lock()
	defer mockWrite.mu.Unlock()
	assert.Len(t, mockWrite.Points, 2)
	assert.Equal(t, "crypto_prices", mockWrite.Points[0].Name())
}

func TestHandleRefresh_RejectsBadInput(t *testing.T) {
	server, _, _, _ := createTestServer()
	router := newRouter(server)

	assert.Equal(t, http.StatusBadRequest, post(router, "/v1/market/refresh", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(router, "/v1/market/refresh", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest,
		post(router, "/v1/market/refresh", `{"symbols":["BTC; drop"]}`).Code)
}

func TestHandleRefresh_ReportsWriteFailure(t *testing.T) {
	server, _, mockWrite, _ := createTestServer()
	mockWrite.Err = errors.New("influx down")
	router := newRouter(server)

	w := post(router, "/v1/market/refresh", `{"symbols":["BTC"]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "influx down")
}

func TestHandleLatest_QueryShape(t *testing.T) {
	server, _, _, mockQuery := createTestServer()
	router := newRouter(server)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/market/latest/BTC", nil)
	router.ServeHTTP(w, req)

	// Nil query result means no data.
	assert.Equal(t, http.StatusNotFound, w.Code)

	mockQuery.mu.Lock()
	defer mockQuery.mu.Unlock()
	require.Len(t, mockQuery.Queries, 1)
	assert.Contains(t, mockQuery.Queries[0], `from(bucket: "market")`)
	assert.Contains(t, mockQuery.Queries[0], `r._measurement == "crypto_prices"`)
	assert.Contains(t, mockQuery.Queries[0], `r.symbol == "BTC"`)
	assert.Contains(t, mockQuery.Queries[0], "last()")
}

func TestHandleLatest_Errors(t *testing.T) {
	server, _, _, mockQuery := createTestServer()
	mockQuery.Err = errors.New("query blew up")
	router := newRouter(server)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/market/latest/BTC", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/market/latest/%24bad", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSplitSymbols(t *testing.T) {
	assert.Equal(t, []string{"BTC", "ETH"}, splitSymbols("BTC, ETH"))
	assert.Nil(t, splitSymbols(""))
	assert.Equal(t, []string{"SOL"}, splitSymbols(",SOL,"))
}
