// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command marketfeed ingests crypto spot prices into InfluxDB.
//
// The orchestrator's market and swap skills read the "crypto_prices"
// measurement this service writes. Symbols are polled from a spot-ticker
// API on a fixed interval; an HTTP endpoint triggers ad-hoc refreshes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/KodiakAI/KodiakChat/pkg/validation"
)

// numWorkers bounds parallel ticker fetches per refresh.
const numWorkers = 4

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Server holds the feed's dependencies.
type Server struct {
	WriteAPI   api.WriteAPIBlocking
	QueryAPI   api.QueryAPI
	HTTPClient HTTPClient
	Bucket     string
	TickerURL  string
}

// tickerResponse is the spot-ticker API's JSON shape.
type tickerResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
	Open   float64 `json:"open,string"`
	High   float64 `json:"high,string"`
	Low    float64 `json:"low,string"`
	Volume float64 `json:"volume,string"`
}

// RefreshRequest is the POST /v1/market/refresh body.
type RefreshRequest struct {
	Symbols []string `json:"symbols"`
}

// RefreshResponse reports the per-symbol outcome of a refresh.
type RefreshResponse struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details"`
}

// PricePoint is one row of the GET /v1/market/latest response.
type PricePoint struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Time   string  `json:"time"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	influxURL := getEnv("INFLUXDB_URL", "http://influxdb:8086")
	influxToken := os.Getenv("INFLUXDB_TOKEN")
	influxOrg := getEnv("INFLUXDB_ORG", "kodiak")
	influxBucket := getEnv("INFLUXDB_BUCKET", "market")
	tickerURL := getEnv("TICKER_API_URL", "https://api.kodiakai.dev/v1/spot/ticker")

	if influxToken == "" {
		slog.Error("INFLUXDB_TOKEN environment variable is required")
		os.Exit(1)
	}

	slog.Info("starting market feed",
		"influx_url", influxURL, "influx_org", influxOrg, "influx_bucket", influxBucket)

	influxClient := influxdb2.NewClient(influxURL, influxToken)
	defer influxClient.Close()

	if !waitForInflux(influxClient) {
		slog.Error("failed to connect to InfluxDB after all retries")
		os.Exit(1)
	}

	server := &Server{
		WriteAPI:   influxClient.WriteAPIBlocking(influxOrg, influxBucket),
		QueryAPI:   influxClient.QueryAPI(influxOrg),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Bucket:     influxBucket,
		TickerURL:  tickerURL,
	}

	// Background poll loop over the configured symbol set.
	if symbols := splitSymbols(os.Getenv("FEED_SYMBOLS")); len(symbols) > 0 {
		interval := time.Duration(getEnvInt("FEED_INTERVAL_SECONDS", 60)) * time.Second
		go server.pollLoop(context.Background(), symbols, interval)
	}

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "kodiak-market-feed"})
	})
	router.POST("/v1/market/refresh", server.handleRefresh)
	router.GET("/v1/market/latest/:symbol", server.handleLatest)

	port := getEnv("PORT", "8002")
	slog.Info("starting market feed API server", "port", port)
	if err := router.Run(":" + port); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}

func splitSymbols(raw string) []string {
	var symbols []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

func waitForInflux(client influxdb2.Client) bool {
	for i := 0; i < 10; i++ {
		health, err := client.Health(context.Background())
		if err == nil && health.Status == "pass" {
			return true
		}
		slog.Warn("InfluxDB not ready, retrying...", "attempt", i+1)
		time.Sleep(3 * time.Second)
	}
	return false
}

// pollLoop refreshes the configured symbols on a fixed interval.
func (s *Server) pollLoop(ctx context.Context, symbols []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			details := s.refreshSymbols(ctx, symbols)
			slog.Info("poll cycle complete", "symbols", len(symbols), "details", details)
		}
	}
}

// handleRefresh fetches spot prices for the requested symbols and writes
// them to InfluxDB.
func (s *Server) handleRefresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if len(req.Symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no symbols provided"})
		return
	}

	// Validate all symbols up front to keep Flux and URL interpolation safe.
	for i, symbol := range req.Symbols {
		sanitized, err := validation.SanitizeSymbol(symbol)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol", "details": err.Error()})
			return
		}
		req.Symbols[i] = sanitized
	}

	details := s.refreshSymbols(c.Request.Context(), req.Symbols)
	c.JSON(http.StatusOK, RefreshResponse{Status: "success", Details: details})
}

// refreshSymbols runs the fetch+write cycle over a bounded worker pool.
func (s *Server) refreshSymbols(ctx context.Context, symbols []string) map[string]string {
	var wg sync.WaitGroup
	jobs := make(chan string, len(symbols))
	results := make(chan map[string]string, len(symbols))

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go s.fetchWorker(ctx, i, &wg, jobs, results)
	}
	for _, symbol := range symbols {
		jobs <- symbol
	}
	close(jobs)

	wg.Wait()
	close(results)

	details := make(map[string]string)
	for res := range results {
		for k, v := range res {
			details[k] = v
		}
	}
	return details
}

func (s *Server) fetchWorker(ctx context.Context, id int, wg *sync.WaitGroup,
	jobs <-chan string, results chan<- map[string]string) {

	defer wg.Done()
	for symbol := range jobs {
		ticker, err := s.fetchTicker(ctx, symbol)
		if err != nil {
			slog.Error("ticker fetch failed", "worker_id", id, "symbol", symbol, "error", err)
			results <- map[string]string{symbol: "error: " + err.Error()}
			continue
		}

		point := influxdb2.NewPoint(
			"crypto_prices",
			map[string]string{"symbol": symbol},
			map[string]interface{}{
				"price":  ticker.Price,
				"open":   ticker.Open,
				"high":   ticker.High,
				"low":    ticker.Low,
				"volume": ticker.Volume,
			},
			time.Now(),
		)
		if err := s.WriteAPI.WritePoint(ctx, point); err != nil {
			slog.Error("influx write failed", "worker_id", id, "symbol", symbol, "error", err)
			results <- map[string]string{symbol: "error: " + err.Error()}
			continue
		}
		results <- map[string]string{symbol: "ok"}
	}
}

// fetchTicker calls the spot-ticker API for one symbol.
func (s *Server) fetchTicker(ctx context.Context, symbol string) (*tickerResponse, error) {
	url := fmt.Sprintf("%s?symbol=%s", s.TickerURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ticker API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ticker API returned status %s", resp.Status)
	}

	var ticker tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return nil, fmt.Errorf("decode ticker JSON: %w", err)
	}
	if ticker.Price <= 0 {
		return nil, fmt.Errorf("ticker API returned no price for %s", symbol)
	}
	return &ticker, nil
}

// handleLatest returns the most recent stored price for one symbol.
func (s *Server) handleLatest(c *gin.Context) {
	symbol, err := validation.SanitizeSymbol(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol", "details": err.Error()})
		return
	}

	query := fmt.Sprintf(`
        from(bucket: "%s")
          |> range(start: -24h)
          |> filter(fn: (r) => r._measurement == "crypto_prices")
          |> filter(fn: (r) => r.symbol == "%s")
          |> filter(fn: (r) => r._field == "price")
          |> last()
    `, s.Bucket, symbol)

	result, err := s.QueryAPI.Query(c.Request.Context(), query)
	if err != nil {
		slog.Error("query failed", "symbol", symbol, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "details": err.Error()})
		return
	}

	if result == nil || !result.Next() {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for symbol", "symbol": symbol})
		return
	}
	if result.Err() != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query result error", "details": result.Err().Error()})
		return
	}

	point := PricePoint{
		Symbol: symbol,
		Time:   result.Record().Time().Format(time.RFC3339),
	}
	if v, ok := result.Record().Value().(float64); ok {
		point.Price = v
	}
	c.JSON(http.StatusOK, point)
}
