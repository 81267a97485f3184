// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package skills

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"golang.org/x/sync/errgroup"

	"github.com/KodiakAI/KodiakChat/pkg/validation"
)

// KindMarket tags records produced by the market skill.
const KindMarket = "market"

// defaultPeriod bounds the chart window when the caller gives none.
const defaultPeriod = "24h"

var periodPattern = regexp.MustCompile(`^[0-9]{1,3}[mhd]$`)

// MarketSnapshot is the latest aggregate view of one symbol.
type MarketSnapshot struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Volume float64   `json:"volume"`
	At     time.Time `json:"at"`
}

// Candle is one aggregated price bar for chart rendering.
type Candle struct {
	Time  string  `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// MarketChart is the preset payload staged for chart-capable clients.
type MarketChart struct {
	Symbol  string   `json:"symbol"`
	Period  string   `json:"period"`
	Candles []Candle `json:"candles"`
}

// MarketSkill answers price and chart questions from the market bucket.
//
// # Description
//
// Runs two Flux queries per invocation, one for the latest pivoted snapshot
// and one for the aggregated candle series, concurrently. The symbol is
// sanitized before it is interpolated into Flux; a symbol that fails
// validation rejects the whole invocation.
//
// # Limitations
//
//   - Reads whatever the market writer last stored; no freshness guarantee
//     beyond the bucket's retention policy.
type MarketSkill struct {
	queryAPI api.QueryAPI
	bucket   string
	logger   *slog.Logger
}

// NewMarketSkill wires the skill to an InfluxDB org and bucket.
func NewMarketSkill(client influxdb2.Client, org, bucket string, logger *slog.Logger) *MarketSkill {
	return NewMarketSkillWithQueryAPI(client.QueryAPI(org), bucket, logger)
}

// NewMarketSkillWithQueryAPI injects the query API directly.
func NewMarketSkillWithQueryAPI(queryAPI api.QueryAPI, bucket string, logger *slog.Logger) *MarketSkill {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarketSkill{queryAPI: queryAPI, bucket: bucket, logger: logger}
}

// Descriptor declares the market skill's capability for the registry.
func (s *MarketSkill) Descriptor() Descriptor {
	return Descriptor{
		Name:        "market",
		Kind:        KindMarket,
		Description: "Look up the current price, 24h range, volume, or a price chart for a crypto asset.",
		Subtypes:    []string{"price", "chart"},
		ParamNames:  []string{"symbol", "period"},
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Asset ticker symbol, e.g. BTC or ETH-USD.",
				},
				"period": map[string]any{
					"type":        "string",
					"description": "Chart window such as 1h, 24h, or 7d. Defaults to 24h.",
				},
			},
			"required": []string{"symbol"},
		},
		Handler:          s.Handle,
		HasPresetContent: true,
	}
}

// Handle fetches the snapshot and candle series for one symbol.
//
// # Inputs
//
//   - args: Positional per the descriptor: symbol, period.
//
// # Outputs
//
//   - *Result: Digest text plus a MarketChart preset payload.
//   - error: Validation or query failure.
func (s *MarketSkill) Handle(ctx context.Context, args ...string) (*Result, error) {
	var symbol, period string
	if len(args) > 0 {
		symbol = args[0]
	}
	if len(args) > 1 {
		period = args[1]
	}

	symbol, err := validation.SanitizeSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("market skill: %w", err)
	}
	period = normalizePeriod(period)

	var (
		snap    MarketSnapshot
		candles []Candle
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = s.fetchSnapshot(gctx, symbol)
		return err
	})
	g.Go(func() error {
		var err error
		candles, err = s.fetchCandles(gctx, symbol, period)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("market skill: query %s: %w", symbol, err)
	}

	s.logger.Debug("market skill resolved",
		"symbol", symbol, "period", period, "candles", len(candles))

	return &Result{
		Kind:   KindMarket,
		Digest: formatMarketDigest(snap),
		PresetContent: MarketChart{
			Symbol:  symbol,
			Period:  period,
			Candles: candles,
		},
	}, nil
}

func (s *MarketSkill) fetchSnapshot(ctx context.Context, symbol string) (MarketSnapshot, error) {
	snap := MarketSnapshot{Symbol: symbol}
	result, err := s.queryAPI.Query(ctx, buildSnapshotQuery(s.bucket, symbol))
	if err != nil {
		return snap, err
	}
	if result == nil {
		return snap, nil
	}
	for result.Next() {
		record := result.Record()
		snap.At = record.Time()
		if v, ok := record.ValueByKey("price").(float64); ok {
			snap.Price = v
		}
		if v, ok := record.ValueByKey("high").(float64); ok {
			snap.High = v
		}
		if v, ok := record.ValueByKey("low").(float64); ok {
			snap.Low = v
		}
		if v, ok := record.ValueByKey("volume").(float64); ok {
			snap.Volume = v
		}
	}
	return snap, result.Err()
}

func (s *MarketSkill) fetchCandles(ctx context.Context, symbol, period string) ([]Candle, error) {
	result, err := s.queryAPI.Query(ctx, buildCandleQuery(s.bucket, symbol, period))
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	var candles []Candle
	for result.Next() {
		record := result.Record()
		candle := Candle{Time: record.Time().Format(time.RFC3339)}
		if v, ok := record.ValueByKey("open").(float64); ok {
			candle.Open = v
		}
		if v, ok := record.ValueByKey("high").(float64); ok {
			candle.High = v
		}
		if v, ok := record.ValueByKey("low").(float64); ok {
			candle.Low = v
		}
		if v, ok := record.ValueByKey("close").(float64); ok {
			candle.Close = v
		}
		candles = append(candles, candle)
	}
	return candles, result.Err()
}

// buildSnapshotQuery returns the Flux query for the latest pivoted record.
// Callers must sanitize the symbol first.
func buildSnapshotQuery(bucket, symbol string) string {
	return fmt.Sprintf(`
        from(bucket: "%s")
          |> range(start: -24h)
          |> filter(fn: (r) => r._measurement == "crypto_prices")
          |> filter(fn: (r) => r.symbol == "%s")
          |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
          |> last(column: "_time")
    `, bucket, symbol)
}

// buildCandleQuery returns the Flux query for the aggregated bar series.
func buildCandleQuery(bucket, symbol, period string) string {
	return fmt.Sprintf(`
        from(bucket: "%s")
          |> range(start: -%s)
          |> filter(fn: (r) => r._measurement == "crypto_prices")
          |> filter(fn: (r) => r.symbol == "%s")
          |> aggregateWindow(every: %s, fn: mean, createEmpty: false)
          |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
          |> sort(columns: ["_time"], desc: false)
    `, bucket, period, symbol, candleWindow(period))
}

func normalizePeriod(period string) string {
	period = strings.TrimSpace(strings.ToLower(period))
	if !periodPattern.MatchString(period) {
		return defaultPeriod
	}
	return period
}

// candleWindow picks a bar width that yields a readable number of bars.
func candleWindow(period string) string {
	switch {
	case strings.HasSuffix(period, "m"):
		return "1m"
	case strings.HasSuffix(period, "h"):
		return "15m"
	default:
		return "4h"
	}
}

func formatMarketDigest(snap MarketSnapshot) string {
	if snap.At.IsZero() {
		return fmt.Sprintf("No recent market data is available for %s.", snap.Symbol)
	}
	return fmt.Sprintf(
		"%s is trading at %.4f as of %s. 24h high %.4f, 24h low %.4f, 24h volume %.2f.",
		snap.Symbol, snap.Price, snap.At.Format(time.RFC3339), snap.High, snap.Low, snap.Volume)
}
