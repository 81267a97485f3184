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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"golang.org/x/sync/errgroup"

	"github.com/KodiakAI/KodiakChat/pkg/validation"
)

// KindSwap tags records produced by the swap skill. Rows of this kind are
// single-use quotes and are marked expired the moment they are persisted.
const KindSwap = "coin_swap"

// quoteTTL is how long a staged quote stays executable on the client side.
const quoteTTL = 60 * time.Second

// SwapQuote is the preset payload staged for the client's swap widget.
type SwapQuote struct {
	QuoteID    string    `json:"quoteId"`
	FromSymbol string    `json:"fromSymbol"`
	ToSymbol   string    `json:"toSymbol"`
	Amount     float64   `json:"amount"`
	Rate       float64   `json:"rate"`
	Receive    float64   `json:"receive"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// SwapSkill quotes an exchange between two assets at current market rates.
//
// # Description
//
// Prices both legs from the market bucket concurrently and derives the
// cross rate. The quote payload is always staged because the client's swap
// widget is the only sensible rendering of a quote; there is no text-only
// variant.
type SwapSkill struct {
	queryAPI api.QueryAPI
	bucket   string
	logger   *slog.Logger
}

// NewSwapSkill wires the skill to the market bucket.
func NewSwapSkill(queryAPI api.QueryAPI, bucket string, logger *slog.Logger) *SwapSkill {
	if logger == nil {
		logger = slog.Default()
	}
	return &SwapSkill{queryAPI: queryAPI, bucket: bucket, logger: logger}
}

// Descriptor declares the swap skill's capability for the registry.
func (s *SwapSkill) Descriptor() Descriptor {
	return Descriptor{
		Name:        "swap",
		Kind:        KindSwap,
		Description: "Quote an exchange of one crypto asset for another at the current market rate.",
		Subtypes:    []string{"quote"},
		ParamNames:  []string{"from_symbol", "to_symbol", "amount", "subtype"},
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"from_symbol": map[string]any{
					"type":        "string",
					"description": "Asset being sold, e.g. BTC.",
				},
				"to_symbol": map[string]any{
					"type":        "string",
					"description": "Asset being bought, e.g. ETH.",
				},
				"amount": map[string]any{
					"type":        "string",
					"description": "Quantity of the sold asset.",
				},
			},
			"required": []string{"from_symbol", "to_symbol"},
		},
		Handler:          s.Handle,
		HasPresetContent: true,
		NeedsPreset:      true,
	}
}

// Handle quotes one swap.
//
// # Inputs
//
//   - args: Positional per the descriptor: from_symbol, to_symbol, amount,
//     subtype. Amount defaults to 1 when absent or unparsable.
//
// # Outputs
//
//   - *Result: Digest text plus a SwapQuote preset payload.
//   - error: Validation or pricing failure. A symbol with no market price
//     is a failure; a quote against a dead market is worse than no quote.
func (s *SwapSkill) Handle(ctx context.Context, args ...string) (*Result, error) {
	var fromRaw, toRaw, amountRaw, subtype string
	if len(args) > 0 {
		fromRaw = args[0]
	}
	if len(args) > 1 {
		toRaw = args[1]
	}
	if len(args) > 2 {
		amountRaw = args[2]
	}
	if len(args) > 3 {
		subtype = args[3]
	}

	from, err := validation.SanitizeSymbol(fromRaw)
	if err != nil {
		return nil, fmt.Errorf("swap skill: from symbol: %w", err)
	}
	to, err := validation.SanitizeSymbol(toRaw)
	if err != nil {
		return nil, fmt.Errorf("swap skill: to symbol: %w", err)
	}
	if from == to {
		return nil, fmt.Errorf("swap skill: cannot swap %s for itself", from)
	}

	amount := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(amountRaw), 64); err == nil && v > 0 {
		amount = v
	}

	var fromPrice, toPrice float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fromPrice, err = s.latestPrice(gctx, from)
		return err
	})
	g.Go(func() error {
		var err error
		toPrice, err = s.latestPrice(gctx, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("swap skill: %w", err)
	}

	rate := fromPrice / toPrice
	quote := SwapQuote{
		QuoteID:    uuid.NewString(),
		FromSymbol: from,
		ToSymbol:   to,
		Amount:     amount,
		Rate:       rate,
		Receive:    amount * rate,
		ExpiresAt:  time.Now().Add(quoteTTL),
	}

	s.logger.Debug("swap skill quoted",
		"quote_id", quote.QuoteID, "from", from, "to", to,
		"rate", rate, "subtype", subtype)

	return &Result{
		Kind:          KindSwap,
		PresetContent: quote,
		Digest: fmt.Sprintf(
			"Swapping %.8f %s yields %.8f %s at a rate of %.8f %s per %s. The quote expires at %s.",
			amount, from, quote.Receive, to, rate, to, from,
			quote.ExpiresAt.Format(time.RFC3339)),
	}, nil
}

// latestPrice reads the most recent price point for one symbol.
func (s *SwapSkill) latestPrice(ctx context.Context, symbol string) (float64, error) {
	query := fmt.Sprintf(`
        from(bucket: "%s")
          |> range(start: -24h)
          |> filter(fn: (r) => r._measurement == "crypto_prices")
          |> filter(fn: (r) => r.symbol == "%s")
          |> filter(fn: (r) => r._field == "price")
          |> last()
    `, s.bucket, symbol)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	if result == nil {
		return 0, fmt.Errorf("no market data for %s", symbol)
	}
	var price float64
	var found bool
	for result.Next() {
		if v, ok := result.Record().Value().(float64); ok {
			price = v
			found = true
		}
	}
	if result.Err() != nil {
		return 0, result.Err()
	}
	if !found || price <= 0 {
		return 0, fmt.Errorf("no market data for %s", symbol)
	}
	return price, nil
}
