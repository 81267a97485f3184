// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KodiakAI/KodiakChat/pkg/validation"
)

// KindBalance tags records produced by the balance skill.
const KindBalance = "balance"

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AccountBalance is one asset position returned by the account service.
type AccountBalance struct {
	Symbol    string  `json:"symbol"`
	Amount    float64 `json:"amount"`
	USDValue  float64 `json:"usd_value"`
	Available float64 `json:"available"`
}

type balanceResponse struct {
	Address  string           `json:"address"`
	Balances []AccountBalance `json:"balances"`
}

// BalanceSkill resolves wallet balances through the account service.
//
// # Description
//
// Calls GET {baseURL}/v1/accounts/{address}/balances and summarizes the
// positions into a digest. When a symbol argument is present, the digest is
// narrowed to that one asset.
type BalanceSkill struct {
	baseURL string
	client  HTTPClient
	logger  *slog.Logger
}

// NewBalanceSkill wires the skill to the account service.
func NewBalanceSkill(baseURL string, client HTTPClient, logger *slog.Logger) *BalanceSkill {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceSkill{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Descriptor declares the balance skill's capability for the registry.
func (s *BalanceSkill) Descriptor() Descriptor {
	return Descriptor{
		Name:        "balance",
		Kind:        KindBalance,
		Description: "Look up the asset balances held by a wallet address, optionally for one symbol.",
		Subtypes:    []string{"query"},
		ParamNames:  []string{"address", "symbol"},
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address": map[string]any{
					"type":        "string",
					"description": "Wallet address to inspect.",
				},
				"symbol": map[string]any{
					"type":        "string",
					"description": "Optional asset symbol to narrow the answer to.",
				},
			},
			"required": []string{"address"},
		},
		Handler: s.Handle,
	}
}

// Handle fetches balances for one address.
//
// # Inputs
//
//   - args: Positional per the descriptor: address, symbol.
//
// # Outputs
//
//   - *Result: Digest text only; balances carry no preset payload.
//   - error: Validation, transport, or decode failure.
func (s *BalanceSkill) Handle(ctx context.Context, args ...string) (*Result, error) {
	var address, symbol string
	if len(args) > 0 {
		address = strings.TrimSpace(args[0])
	}
	if len(args) > 1 {
		symbol = strings.TrimSpace(args[1])
	}
	if address == "" {
		return nil, fmt.Errorf("balance skill: missing wallet address")
	}
	if symbol != "" {
		var err error
		if symbol, err = validation.SanitizeSymbol(symbol); err != nil {
			return nil, fmt.Errorf("balance skill: %w", err)
		}
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/balances", s.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("balance skill: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("balance skill: account service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("balance skill: account service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("balance skill: decode response: %w", err)
	}

	s.logger.Debug("balance skill resolved",
		"address", address, "positions", len(parsed.Balances))

	return &Result{
		Kind:   KindBalance,
		Digest: formatBalanceDigest(address, symbol, parsed.Balances),
	}, nil
}

func formatBalanceDigest(address, symbol string, balances []AccountBalance) string {
	if symbol != "" {
		for _, b := range balances {
			if strings.EqualFold(b.Symbol, symbol) {
				return fmt.Sprintf("Wallet %s holds %.8f %s (%.8f available), worth %.2f USD.",
					address, b.Amount, b.Symbol, b.Available, b.USDValue)
			}
		}
		return fmt.Sprintf("Wallet %s holds no %s.", address, symbol)
	}

	if len(balances) == 0 {
		return fmt.Sprintf("Wallet %s holds no assets.", address)
	}

	var sb strings.Builder
	var total float64
	fmt.Fprintf(&sb, "Wallet %s holds %d assets:", address, len(balances))
	for _, b := range balances {
		fmt.Fprintf(&sb, " %s %.8f (%.2f USD);", b.Symbol, b.Amount, b.USDValue)
		total += b.USDValue
	}
	fmt.Fprintf(&sb, " total value %.2f USD.", total)
	return sb.String()
}
