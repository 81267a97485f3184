// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		wantErr bool
	}{
		{"simple", "BTC", false},
		{"with digits", "1INCH", false},
		{"pair", "ETH-USD", false},
		{"bridged", "WBTC.E", false},
		{"empty", "", true},
		{"lowercase", "btc", true},
		{"too long", "ABCDEFGHIJKLM", true},
		{"flux injection", `BTC") |> drop()`, true},
		{"leading dot", ".BTC", true},
		{"whitespace", "BTC USD", true},
		{"double hyphen", "ETH--USD", true},
		{"three-leg pair", "A-B-C", true},
		{"trailing hyphen", "BTC-", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSymbol(tc.symbol)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeSymbol(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"trims and uppercases", "  eth-usd ", "ETH-USD", false},
		{"slash pair folded", "eth/usd", "ETH-USD", false},
		{"underscore pair folded", "BTC_USDT", "BTC-USDT", false},
		{"colon pair folded", "sol:usd", "SOL-USD", false},
		{"bridged asset kept", "wbtc.e", "WBTC.E", false},
		{"bare symbol", "doge", "DOGE", false},
		{"garbage rejected", "not a symbol", "", true},
		{"empty rejected", "   ", "", true},
		{"injection rejected", `btc") |> drop()`, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SanitizeSymbol(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
