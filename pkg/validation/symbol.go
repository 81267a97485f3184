// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for model-provided inputs that are used
// in database queries. Skill-call arguments come out of an LLM and must be
// treated as untrusted; validating them here prevents injection attacks
// (Flux injection in timeseries queries in particular).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// symbolPattern matches a canonical asset symbol after normalization:
// uppercase alphanumerics with dots for bridged assets (WBTC.E) and a
// single hyphen for pairs (ETH-USD). Max length 12.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.]{0,10}(-[A-Z0-9][A-Z0-9.]{0,10})?$`)

// maxSymbolLength bounds the canonical form, pair separator included.
const maxSymbolLength = 12

// pairSeparators are the separator spellings models produce for pairs.
// All of them normalize to the canonical hyphen ("eth/usd" -> "ETH-USD").
var pairSeparators = strings.NewReplacer("/", "-", "_", "-", ":", "-")

// ValidateSymbol checks a canonical asset symbol before it is interpolated
// into a Flux query.
//
// Valid symbols:
//   - 1-12 characters total
//   - Uppercase letters A-Z and digits 0-9
//   - Dots (.) for bridged assets like WBTC.E
//   - At most one hyphen (-) separating the legs of a pair like ETH-USD
//
// Returns an error if the symbol is invalid. Lowercase or alternative pair
// separators fail here; callers holding raw input should go through
// SanitizeSymbol instead.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if len(symbol) > maxSymbolLength {
		return fmt.Errorf("symbol too long: %q (max %d chars)", symbol, maxSymbolLength)
	}
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("invalid symbol format: %q (uppercase alphanumerics, dots, one pair hyphen)", symbol)
	}
	return nil
}

// SanitizeSymbol normalizes raw symbol input to canonical form and
// validates it.
//
// Normalization uppercases, strips surrounding whitespace, and folds the
// pair separators models actually emit ("/", "_", ":") to the hyphen the
// price series is keyed by, so "eth/usd" and "ETH_USD" both come back as
// "ETH-USD". Returns the canonical symbol, or an error when no valid
// symbol can be recovered from the input.
func SanitizeSymbol(input string) (string, error) {
	symbol := pairSeparators.Replace(strings.ToUpper(strings.TrimSpace(input)))
	if err := ValidateSymbol(symbol); err != nil {
		return "", err
	}
	return symbol, nil
}
