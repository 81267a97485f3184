// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the orchestrator's deploy configuration.
//
// The deploy file is YAML and carries everything that varies between
// environments but not between requests: quota seeding, retrieval depth,
// model names, skill endpoints and toggles. Secrets (API keys) stay in the
// environment and never appear in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration Types
// =============================================================================

// QuotaConfig seeds the per-user quota gate.
type QuotaConfig struct {
	// DefaultUses is the number of metered turns a new user starts with.
	DefaultUses int64 `yaml:"default_uses"`

	// RefreshInterval is how often every user's balance is restored to
	// DefaultUses. Zero disables the refresher.
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// RetrievalConfig controls the grounding search.
type RetrievalConfig struct {
	// TopK is the number of prior-exchange snippets fetched per pass.
	TopK int `yaml:"top_k"`
}

// InfluxConfig points the market and swap skills at the timeseries store.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// SkillsConfig toggles individual skills and carries their endpoints.
type SkillsConfig struct {
	// BalanceServiceURL is the account service base URL for the balance
	// skill. Empty disables the skill.
	BalanceServiceURL string `yaml:"balance_service_url"`

	// MarketEnabled and SwapEnabled gate the Influx-backed skills; both
	// also require Influx to be configured.
	MarketEnabled bool `yaml:"market_enabled"`
	SwapEnabled   bool `yaml:"swap_enabled"`
}

// Config is the parsed deploy file.
type Config struct {
	Quota     QuotaConfig     `yaml:"quota"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Influx    InfluxConfig    `yaml:"influx"`
	Skills    SkillsConfig    `yaml:"skills"`

	// AdminAPIKey protects the admin route group. Empty disables the
	// admin surface entirely.
	AdminAPIKey string `yaml:"admin_api_key"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the configuration used when no deploy file is present.
func Default() Config {
	return Config{
		Quota:     QuotaConfig{DefaultUses: 3, RefreshInterval: Duration(24 * time.Hour)},
		Retrieval: RetrievalConfig{TopK: 3},
		Skills:    SkillsConfig{MarketEnabled: true, SwapEnabled: true},
	}
}

// Load reads and validates a deploy file, applying defaults for absent
// fields.
//
// # Inputs
//
//   - path: Deploy file location. Empty returns Default() unchanged.
//
// # Outputs
//
//   - Config: Parsed configuration with defaults filled in.
//   - error: Non-nil if the file is unreadable, malformed, or invalid.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Quota.DefaultUses < 0 {
		return fmt.Errorf("quota.default_uses must be >= 0, got %d", c.Quota.DefaultUses)
	}
	if c.Quota.RefreshInterval < 0 {
		return fmt.Errorf("quota.refresh_interval must be >= 0, got %s", c.Quota.RefreshInterval.Std())
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be > 0, got %d", c.Retrieval.TopK)
	}
	if (c.Skills.MarketEnabled || c.Skills.SwapEnabled) && c.Influx.URL != "" {
		if c.Influx.Org == "" || c.Influx.Bucket == "" {
			return fmt.Errorf("influx.org and influx.bucket are required when influx.url is set")
		}
	}
	return nil
}

// InfluxConfigured reports whether the timeseries skills can be wired.
func (c Config) InfluxConfigured() bool {
	return c.Influx.URL != "" && c.Influx.Org != "" && c.Influx.Bucket != ""
}
