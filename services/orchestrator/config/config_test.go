// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cfg.Quota.DefaultUses)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.True(t, cfg.Skills.MarketEnabled)
	assert.False(t, cfg.InfluxConfigured())
}

func TestLoad_ParsesFullFile(t *testing.T) {
	path := writeConfig(t, `
quota:
  default_uses: 10
  refresh_interval: 1h
retrieval:
  top_k: 5
influx:
  url: http://influx:8086
  org: kodiak
  bucket: market
skills:
  balance_service_url: http://accounts:9000
  market_enabled: true
  swap_enabled: false
admin_api_key: s3cret
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cfg.Quota.DefaultUses)
	assert.Equal(t, time.Hour, cfg.Quota.RefreshInterval.Std())
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.True(t, cfg.InfluxConfigured())
	assert.Equal(t, "http://accounts:9000", cfg.Skills.BalanceServiceURL)
	assert.False(t, cfg.Skills.SwapEnabled)
	assert.Equal(t, "s3cret", cfg.AdminAPIKey)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "retrieval:\n  top_k: 7\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retrieval.TopK)
	assert.Equal(t, int64(3), cfg.Quota.DefaultUses)
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/deploy.yaml")
	assert.Error(t, err)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "quota: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"negative quota", func(c *Config) { c.Quota.DefaultUses = -1 }, true},
		{"zero top_k", func(c *Config) { c.Retrieval.TopK = 0 }, true},
		{"influx url without org", func(c *Config) {
			c.Influx.URL = "http://influx:8086"
			c.Influx.Bucket = "market"
		}, true},
		{"skills disabled ignores influx", func(c *Config) {
			c.Skills.MarketEnabled = false
			c.Skills.SwapEnabled = false
			c.Influx.URL = "http://influx:8086"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
