// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package skills

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock InfluxDB QueryAPI ---

type MockQueryAPI struct {
	QueryFunc func(ctx context.Context, query string) (*api.QueryTableResult, error)

	mu      sync.Mutex
	Queries []string
}

func (m *MockQueryAPI) Query(ctx context.Context, q string) (*api.QueryTableResult, error) {
	m.mu.Lock()
	m.Queries = append(m.Queries, q)
	m.mu.Unlock()
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, q)
	}
	return nil, nil
}

func (m *MockQueryAPI) QueryRaw(ctx context.Context, query string, dialect *domain.Dialect) (string, error) {
	return "", nil
}

func (m *MockQueryAPI) QueryRawWithParams(ctx context.Context, query string, dialect *domain.Dialect, params interface{}) (string, error) {
	return "", nil
}

func (m *MockQueryAPI) QueryWithParams(ctx context.Context, query string, params interface{}) (*api.QueryTableResult, error) {
	return nil, nil
}

// --- Query builders ---

func TestBuildSnapshotQuery(t *testing.T) {
	q := buildSnapshotQuery("market-data", "BTC")

	assert.Contains(t, q, `from(bucket: "market-data")`)
	assert.Contains(t, q, `r.symbol == "BTC"`)
	assert.Contains(t, q, "crypto_prices")
	assert.Contains(t, q, "last(")
}

func TestBuildCandleQuery(t *testing.T) {
	testCases := []struct {
		name       string
		period     string
		wantWindow string
	}{
		{name: "minute period gets 1m bars", period: "30m", wantWindow: "every: 1m"},
		{name: "hour period gets 15m bars", period: "24h", wantWindow: "every: 15m"},
		{name: "day period gets 4h bars", period: "7d", wantWindow: "every: 4h"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			q := buildCandleQuery("market-data", "ETH", tc.period)
			assert.Contains(t, q, "range(start: -"+tc.period+")")
			assert.Contains(t, q, tc.wantWindow)
			assert.Contains(t, q, `r.symbol == "ETH"`)
		})
	}
}

func TestNormalizePeriod(t *testing.T) {
	testCases := []struct {
		input string
		want  string
	}{
		{input: "24h", want: "24h"},
		{input: " 7D ", want: "7d"},
		{input: "", want: defaultPeriod},
		{input: "yesterday", want: defaultPeriod},
		{input: "-1d", want: defaultPeriod},
		{input: `1d") |> drop()`, want: defaultPeriod},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, normalizePeriod(tc.input), "input %q", tc.input)
	}
}

func TestFormatMarketDigest(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	digest := formatMarketDigest(MarketSnapshot{
		Symbol: "BTC",
		Price:  60123.4567,
		High:   61000,
		Low:    59000,
		Volume: 12345.67,
		At:     at,
	})

	assert.Contains(t, digest, "BTC is trading at 60123.4567")
	assert.Contains(t, digest, "2025-06-01T12:00:00Z")
	assert.Contains(t, digest, "24h high 61000.0000")

	empty := formatMarketDigest(MarketSnapshot{Symbol: "DOGE"})
	assert.Contains(t, empty, "No recent market data")
	assert.Contains(t, empty, "DOGE")
}

// --- Handler ---

func TestMarketSkill_Handle_RejectsBadSymbol(t *testing.T) {
	skill := NewMarketSkillWithQueryAPI(&MockQueryAPI{}, "market-data", nil)

	_, err := skill.Handle(context.Background(), `BTC"; drop()`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol")
}

func TestMarketSkill_Handle_QueryError(t *testing.T) {
	mock := &MockQueryAPI{
		QueryFunc: func(ctx context.Context, q string) (*api.QueryTableResult, error) {
			return nil, errors.New("bucket unreachable")
		},
	}
	skill := NewMarketSkillWithQueryAPI(mock, "market-data", nil)

	_, err := skill.Handle(context.Background(), "BTC", "24h")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unreachable")
}

func TestMarketSkill_Handle_RunsBothQueries(t *testing.T) {
	mock := &MockQueryAPI{}
	skill := NewMarketSkillWithQueryAPI(mock, "market-data", nil)

	result, err := skill.Handle(context.Background(), "btc", "")
	require.NoError(t, err)

	require.Len(t, mock.Queries, 2)
	assert.Equal(t, KindMarket, result.Kind)

	chart, ok := result.PresetContent.(MarketChart)
	require.True(t, ok)
	assert.Equal(t, "BTC", chart.Symbol)
	assert.Equal(t, defaultPeriod, chart.Period)
}

func TestMarketSkill_Descriptor(t *testing.T) {
	d := NewMarketSkillWithQueryAPI(&MockQueryAPI{}, "market-data", nil).Descriptor()

	assert.Equal(t, "market", d.Name)
	assert.Equal(t, KindMarket, d.Kind)
	assert.True(t, d.HasPresetContent)
	assert.False(t, d.NeedsPreset)
	assert.Equal(t, []string{"symbol", "period"}, d.ParamNames)
	require.NotNil(t, d.Handler)
}
