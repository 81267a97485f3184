// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock HTTP Client ---

type MockHTTPClient struct {
	DoFunc   func(req *http.Request) (*http.Response, error)
	LastReq  *http.Request
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.LastReq = req
	return m.DoFunc(req)
}

func jsonResponse(status int, body any) *http.Response {
	raw, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(raw)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestBalanceSkill_Handle(t *testing.T) {
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, balanceResponse{
				Address: "0xabc",
				Balances: []AccountBalance{
					{Symbol: "BTC", Amount: 0.5, Available: 0.5, USDValue: 30000},
					{Symbol: "ETH", Amount: 10, Available: 8, USDValue: 20000},
				},
			}), nil
		},
	}
	skill := NewBalanceSkill("http://accounts:8080", mock, nil)

	result, err := skill.Handle(context.Background(), "0xabc")
	require.NoError(t, err)

	assert.Equal(t, KindBalance, result.Kind)
	assert.Nil(t, result.PresetContent)
	assert.Contains(t, result.Digest, "0xabc")
	assert.Contains(t, result.Digest, "BTC")
	assert.Contains(t, result.Digest, "50000.00 USD")
	assert.Equal(t, "/v1/accounts/0xabc/balances", mock.LastReq.URL.Path)
}

func TestBalanceSkill_Handle_NarrowsToSymbol(t *testing.T) {
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, balanceResponse{
				Address: "0xabc",
				Balances: []AccountBalance{
					{Symbol: "BTC", Amount: 0.5, Available: 0.5, USDValue: 30000},
					{Symbol: "ETH", Amount: 10, Available: 8, USDValue: 20000},
				},
			}), nil
		},
	}
	skill := NewBalanceSkill("http://accounts:8080", mock, nil)

	result, err := skill.Handle(context.Background(), "0xabc", "eth")
	require.NoError(t, err)

	assert.Contains(t, result.Digest, "ETH")
	assert.NotContains(t, result.Digest, "BTC")
}

func TestBalanceSkill_Handle_SymbolNotHeld(t *testing.T) {
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, balanceResponse{Address: "0xabc"}), nil
		},
	}
	skill := NewBalanceSkill("http://accounts:8080", mock, nil)

	result, err := skill.Handle(context.Background(), "0xabc", "SOL")
	require.NoError(t, err)
	assert.Contains(t, result.Digest, "no SOL")
}

func TestBalanceSkill_Handle_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		doFunc  func(req *http.Request) (*http.Response, error)
		wantErr string
	}{
		{
			name:    "missing address",
			args:    nil,
			wantErr: "missing wallet address",
		},
		{
			name:    "invalid symbol",
			args:    []string{"0xabc", "BTC; drop()"},
			wantErr: "symbol",
		},
		{
			name: "transport failure",
			args: []string{"0xabc"},
			doFunc: func(req *http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			},
			wantErr: "connection refused",
		},
		{
			name: "upstream 404",
			args: []string{"0xabc"},
			doFunc: func(req *http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusNotFound, map[string]string{"error": "unknown account"}), nil
			},
			wantErr: "404",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			skill := NewBalanceSkill("http://accounts:8080", &MockHTTPClient{DoFunc: tc.doFunc}, nil)
			_, err := skill.Handle(context.Background(), tc.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
