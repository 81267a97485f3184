// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

// newFakeWeaviate returns a client pointed at a stub GraphQL endpoint and
// captures the raw query for assertions.
func newFakeWeaviate(t *testing.T, data map[string]any, capturedQuery *string) *weaviate.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/graphql") {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		if capturedQuery != nil {
			var body struct {
				Query string `json:"query"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			*capturedQuery = body.Query
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	require.NoError(t, err)
	return client
}

// TestTopK_FormatsSnippets verifies hits become "Q: ...\nA: ..." snippets
// in response order.
func TestTopK_FormatsSnippets(t *testing.T) {
	var query string
	client := newFakeWeaviate(t, map[string]any{
		"Get": map[string]any{
			"ChatExchange": []map[string]any{
				{"question": "What is staking?", "answer": "Locking tokens to earn yield.",
					"_additional": map[string]any{"certainty": 0.93}},
				{"question": "What is gas?", "answer": "The fee paid per transaction.",
					"_additional": map[string]any{"certainty": 0.81}},
			},
		},
	}, &query)

	searcher := NewWeaviateQASearcher(client, 5)
	snippets, err := searcher.TopK(context.Background(), "how does staking work")
	require.NoError(t, err)

	require.Len(t, snippets, 2)
	assert.Equal(t, "Q: What is staking?\nA: Locking tokens to earn yield.", snippets[0])
	assert.Contains(t, snippets[1], "Q: What is gas?")
	assert.Contains(t, query, "ChatExchange")
	assert.Contains(t, query, "nearText")
}

// TestTopK_EmptyQuery verifies an empty query short-circuits to no snippets.
func TestTopK_EmptyQuery(t *testing.T) {
	searcher := NewWeaviateQASearcher(nil, 0)
	snippets, err := searcher.TopK(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, snippets)
}

// TestTopK_NoHits verifies an empty result set is not an error.
func TestTopK_NoHits(t *testing.T) {
	client := newFakeWeaviate(t, map[string]any{
		"Get": map[string]any{"ChatExchange": []map[string]any{}},
	}, nil)

	searcher := NewWeaviateQASearcher(client, 3)
	snippets, err := searcher.TopK(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

// TestIndexExchange_SkipsEmpty verifies the indexer ignores empty turns.
func TestIndexExchange_SkipsEmpty(t *testing.T) {
	ix := NewExchangeIndexer(nil)
	assert.NoError(t, ix.IndexExchange(context.Background(), "", "answer", "g", "gpt"))
	assert.NoError(t, ix.IndexExchange(context.Background(), "question", "", "g", "gpt"))
}

// TestIndexExchange_WritesObjects verifies each chunk lands as one object
// with the question attached.
func TestIndexExchange_WritesObjects(t *testing.T) {
	var objects []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/objects") && r.Method == http.MethodPost {
			var body struct {
				Class      string         `json:"class"`
				Properties map[string]any `json:"properties"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ChatExchange", body.Class)
			objects = append(objects, body.Properties)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"class":"ChatExchange","properties":{}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	require.NoError(t, err)

	ix := NewExchangeIndexer(client)
	err = ix.IndexExchange(context.Background(), "What is my balance?", "Your balance is 12 ETH.", "grp-1", "balance")
	require.NoError(t, err)

	require.Len(t, objects, 1, "short answer stays one chunk")
	assert.Equal(t, "What is my balance?", objects[0]["question"])
	assert.Equal(t, "balance", objects[0]["kind"])
}
