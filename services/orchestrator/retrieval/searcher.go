// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval provides the top-k grounding gateway over Weaviate.
//
// The dispatch pipeline asks for semantically related prior Q&A exchanges
// twice per skill turn: once before routing and once after the skill ran,
// because a skill handler may have changed the state the snippets describe.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("kodiak.orchestrator.retrieval")

// DefaultTopK is the number of exchanges retrieved per query.
const DefaultTopK = 5

// =============================================================================
// Interface Definition
// =============================================================================

// Searcher defines the contract for retrieving grounding snippets.
//
// # Description
//
// TopK returns text snippets ordered by relevance, most relevant first.
// An empty result is not an error; the pipeline simply grounds on nothing.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Searcher interface {
	// TopK returns the most relevant prior Q&A snippets for the query.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and tracing.
	//   - query: The grounding query, normally the newest user question.
	//
	// # Outputs
	//
	//   - []string: Snippets in "Q: ...\nA: ..." form, best match first.
	//   - error: Non-nil if the vector search failed.
	TopK(ctx context.Context, query string) ([]string, error)
}

// =============================================================================
// Weaviate Implementation
// =============================================================================

// WeaviateQASearcher implements Searcher over the ChatExchange class.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client pools connections.
type WeaviateQASearcher struct {
	client *weaviate.Client
	topK   int
}

// NewWeaviateQASearcher creates a searcher with the given result count.
// A non-positive topK falls back to DefaultTopK.
func NewWeaviateQASearcher(client *weaviate.Client, topK int) *WeaviateQASearcher {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &WeaviateQASearcher{client: client, topK: topK}
}

// TopK runs a nearText search over ChatExchange.
func (s *WeaviateQASearcher) TopK(ctx context.Context, query string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "TopK")
	defer span.End()

	if query == "" {
		return nil, nil
	}

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "question"},
		{Name: "answer"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(datatypes.ChatExchangeClass).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(s.topK).
		Do(ctx)
	if err != nil {
		slog.Error("Failed to search ChatExchange class", "error", err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatExchangeQueryResponse](result)
	if err != nil {
		slog.Error("Failed to parse retrieval results", "error", err)
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	snippets := make([]string, 0, len(parsed.Get.ChatExchange))
	for _, hit := range parsed.Get.ChatExchange {
		snippets = append(snippets, fmt.Sprintf("Q: %s\nA: %s", hit.Question, hit.Answer))
	}

	slog.Debug("Retrieved grounding snippets", "count", len(snippets))
	return snippets, nil
}

// =============================================================================
// Lightweight Mode
// =============================================================================

// NoopSearcher satisfies Searcher when no vector store is deployed. Every
// query retrieves nothing, so turns run ungrounded.
type NoopSearcher struct{}

// TopK always returns no snippets.
func (NoopSearcher) TopK(context.Context, string) ([]string, error) { return nil, nil }

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var (
	_ Searcher = (*WeaviateQASearcher)(nil)
	_ Searcher = NoopSearcher{}
)
