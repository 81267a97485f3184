// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"golang.org/x/sync/errgroup"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

const (
	// indexChunkSize bounds each stored answer chunk so long answers stay
	// retrievable without blowing the grounding budget on a single hit.
	indexChunkSize = 1200

	// indexChunkOverlap keeps adjacent chunks coherent at the cut points.
	indexChunkOverlap = 120
)

// =============================================================================
// Interface Definition
// =============================================================================

// Indexer defines the contract for feeding completed exchanges back into
// the retrieval corpus.
//
// # Description
//
// IndexExchange is best-effort: it runs after the turn's [DONE] frame and
// a failure only costs future grounding quality, never the turn itself.
type Indexer interface {
	// IndexExchange stores one question/answer pair for future retrieval.
	IndexExchange(ctx context.Context, question, answer, msgGroup, kind string) error
}

// =============================================================================
// Weaviate Implementation
// =============================================================================

// ExchangeIndexer implements Indexer over the ChatExchange class.
//
// Long answers are chunked with a recursive character splitter before
// insertion; each chunk becomes its own object carrying the full question
// so any chunk can match the question semantically.
type ExchangeIndexer struct {
	client   *weaviate.Client
	splitter textsplitter.RecursiveCharacter
}

// NewExchangeIndexer creates an indexer for the given client.
func NewExchangeIndexer(client *weaviate.Client) *ExchangeIndexer {
	return &ExchangeIndexer{
		client: client,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(indexChunkSize),
			textsplitter.WithChunkOverlap(indexChunkOverlap),
		),
	}
}

// IndexExchange chunks the answer and writes the objects concurrently.
func (ix *ExchangeIndexer) IndexExchange(ctx context.Context, question, answer, msgGroup, kind string) error {
	if question == "" || answer == "" {
		return nil
	}

	chunks, err := ix.splitter.SplitText(answer)
	if err != nil {
		return fmt.Errorf("split answer for indexing: %w", err)
	}
	now := time.Now().UnixMilli()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, chunk := range chunks {
		g.Go(func() error {
			_, err := ix.client.Data().Creator().
				WithClassName(datatypes.ChatExchangeClass).
				WithProperties(map[string]interface{}{
					"question":  question,
					"answer":    chunk,
					"msg_group": msgGroup,
					"kind":      kind,
					"timestamp": now,
				}).
				Do(ctx)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("index exchange: %w", err)
	}

	slog.Debug("Indexed exchange",
		"msg_group", msgGroup,
		"kind", kind,
		"chunks", len(chunks),
	)
	return nil
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Indexer = (*ExchangeIndexer)(nil)
