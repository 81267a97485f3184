// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ChatExchangeClass is the Weaviate class holding prior Q&A exchanges used
// as retrieval grounding for new turns.
const ChatExchangeClass = "ChatExchange"

// GetChatExchangeSchema returns the schema for the ChatExchange class.
//
// # Description
//
// Each object is one question/answer pair (or one chunk of a long answer).
// The question and answer properties are vectorized so the retrieval
// gateway can run semantic top-k search; msg_group and kind are filterable
// metadata only.
//
// # Outputs
//
//   - *models.Class: Schema ready for ClassCreator.
func GetChatExchangeSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ChatExchangeClass,
		Description: "Historical Q&A exchanges used as retrieval grounding",
		Vectorizer:  "text2vec-transformers",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:        "question",
				DataType:    []string{"text"},
				Description: "The user question of the exchange",
			},
			{
				Name:        "answer",
				DataType:    []string{"text"},
				Description: "The assistant answer (or one chunk of it)",
			},
			{
				Name:            "msg_group",
				DataType:        []string{"text"},
				Description:     "Conversation group the exchange belongs to",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "kind",
				DataType:        []string{"text"},
				Description:     "Record kind of the answer (gpt, balance, market, coin_swap)",
				IndexFilterable: indexFilterable,
			},
			{
				Name:        "timestamp",
				DataType:    []string{"int"},
				Description: "Unix milliseconds when the exchange completed",
			},
		},
	}
}

// EnsureWeaviateSchema creates any missing classes the orchestrator needs.
//
// Missing classes are created; existing ones are left untouched. Creation
// failure is fatal because retrieval cannot run without its class.
func EnsureWeaviateSchema(client *weaviate.Client) {
	schemaGetters := []func() *models.Class{
		GetChatExchangeSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			slog.Info("Schema not found, creating it...", "class", class.Class)
			if err := client.Schema().ClassCreator().WithClass(class).Do(context.Background()); err != nil {
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
