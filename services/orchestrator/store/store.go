// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store provides append-only persistence of conversation turns.
//
// The dispatch pipeline writes two rows per successful turn: the user's
// question and the assistant's answer. Rows are never mutated after the
// append; the store owns them thereafter.
package store

import (
	"context"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// MessageStore defines the contract for conversation persistence.
//
// # Description
//
// MessageStore abstracts the relational engine the deployment actually
// uses. The core only needs an append-only store message call plus a
// group-scoped read used by history endpoints and tests.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; appends from different
// requests may interleave but each append is atomic.
type MessageStore interface {
	// Append durably stores one message row.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation.
	//   - msg: Row to store. CreatedAt is set by the store when zero.
	//
	// # Outputs
	//
	//   - error: Non-nil if the write failed; the row was not stored.
	Append(ctx context.Context, msg datatypes.StoredMessage) error

	// ListByGroup returns all rows of a conversation group in append order.
	ListByGroup(ctx context.Context, msgGroup string) ([]datatypes.StoredMessage, error)

	// Close releases the underlying storage.
	Close() error
}
