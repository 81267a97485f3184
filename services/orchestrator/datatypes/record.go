// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Dispatch Record
// =============================================================================

// DispatchRecord is the structured outcome of one dispatched turn.
//
// # Description
//
// DispatchRecord is double-duty: it is the payload of the [DATA] frame on
// the live stream, and (JSON-serialized) the content of the persisted
// assistant row. The correlation Code ties the two together so a client can
// match a historical row to the stream that produced it.
//
// # Fields
//
//   - Kind: Record category. KindText for plain answers, otherwise the
//     resolved skill's kind (e.g. "balance", "market", "coin_swap").
//   - Subtype: Skill sub-variant from the routing call. Empty on the text path.
//   - Content: Full concatenated answer text, post-processor text included.
//   - PresetContent: Machine-shaped payload staged by the skill handler
//     (e.g. chart data). Nil unless the handler surfaced one.
//   - Code: Correlation code from the shared generator. Matches the code
//     frame emitted on the live stream.
//   - Expired: True only for value-exchange kinds, set at persistence time.
//     Signals the client not to re-offer the stored transaction.
//
// # Lifecycle
//
// Created once per turn at the end of the pipeline, never mutated after the
// store append. Ownership passes to the message store.
type DispatchRecord struct {
	Kind          string `json:"type"`
	Subtype       string `json:"subtype,omitempty"`
	Content       string `json:"content"`
	PresetContent any    `json:"presetContent,omitempty"`
	Code          int64  `json:"code"`
	Expired       bool   `json:"expired,omitempty"`
}

// =============================================================================
// Stored Message
// =============================================================================

// StoredMessage is one append-only row in the conversation store.
//
// Two rows are written per successfully streamed turn: the user's question
// (Kind RoleUser) and the assistant's answer (Kind = DispatchRecord.Kind).
type StoredMessage struct {
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	UserID    string `json:"user_id"`
	MsgGroup  string `json:"msg_group"`
	Code      int64  `json:"code"`
	DeviceID  string `json:"device_id"`
	CreatedAt int64  `json:"created_at"`
}
