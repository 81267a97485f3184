// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the conversation turn model shared by the dispatch
// pipeline, the LLM clients, and the message store. For the inbound request
// shape see stream_request.go; for the persisted record shape see record.go.
package datatypes

// =============================================================================
// Role Constants
// =============================================================================

const (
	// RoleUser marks a turn authored by the end user.
	RoleUser = "user"

	// RoleAssistant marks a model-authored answer turn.
	RoleAssistant = "assistant"

	// RoleSystem marks framing turns. The prompt composer strips these from
	// the window and supplies its own system framing.
	RoleSystem = "system"

	// RoleSkillCall marks the transitional turn recorded when the routing
	// call requested a skill instead of answering. A skill-call turn carries
	// a SkillCall payload and no content.
	RoleSkillCall = "skillcall"
)

// KindText is the record kind for answers produced without a skill.
const KindText = "gpt"

// KindSwap is the value-exchange record kind. Records of this kind are
// stored pre-expired so a client never re-offers the transaction.
const KindSwap = "coin_swap"

// =============================================================================
// Turn
// =============================================================================

// SkillCallPayload is the structured call a routing turn carried.
//
// # Description
//
// Name holds the wire-encoded skill name (skill + "____" + subtype) and
// Arguments the raw JSON argument document exactly as accumulated from the
// routing stream. The payload is kept verbatim so a window containing a
// skill-call turn can be replayed to the model in the function-call shape
// it expects.
//
// # Fields
//
//   - Name: Wire-encoded skill name, e.g. "balance____query"
//   - Arguments: Raw JSON argument string, e.g. `{"address":"0xabc"}`
type SkillCallPayload struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Turn is one message in a conversation window.
//
// # Description
//
// Turn is an immutable value record. The dispatch pipeline never mutates a
// caller-supplied window; the prompt composer builds derived, role-filtered
// copies for each model call instead.
//
// At most one of Content and SkillCall is meaningful: a RoleSkillCall turn
// carries SkillCall and empty Content, every other role carries Content.
//
// # Fields
//
//   - Role: One of RoleUser, RoleAssistant, RoleSystem, RoleSkillCall
//   - Content: Message text. Empty for RoleSkillCall turns.
//   - SkillCall: Structured call payload. Nil unless Role is RoleSkillCall.
//   - Code: Optional correlation code a client echoes back from a previous
//     stream. Zero when absent. Stripped before the turn is sent to a model.
type Turn struct {
	Role      string            `json:"role" validate:"required,oneof=user assistant system skillcall"`
	Content   string            `json:"content" validate:"maxbytes"`
	SkillCall *SkillCallPayload `json:"skill_call,omitempty"`
	Code      int64             `json:"code,omitempty"`
}

// LatestUserQuestion returns the content of the most recent user turn.
//
// # Description
//
// The dispatch pipeline grounds retrieval on the newest user question in
// the window. Returns the empty string when the window holds no user turn.
//
// # Inputs
//
//   - window: Conversation window, oldest turn first.
//
// # Outputs
//
//   - string: Content of the last RoleUser turn, or "".
func LatestUserQuestion(window []Turn) string {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role == RoleUser {
			return window[i].Content
		}
	}
	return ""
}

// ClampWindow returns the trailing n turns of the window.
//
// Older turns are silently dropped; the core keeps no archival path. The
// returned slice aliases the input and must be treated as read-only.
func ClampWindow(window []Turn, n int) []Turn {
	if len(window) <= n {
		return window
	}
	return window[len(window)-n:]
}
