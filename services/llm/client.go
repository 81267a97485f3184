// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides streaming model clients for the dispatch pipeline.
//
// Two kinds of calls exist: the routing call, where the model may answer in
// free text or emit a structured skill call, and the answer call, which
// streams plain grounded content. Both expose the same fragment stream so
// the dispatcher can peek one fragment and keep reading the same stream.
package llm

import (
	"context"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// CallDelta is one increment of a structured skill call.
//
// Name arrives on the first fragment; Arguments may be split across many
// fragments and must be concatenated before parsing.
type CallDelta struct {
	Name      string
	Arguments string
}

// Fragment is one streamed delta from a model call.
//
// Exactly one of Content and Call is populated. A routing stream that
// decided on a skill emits Call fragments from the first fragment onward;
// a text answer emits Content fragments.
type Fragment struct {
	Content string
	Call    *CallDelta
}

// FragmentStream is a pull-based stream of model fragments.
//
// Recv returns io.EOF when the model is done. Close releases the underlying
// connection and is safe to call more than once.
type FragmentStream interface {
	Recv() (Fragment, error)
	Close() error
}

// SkillDefinition describes one callable skill to the routing model.
//
// Name is the wire-encoded skill name (skill + "____" + subtype).
// Parameters is a JSON-schema-shaped document of the argument object.
type SkillDefinition struct {
	Name        string
	Description string
	Parameters  any
}

// StreamClient defines the standard interface for any streaming LLM backend.
//
// # Description
//
// RouteStream issues the first model call with the skill-call protocol
// enabled. AnswerStream issues a grounded content call with the protocol
// disabled. Grounding text is composed (and budget-truncated) by the
// caller; the client only frames it into its system prompt.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; each call returns an
// independent stream.
type StreamClient interface {
	// RouteStream starts the routing call.
	//
	// # Inputs
	//
	//   - ctx: Cancellation propagates to the provider connection.
	//   - messages: Derived conversation window (system turns stripped,
	//     skill-call turns in function-call shape).
	//   - skills: Skill definitions the model may call. Empty disables routing.
	//   - language: Answer language hint for the system framing.
	//   - model: Model selector from the request, mapped by the client.
	//   - grounding: Pre-composed retrieval context, already truncated.
	//
	// # Outputs
	//
	//   - FragmentStream: Stream of text or call fragments. Caller closes it.
	//   - error: Non-nil if the call could not be started.
	RouteStream(ctx context.Context, messages []datatypes.Turn, skills []SkillDefinition,
		language, model, grounding string) (FragmentStream, error)

	// AnswerStream starts the grounded answer call (skill protocol disabled).
	//
	// kind is the resolved skill's record kind, empty on the text path. It
	// selects the system framing variant; grounding carries the snippet and
	// digest text composed by the caller.
	AnswerStream(ctx context.Context, messages []datatypes.Turn,
		model, language, kind, grounding string) (FragmentStream, error)
}
