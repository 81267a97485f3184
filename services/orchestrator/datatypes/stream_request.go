// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single turn's content.
	// Byte length, not rune count, to bound memory for large payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of turns in a request.
	MaxMessagesPerRequest = 100

	// WindowSize is the number of trailing turns supplied as model context.
	// Older turns are dropped before the pipeline runs.
	WindowSize = 10
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// streamValidate is the validator instance for stream request datatypes.
// Initialized in init() with custom validators.
var streamValidate *validator.Validate

func init() {
	streamValidate = validator.New()
	_ = streamValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the MaxMessageContentBytes cap on a string field.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Stream Request
// =============================================================================

// ChatStreamRequest is the body of POST /v1/chat/stream.
//
// # Description
//
// One inbound turn to dispatch. Messages is the running conversation,
// oldest first; only the trailing WindowSize turns are used. MsgGroup names
// the conversation for persistence — when empty the turn streams but is not
// stored. Model selects the LLM and, for metered models, triggers the quota
// gate before any model call is made.
//
// # Fields
//
//   - UserID: Caller identity used for quota metering and persistence.
//   - Language: BCP-47-ish language tag forwarded to the model and skills.
//   - MsgGroup: Conversation group identifier. Optional.
//   - Model: Model selector, e.g. "kodiak-plus" (metered) or "kodiak-lite".
//   - Code: Client-assigned code stamped on the persisted question row.
//     Decimal digits only. Optional; absent, the question row reuses the
//     generated answer code.
//   - Messages: Conversation window, 1-100 turns, each content <= 32KB.
//
// # Validation
//
// Uses go-playground/validator via Validate(). Role and content limits are
// enforced per element through the registered "maxbytes" validator.
type ChatStreamRequest struct {
	UserID   string `json:"userid" validate:"required,max=64"`
	Language string `json:"language" validate:"omitempty,max=16"`
	MsgGroup string `json:"msggroup" validate:"omitempty,max=128"`
	Model    string `json:"model" validate:"omitempty,max=64"`
	Code     string `json:"code" validate:"omitempty,number,max=20"`
	Messages []Turn `json:"messages" validate:"required,min=1,max=100,dive"`
}

// Validate checks the request against its validation tags.
//
// # Outputs
//
//   - error: Non-nil with the first violated constraint, nil when valid.
func (r *ChatStreamRequest) Validate() error {
	if err := streamValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid chat stream request: %w", err)
	}
	return nil
}

// Window returns the clamped conversation window for dispatch.
func (r *ChatStreamRequest) Window() []Turn {
	return ClampWindow(r.Messages, WindowSize)
}
