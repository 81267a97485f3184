// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// MeteredModel is the paid-tier model selector gated by the quota service.
const MeteredModel = "kodiak-plus"

// OpenAIClient implements StreamClient against the OpenAI chat API.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	plusModel string
}

// NewOpenAIClient builds a client from environment configuration.
//
// Reads OPENAI_API_KEY (falling back to the container secret file),
// OPENAI_MODEL for the default backend and OPENAI_PLUS_MODEL for the
// metered tier.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	plusModel := os.Getenv("OPENAI_PLUS_MODEL")
	if plusModel == "" {
		plusModel = "gpt-4o"
	}

	slog.Info("Initializing OpenAI client", "model", model, "plus_model", plusModel)
	return &OpenAIClient{
		client:    openai.NewClient(apiKey),
		model:     model,
		plusModel: plusModel,
	}, nil
}

// NewOpenAIClientWithConfig builds a client from an explicit go-openai
// config. Used by tests to point the client at a fake server.
func NewOpenAIClientWithConfig(cfg openai.ClientConfig, model, plusModel string) *OpenAIClient {
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		plusModel: plusModel,
	}
}

// resolveModel maps the request's model selector onto a provider model.
func (o *OpenAIClient) resolveModel(selector string) string {
	if selector == MeteredModel {
		return o.plusModel
	}
	return o.model
}

// RouteStream starts the routing call with the function protocol enabled.
func (o *OpenAIClient) RouteStream(ctx context.Context, messages []datatypes.Turn,
	skills []SkillDefinition, language, model, grounding string) (FragmentStream, error) {

	req := openai.ChatCompletionRequest{
		Model:    o.resolveModel(model),
		Messages: o.convertMessages(messages, routingSystemPrompt(language, grounding)),
		Stream:   true,
	}
	for _, s := range skills {
		req.Functions = append(req.Functions, openai.FunctionDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		})
	}
	if len(req.Functions) > 0 {
		req.FunctionCall = "auto"
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI routing call failed", "error", err, "model", req.Model)
		return nil, fmt.Errorf("openai routing call: %w", err)
	}
	return &openaiFragmentStream{stream: stream}, nil
}

// AnswerStream starts the grounded answer call with the protocol disabled.
func (o *OpenAIClient) AnswerStream(ctx context.Context, messages []datatypes.Turn,
	model, language, kind, grounding string) (FragmentStream, error) {

	req := openai.ChatCompletionRequest{
		Model:    o.resolveModel(model),
		Messages: o.convertMessages(messages, answerSystemPrompt(language, kind, grounding)),
		Stream:   true,
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI answer call failed", "error", err, "model", req.Model)
		return nil, fmt.Errorf("openai answer call: %w", err)
	}
	return &openaiFragmentStream{stream: stream}, nil
}

// convertMessages builds the provider message list from a derived window.
//
// The caller has already stripped system turns; the client supplies its own
// system framing as the first message. Skill-call turns are replayed in the
// assistant function-call shape the API expects.
func (o *OpenAIClient) convertMessages(messages []datatypes.Turn, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, t := range messages {
		if t.Role == datatypes.RoleSkillCall && t.SkillCall != nil {
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				FunctionCall: &openai.FunctionCall{
					Name:      t.SkillCall.Name,
					Arguments: t.SkillCall.Arguments,
				},
			})
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    t.Role,
			Content: t.Content,
		})
	}
	return out
}

func routingSystemPrompt(language, grounding string) string {
	var b strings.Builder
	b.WriteString("You are Kodiak, a crypto market assistant. ")
	b.WriteString("Answer directly, or call one of the provided functions when the user needs account or market data.")
	if language != "" {
		fmt.Fprintf(&b, " Answer in language %q.", language)
	}
	if grounding != "" {
		b.WriteString("\n\n")
		b.WriteString(grounding)
	}
	return b.String()
}

func answerSystemPrompt(language, kind, grounding string) string {
	var b strings.Builder
	b.WriteString("You are Kodiak, a crypto market assistant. ")
	if kind != "" {
		fmt.Fprintf(&b, "Ground your answer in the %s data provided below. ", kind)
	}
	b.WriteString("Be concise and factual.")
	if language != "" {
		fmt.Fprintf(&b, " Answer in language %q.", language)
	}
	if grounding != "" {
		b.WriteString("\n\n")
		b.WriteString(grounding)
	}
	return b.String()
}

// =============================================================================
// Fragment Stream Adapter
// =============================================================================

// openaiFragmentStream adapts an openai.ChatCompletionStream to FragmentStream.
type openaiFragmentStream struct {
	stream *openai.ChatCompletionStream
}

// Recv pulls the next fragment, mapping function-call deltas onto CallDelta.
// Returns io.EOF when the provider stream ends.
func (s *openaiFragmentStream) Recv() (Fragment, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return Fragment{}, err
		}
		if len(resp.Choices) == 0 {
			// Keep-alive chunks without choices are skipped.
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.FunctionCall != nil {
			return Fragment{Call: &CallDelta{
				Name:      delta.FunctionCall.Name,
				Arguments: delta.FunctionCall.Arguments,
			}}, nil
		}
		if delta.Content == "" {
			// Role-only preamble deltas carry no signal; surfacing one
			// would misroute the branch decision made on the first
			// fragment.
			continue
		}
		return Fragment{Content: delta.Content}, nil
	}
}

func (s *openaiFragmentStream) Close() error {
	return s.stream.Close()
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamClient = (*OpenAIClient)(nil)
