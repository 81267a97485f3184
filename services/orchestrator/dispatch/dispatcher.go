// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dispatch implements the per-turn orchestration pipeline: quota is
// checked by the transport handler, retrieval grounds the routing call, a
// single-fragment peek decides between the text and skill branches, and the
// finished answer is appended to the conversation store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/KodiakAI/KodiakChat/services/llm"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/ident"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/retrieval"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/skills"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

var tracer = otel.Tracer("kodiak.orchestrator.dispatch")

// =============================================================================
// Wire Frames
// =============================================================================

// Stream markers. A successful turn always starts a content phase with
// MarkerStart and ends with MarkerDone; MarkerData appears only when a
// skill produced a structured record. An aborted turn simply ends without
// MarkerDone.
const (
	MarkerStart = "[GPT]"
	MarkerData  = "[DATA]"
	MarkerDone  = "[DONE]"
)

// CodeFrame carries the correlation code, emitted once per content phase.
type CodeFrame struct {
	Code int64 `json:"code"`
}

// TextFrame carries one streamed answer delta.
type TextFrame struct {
	Text string `json:"text"`
}

// FrameSink receives the ordered wire frames of one turn. The transport
// layer (SSE, websocket) owns encoding and pacing; a write error means the
// client is gone and the turn must abort.
type FrameSink interface {
	WriteMarker(marker string) error
	WriteJSON(v any) error
}

// =============================================================================
// Dispatcher
// =============================================================================

// Branch labels for outcomes and metrics.
const (
	BranchText  = "text"
	BranchSkill = "skill"
)

// Outcome summarizes one successfully dispatched turn.
type Outcome struct {
	Branch    string
	Skill     string
	Subtype   string
	Kind      string
	Code      int64
	Question  string
	Answer    string
	Persisted bool
}

// Config wires the dispatcher's collaborators.
type Config struct {
	LLM       llm.StreamClient
	Searcher  retrieval.Searcher
	Store     store.MessageStore
	Skills    *skills.Registry
	PostTexts *skills.PostTextRegistry
	Codes     *ident.Generator
	Logger    *slog.Logger
}

// Dispatcher runs the per-turn state machine. Stateless across turns; two
// concurrent turns contend only on the shared code generator and, through
// the transport handler, the quota gate.
type Dispatcher struct {
	llm       llm.StreamClient
	searcher  retrieval.Searcher
	store     store.MessageStore
	skills    *skills.Registry
	postTexts *skills.PostTextRegistry
	codes     *ident.Generator
	logger    *slog.Logger
}

// NewDispatcher validates the wiring and builds a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.LLM == nil:
		return nil, errors.New("dispatcher: nil LLM client")
	case cfg.Searcher == nil:
		return nil, errors.New("dispatcher: nil searcher")
	case cfg.Store == nil:
		return nil, errors.New("dispatcher: nil message store")
	case cfg.Skills == nil:
		return nil, errors.New("dispatcher: nil skill registry")
	case cfg.Codes == nil:
		return nil, errors.New("dispatcher: nil code generator")
	}
	if cfg.PostTexts == nil {
		cfg.PostTexts = skills.NewPostTextRegistry(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		llm:       cfg.LLM,
		searcher:  cfg.Searcher,
		store:     cfg.Store,
		skills:    cfg.Skills,
		postTexts: cfg.PostTexts,
		codes:     cfg.Codes,
		logger:    cfg.Logger,
	}, nil
}

// Run dispatches one turn and streams its frames into the sink.
//
// # Description
//
// Errors returned before the first frame is written leave the sink
// untouched, so the transport can still answer with a plain error
// response. Once frames have been written, an error means the stream was
// truncated without MarkerDone and nothing was persisted; the transport
// only logs it.
//
// # Inputs
//
//   - ctx: Cancelled when the client disconnects.
//   - req: Validated stream request.
//   - deviceID: Transport-derived device identifier for the stored rows.
//   - sink: Frame destination owned by the transport.
//
// # Outputs
//
//   - *Outcome: Summary of the finished turn; nil on error.
//   - error: ValidationError, UpstreamError, or PersistenceError.
func (d *Dispatcher) Run(ctx context.Context, req *datatypes.ChatStreamRequest,
	deviceID string, sink FrameSink) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "dispatch.run")
	defer span.End()

	window := req.Window()
	if len(window) == 0 {
		return nil, &ValidationError{Reason: "empty conversation window"}
	}
	question := datatypes.LatestUserQuestion(window)

	snippets, err := d.searcher.TopK(ctx, question)
	if err != nil {
		return nil, &UpstreamError{Stage: "retrieval", Err: err}
	}

	routing, err := d.llm.RouteStream(ctx, ComposeWindow(window),
		d.skills.Definitions(), req.Language, req.Model, ComposeGrounding(snippets))
	if err != nil {
		return nil, &UpstreamError{Stage: "routing", Err: err}
	}
	defer routing.Close()

	// The first fragment is the branch discriminator: a structured-call
	// delta selects the skill path, anything else the text path. The
	// remaining fragments of the same stream belong to whichever branch
	// runs.
	first, err := routing.Recv()
	if errors.Is(err, io.EOF) {
		span.SetAttributes(attribute.String("dispatch.branch", BranchText))
		return d.streamText(ctx, req, deviceID, sink, routing, "", question, true)
	}
	if err != nil {
		return nil, &UpstreamError{Stage: "routing", Err: err}
	}

	if first.Call != nil {
		span.SetAttributes(attribute.String("dispatch.branch", BranchSkill))
		return d.runSkill(ctx, req, deviceID, sink, routing, first.Call, window, question)
	}
	span.SetAttributes(attribute.String("dispatch.branch", BranchText))
	return d.streamText(ctx, req, deviceID, sink, routing, first.Content, question, false)
}

// =============================================================================
// Text Path
// =============================================================================

func (d *Dispatcher) streamText(ctx context.Context, req *datatypes.ChatStreamRequest,
	deviceID string, sink FrameSink, stream llm.FragmentStream,
	firstDelta, question string, drained bool) (*Outcome, error) {

	acc, err := NewAnswerAccumulator()
	if err != nil {
		return nil, &UpstreamError{Stage: "accumulator", Err: err}
	}
	defer acc.Destroy()

	if err := sink.WriteMarker(MarkerStart); err != nil {
		return nil, &UpstreamError{Stage: "client", Err: err}
	}
	code := d.codes.Next()
	if err := sink.WriteJSON(CodeFrame{Code: code}); err != nil {
		return nil, &UpstreamError{Stage: "client", Err: err}
	}

	emit := d.emitter(acc, sink)

	if err := emit(firstDelta); err != nil {
		return nil, err
	}
	for !drained {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &UpstreamError{Stage: "routing", Err: err}
		}
		if frag.Call != nil {
			// A late call delta after text fragments is out of protocol;
			// the branch was already taken.
			d.logger.Warn("ignoring call fragment on text path",
				"skill", frag.Call.Name, "user_id", req.UserID)
			continue
		}
		if err := emit(frag.Content); err != nil {
			return nil, err
		}
	}

	answer, digest, err := acc.Finalize()
	if err != nil {
		return nil, &UpstreamError{Stage: "accumulator", Err: err}
	}
	d.logger.Debug("text answer finalized",
		"accumulator_id", acc.ID(), "answer_sha256", digest, "code", code)

	record := datatypes.DispatchRecord{
		Kind:    datatypes.KindText,
		Content: answer,
		Code:    code,
	}
	persisted, err := d.persist(ctx, req, deviceID, question, record)
	if err != nil {
		return nil, err
	}
	if err := sink.WriteMarker(MarkerDone); err != nil {
		return nil, &UpstreamError{Stage: "client", Err: err}
	}

	return &Outcome{
		Branch:    BranchText,
		Kind:      record.Kind,
		Code:      code,
		Question:  question,
		Answer:    record.Content,
		Persisted: persisted,
	}, nil
}

// =============================================================================
// Skill Path
// =============================================================================

func (d *Dispatcher) runSkill(ctx context.Context, req *datatypes.ChatStreamRequest,
	deviceID string, sink FrameSink, routing llm.FragmentStream,
	firstCall *llm.CallDelta, window []datatypes.Turn, question string) (*Outcome, error) {

	ctx, span := tracer.Start(ctx, "dispatch.skill")
	defer span.End()

	// Arguments may be split across deltas; concatenate everything before
	// parsing.
	var wireName, args strings.Builder
	wireName.WriteString(firstCall.Name)
	args.WriteString(firstCall.Arguments)
	for {
		frag, err := routing.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &UpstreamError{Stage: "routing", Err: err}
		}
		if frag.Call == nil {
			continue
		}
		wireName.WriteString(frag.Call.Name)
		args.WriteString(frag.Call.Arguments)
	}

	skillName, subtype, err := skills.SplitWireName(wireName.String())
	if err != nil {
		return nil, &ValidationError{Reason: "bad skill name", Err: err}
	}
	desc, ok := d.skills.Lookup(skillName)
	if !ok {
		return nil, &ValidationError{Reason: "unknown skill " + skillName}
	}
	span.SetAttributes(
		attribute.String("dispatch.skill", skillName),
		attribute.String("dispatch.subtype", subtype),
	)

	parsed, err := parseCallArguments(args.String())
	if err != nil {
		return nil, &ValidationError{Reason: "malformed skill arguments", Err: err}
	}
	parsed["language"] = req.Language
	parsed["subtype"] = subtype

	positional := make([]string, len(desc.ParamNames))
	for i, name := range desc.ParamNames {
		positional[i] = stringArg(parsed[name])
	}

	result, err := desc.Handler(ctx, positional...)
	if err != nil {
		return nil, &UpstreamError{Stage: "skill " + skillName, Err: err}
	}
	kind := result.Kind
	if kind == "" {
		kind = desc.Kind
	}

	var preset any
	if desc.HasPresetContent && (desc.NeedsPreset || boolArg(parsed["need_chart"])) {
		preset = result.PresetContent
	}

	// Fresh snippets for pass 2: the handler may have changed the state
	// retrieval reflects, so pass-1 context is never reused.
	fresh, err := d.searcher.TopK(ctx, question)
	if err != nil {
		return nil, &UpstreamError{Stage: "retrieval", Err: err}
	}

	answerStream, err := d.llm.AnswerStream(ctx, ComposeWindow(window),
		req.Model, req.Language, kind, ComposeSkillGrounding(fresh, result))
	if err != nil {
		return nil, &UpstreamError{Stage: "answer", Err: err}
	}
	defer answerStream.Close()

	acc, err := NewAnswerAccumulator()
	if err != nil {
		return nil, &UpstreamError{Stage: "accumulator", Err: err}
	}
	defer acc.Destroy()

	if err := sink.WriteMarker(MarkerStart); err != nil {
		return nil, &UpstreamError{Stage: "client", Err: err}
	}
	code := d.codes.Next()
	if err := sink.WriteJSON(CodeFrame{Code: code}); err != nil {
		return nil, &UpstreamError{Stage: "client", Err: err}
	}

	emit := d.emitter(acc, sink)

	for {
		frag, err := answerStream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &UpstreamError{Stage: "answer", Err: err}
		}
		if err := emit(frag.Content); err != nil {
			return nil, err
		}
	}

	// Post-processor text joins the same logical text stream.
	if postText, ok := d.postTexts.Lookup(skillName); ok {
		chunks, err := postText(ctx, skills.PostTextParam{
			Language: req.Language,
			Subtype:  subtype,
		})
		if err != nil {
			return nil, &UpstreamError{Stage: "posttext " + skillName, Err: err}
		}
		for _, chunk := range chunks {
			if err := emit(chunk); err != nil {
				return nil, err
			}
		}
	}

	answer, digest, err := acc.Finalize()
	if err != nil {
		return nil, &UpstreamError{Stage: "accumulator", Err: err}
	}
	d.logger.Debug("skill answer finalized",
		"accumulator_id", acc.ID(), "answer_sha256", digest,
		"skill", skillName, "code", code)

	record := datatypes.DispatchRecord{
		Kind:          kind,
		Subtype:       subtype,
		Content:       answer,
		PresetContent: preset,
		Code:          code,
	}
	if err := sink.WriteMarker(MarkerData); err != nil {
		return nil, &UpstreamError{Stage: "client", Err: err}
	}
	if err := sink.WriteJSON(record); err != nil {
		return nil, &UpstreamError{Stage: "client", Err: err}
	}

	persisted, err := d.persist(ctx, req, deviceID, question, record)
	if err != nil {
		return nil, err
	}
	if err := sink.WriteMarker(MarkerDone); err != nil {
		return nil, &UpstreamError{Stage: "client", Err: err}
	}

	return &Outcome{
		Branch:    BranchSkill,
		Skill:     skillName,
		Subtype:   subtype,
		Kind:      kind,
		Code:      code,
		Question:  question,
		Answer:    record.Content,
		Persisted: persisted,
	}, nil
}

// emitter returns the delta sink shared by both branches: each non-empty
// delta is accumulated, then written as one text frame.
func (d *Dispatcher) emitter(acc AnswerAccumulator, sink FrameSink) func(string) error {
	return func(delta string) error {
		if delta == "" {
			return nil
		}
		if err := acc.Write(delta); err != nil {
			return &UpstreamError{Stage: "accumulator", Err: err}
		}
		if err := sink.WriteJSON(TextFrame{Text: delta}); err != nil {
			return &UpstreamError{Stage: "client", Err: err}
		}
		return nil
	}
}

// =============================================================================
// Persistence
// =============================================================================

// persist appends the user row then the assistant row. Skipped entirely
// when the turn has no question or no conversation group.
func (d *Dispatcher) persist(ctx context.Context, req *datatypes.ChatStreamRequest,
	deviceID, question string, record datatypes.DispatchRecord) (bool, error) {
	if question == "" || req.MsgGroup == "" {
		return false, nil
	}
	now := time.Now().Unix()

	// The question row keeps the client-assigned code when one was sent;
	// only the answer row carries the generated code.
	questionCode := record.Code
	if req.Code != "" {
		if n, err := strconv.ParseInt(req.Code, 10, 64); err == nil {
			questionCode = n
		}
	}

	userRow := datatypes.StoredMessage{
		Content:   question,
		Kind:      datatypes.RoleUser,
		UserID:    req.UserID,
		MsgGroup:  req.MsgGroup,
		Code:      questionCode,
		DeviceID:  deviceID,
		CreatedAt: now,
	}
	if err := d.store.Append(ctx, userRow); err != nil {
		return false, &PersistenceError{Err: err}
	}

	stored := record
	if stored.Kind == datatypes.KindSwap {
		// Value-exchange quotes are single-use: the stored copy is marked
		// expired so a client replaying history never re-offers it.
		stored.Expired = true
	}
	content := stored.Content
	if stored.Kind != datatypes.KindText {
		if raw, err := json.Marshal(stored); err == nil {
			content = string(raw)
		}
	}
	assistantRow := datatypes.StoredMessage{
		Content:   content,
		Kind:      stored.Kind,
		UserID:    req.UserID,
		MsgGroup:  req.MsgGroup,
		Code:      stored.Code,
		DeviceID:  deviceID,
		CreatedAt: now,
	}
	if err := d.store.Append(ctx, assistantRow); err != nil {
		return false, &PersistenceError{Err: err}
	}
	return true, nil
}

// =============================================================================
// Argument Helpers
// =============================================================================

func parseCallArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	parsed := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func stringArg(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func boolArg(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "yes"
	case float64:
		return t != 0
	default:
		return false
	}
}
