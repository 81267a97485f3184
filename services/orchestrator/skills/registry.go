// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package skills provides the skill and post-processor registries.
//
// A skill is a named handler that fetches domain data before a grounded
// answer is generated. The routing model addresses skills by a wire name of
// the form "skill____subtype"; the registry maps the bare skill name to a
// capability descriptor validated once at process start, so unknown names
// fail at load time rather than on first use.
package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/KodiakAI/KodiakChat/services/llm"
)

// WireSeparator joins the skill name and sub-variant on the wire.
const WireSeparator = "____"

// EncodeWireName builds the wire-encoded name the routing model calls.
func EncodeWireName(skill, subtype string) string {
	return skill + WireSeparator + subtype
}

// SplitWireName splits a wire-encoded name into skill and sub-variant.
//
// # Outputs
//
//   - skill, subtype: The two halves of the name.
//   - error: Non-nil when the separator is missing or a half is empty.
func SplitWireName(wire string) (skill, subtype string, err error) {
	skill, subtype, ok := strings.Cut(wire, WireSeparator)
	if !ok || skill == "" || subtype == "" {
		return "", "", fmt.Errorf("malformed skill wire name %q", wire)
	}
	return skill, subtype, nil
}

// =============================================================================
// Descriptor
// =============================================================================

// Result is the output of a skill handler.
//
// # Fields
//
//   - Kind: Record category tag, used for persistence and answer framing.
//   - PresetContent: Machine-shaped payload for the client (e.g. chart
//     series). Nil when the handler has nothing displayable.
//   - Digest: Human-readable summary fed back into the model as grounding.
type Result struct {
	Kind          string
	PresetContent any
	Digest        string
}

// Handler fetches domain data for one skill invocation.
//
// Arguments arrive positionally in the order the Descriptor declares them;
// a missing argument arrives as the empty string. Handlers must treat every
// argument as untrusted model output.
type Handler func(ctx context.Context, args ...string) (*Result, error)

// Descriptor declares one skill's capability.
//
// # Fields
//
//   - Name: Bare skill name, the part before the wire separator.
//   - Kind: Record kind handlers of this skill produce.
//   - Description: Routing description shown to the model.
//   - Subtypes: Sub-variants advertised to the router, one wire name each.
//   - ParamNames: Ordered argument names extracted from the parsed call
//     arguments. May include the injected "language" and "subtype" keys.
//   - Parameters: JSON-schema document for the argument object.
//   - Handler: The data-fetching handler.
//   - HasPresetContent: The handler can stage a displayable payload.
//   - NeedsPreset: Stage the payload even when the caller did not ask for
//     a chart.
type Descriptor struct {
	Name             string
	Kind             string
	Description      string
	Subtypes         []string
	ParamNames       []string
	Parameters       any
	Handler          Handler
	HasPresetContent bool
	NeedsPreset      bool
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the static skill lookup table, built once at process start.
//
// # Thread Safety
//
// Read-only after construction; safe for concurrent use.
type Registry struct {
	entries map[string]Descriptor
	order   []string
}

// NewRegistry builds and validates a registry.
//
// # Description
//
// Validation fails fast on an empty name or kind, a nil handler, a missing
// subtype list, or a duplicate name, so a misconfigured deployment dies at
// startup instead of on the first affected request.
//
// # Outputs
//
//   - *Registry: Ready lookup table.
//   - error: First validation failure encountered.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{entries: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("skill registry: descriptor with empty name")
		}
		if d.Kind == "" {
			return nil, fmt.Errorf("skill registry: skill %q has empty kind", d.Name)
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("skill registry: skill %q has nil handler", d.Name)
		}
		if len(d.Subtypes) == 0 {
			return nil, fmt.Errorf("skill registry: skill %q declares no subtypes", d.Name)
		}
		if _, dup := r.entries[d.Name]; dup {
			return nil, fmt.Errorf("skill registry: duplicate skill %q", d.Name)
		}
		r.entries[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// Lookup resolves a bare skill name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.entries[name]
	return d, ok
}

// Definitions lists every advertised wire-encoded skill for the routing
// call, one definition per skill sub-variant, in registration order.
func (r *Registry) Definitions() []llm.SkillDefinition {
	var defs []llm.SkillDefinition
	for _, name := range r.order {
		d := r.entries[name]
		for _, sub := range d.Subtypes {
			defs = append(defs, llm.SkillDefinition{
				Name:        EncodeWireName(d.Name, sub),
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}
	return defs
}

// =============================================================================
// Post-Processor Registry
// =============================================================================

// PostTextParam parameterizes supplementary trailing text.
type PostTextParam struct {
	Language string
	Subtype  string
}

// PostTextFunc generates supplementary text chunks appended after the
// grounded answer, one streamed frame per chunk.
type PostTextFunc func(ctx context.Context, p PostTextParam) ([]string, error)

// PostTextRegistry maps skill names to optional trailing-text generators.
//
// A lookup miss is not an error; absence simply means no trailing text.
type PostTextRegistry struct {
	entries map[string]PostTextFunc
}

// NewPostTextRegistry builds the post-processor table.
func NewPostTextRegistry(entries map[string]PostTextFunc) *PostTextRegistry {
	if entries == nil {
		entries = map[string]PostTextFunc{}
	}
	return &PostTextRegistry{entries: entries}
}

// Lookup resolves the generator for a skill, if any.
func (r *PostTextRegistry) Lookup(skill string) (PostTextFunc, bool) {
	f, ok := r.entries[skill]
	return f, ok
}
