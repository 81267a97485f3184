// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/skills"
)

// GroundingBudget caps the composed grounding text, in runes. Retrieved
// snippets past the cap are cut so one oversized snippet cannot crowd a
// prompt out of the model's context window.
const GroundingBudget = 11000

// ComposeWindow derives the model-facing conversation window.
//
// # Description
//
// System turns are stripped (the model client supplies its own system
// framing), per-turn correlation codes are cleared, and skill-call turns
// pass through for the client to render in function-call shape. The input
// slice is never mutated; callers keep an unmodified window for
// persistence.
func ComposeWindow(window []datatypes.Turn) []datatypes.Turn {
	out := make([]datatypes.Turn, 0, len(window))
	for _, turn := range window {
		if turn.Role == datatypes.RoleSystem {
			continue
		}
		turn.Code = 0
		out = append(out, turn)
	}
	return out
}

// ComposeGrounding joins pass-1 retrieval snippets into one grounding
// document, truncated at the budget.
func ComposeGrounding(snippets []string) string {
	return truncateRunes(strings.Join(snippets, "\n\n"), GroundingBudget)
}

// ComposeSkillGrounding builds the pass-2 grounding document: the skill's
// digest first, then its structured payload, then the fresh snippets. The
// digest leads so budget truncation cuts retrieval context before it cuts
// the data the answer is actually about.
func ComposeSkillGrounding(snippets []string, result *skills.Result) string {
	var sections []string
	if result != nil {
		if result.Digest != "" {
			sections = append(sections, result.Digest)
		}
		if result.PresetContent != nil {
			if raw, err := json.Marshal(result.PresetContent); err == nil {
				sections = append(sections, string(raw))
			}
		}
	}
	if joined := strings.Join(snippets, "\n\n"); joined != "" {
		sections = append(sections, joined)
	}
	return truncateRunes(strings.Join(sections, "\n\n"), GroundingBudget)
}

func truncateRunes(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	return string(runes[:budget])
}
