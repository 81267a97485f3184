// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package skills

import (
	"context"
	"strings"
)

// DefaultPostTexts wires the standard trailing-text generators.
//
// Market answers get a data-freshness note and swap quotes get the
// execution disclaimer. Balance answers intentionally have no trailing
// text.
func DefaultPostTexts() *PostTextRegistry {
	return NewPostTextRegistry(map[string]PostTextFunc{
		"market": marketPostText,
		"swap":   swapPostText,
	})
}

func marketPostText(_ context.Context, p PostTextParam) ([]string, error) {
	if isChinese(p.Language) {
		return []string{"\n\n", "以上价格来自最近一次行情快照，可能存在延迟。"}, nil
	}
	return []string{"\n\n", "Prices reflect the most recent market snapshot and may be delayed."}, nil
}

func swapPostText(_ context.Context, p PostTextParam) ([]string, error) {
	if isChinese(p.Language) {
		return []string{"\n\n", "报价仅在有效期内可执行，", "成交价格以链上确认为准。"}, nil
	}
	return []string{
		"\n\n",
		"This quote is executable only until it expires; ",
		"the final rate is set at on-chain confirmation.",
	}, nil
}

func isChinese(language string) bool {
	language = strings.ToLower(language)
	return strings.HasPrefix(language, "zh") || language == "cn"
}
