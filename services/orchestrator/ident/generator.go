// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ident provides the process-wide correlation code generator.
//
// The code ties a live event stream to its persisted record: the same value
// is emitted in the stream's code frame and written to the assistant row.
package ident

import "sync/atomic"

// Generator produces strictly increasing correlation codes.
//
// # Description
//
// Backed by a single atomic counter with no reset. Every Next() call is one
// atomic increment — never a read-then-write pair — so concurrent requests
// can share one Generator without lost updates or duplicates.
//
// # Thread Safety
//
// Safe for concurrent use. The zero value is ready to use and starts at 1.
type Generator struct {
	counter atomic.Int64
}

// NewGenerator creates a Generator whose first Next() returns seed+1.
//
// # Inputs
//
//   - seed: Highest code already handed out (0 for a fresh process).
//     Allows resuming above persisted codes after a restart.
func NewGenerator(seed int64) *Generator {
	g := &Generator{}
	g.counter.Store(seed)
	return g
}

// Next returns the next correlation code.
//
// Strictly increasing across the process lifetime; no duplicates and no
// gaps under concurrent callers.
func (g *Generator) Next() int64 {
	return g.counter.Add(1)
}

// Current returns the last code handed out without consuming one.
func (g *Generator) Current() int64 {
	return g.counter.Load()
}
