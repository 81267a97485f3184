// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package quota provides the per-user usage gate for metered models.
//
// The gate is consulted before any model call is made so an exhausted user
// never costs a model round trip. Non-metered models skip the gate.
package quota

import (
	"sync"
	"sync/atomic"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Gate defines the contract for metered-use admission.
//
// # Description
//
// Gate exposes a single consume operation plus admin helpers. TryConsume is
// check-and-decrement in one atomic step: given remaining=1, two concurrent
// calls for the same user yield exactly one success.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across requests.
type Gate interface {
	// TryConsume atomically spends one use for the user.
	//
	// # Inputs
	//
	//   - userID: The metered user.
	//
	// # Outputs
	//
	//   - bool: True if a use was available and consumed; false otherwise.
	//     A false return never mutates the counter.
	TryConsume(userID string) bool

	// Grant adds n uses to the user's counter, creating it if absent.
	Grant(userID string, n int64)

	// Remaining reports the user's current counter without consuming.
	Remaining(userID string) int64

	// Refresh raises every known counter back up to the seed allowance.
	// Counters already above the seed (purchased top-ups) are untouched.
	// Returns the number of counters raised.
	Refresh() int
}

// =============================================================================
// Implementation
// =============================================================================

// counterGate implements Gate over per-user atomic counters.
//
// # Description
//
// Counters live in a sync.Map keyed by user ID. The decrement is a CAS loop
// on the user's atomic.Int64: the counter is only written when the compare
// succeeds, so concurrent consumers can never drive it below zero and a
// rejected call leaves the value untouched.
//
// # Fields
//
//   - counters: map[string]*atomic.Int64 of remaining uses per user
//   - seed: Starting allowance for users seen for the first time
type counterGate struct {
	counters sync.Map
	seed     int64
}

// NewGate creates a Gate that seeds unseen users with defaultUses.
//
// # Inputs
//
//   - defaultUses: Allowance granted to a user on first contact. Use 0 to
//     require explicit Grant calls (e.g. purchase flow).
func NewGate(defaultUses int64) Gate {
	return &counterGate{seed: defaultUses}
}

func (g *counterGate) counter(userID string) *atomic.Int64 {
	if c, ok := g.counters.Load(userID); ok {
		return c.(*atomic.Int64)
	}
	fresh := &atomic.Int64{}
	fresh.Store(g.seed)
	c, _ := g.counters.LoadOrStore(userID, fresh)
	return c.(*atomic.Int64)
}

// TryConsume atomically spends one use for the user.
func (g *counterGate) TryConsume(userID string) bool {
	c := g.counter(userID)
	for {
		remaining := c.Load()
		if remaining <= 0 {
			return false
		}
		if c.CompareAndSwap(remaining, remaining-1) {
			return true
		}
	}
}

// Grant adds n uses to the user's counter.
func (g *counterGate) Grant(userID string, n int64) {
	g.counter(userID).Add(n)
}

// Remaining reports the user's current counter.
func (g *counterGate) Remaining(userID string) int64 {
	return g.counter(userID).Load()
}

// Refresh raises every known counter back up to the seed allowance. A CAS
// loop per counter keeps the raise atomic against concurrent consumes.
func (g *counterGate) Refresh() int {
	raised := 0
	g.counters.Range(func(_, v any) bool {
		c := v.(*atomic.Int64)
		for {
			current := c.Load()
			if current >= g.seed {
				break
			}
			if c.CompareAndSwap(current, g.seed) {
				raised++
				break
			}
		}
		return true
	})
	return raised
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Gate = (*counterGate)(nil)
