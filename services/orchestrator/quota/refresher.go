// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quota

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Background Refresher
// =============================================================================

// Refresher periodically restores every user's free allowance.
//
// # Description
//
// Runs Gate.Refresh on a fixed interval so that exhausted free-tier users
// regain their seeded quota (the daily-reset model). Uses the ticker +
// done channel pattern for graceful shutdown.
//
// # Thread Safety
//
// Start and Stop are safe to call from different goroutines; Start is
// effective at most once.
type Refresher struct {
	gate     Gate
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
	closed  bool
}

// NewRefresher builds a refresher. Returns an error on a non-positive
// interval so a misconfigured deploy fails at startup, not silently.
func NewRefresher(gate Gate, interval time.Duration, logger *slog.Logger) (*Refresher, error) {
	if gate == nil {
		return nil, errors.New("quota refresher: nil gate")
	}
	if interval <= 0 {
		return nil, errors.New("quota refresher: interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{gate: gate, interval: interval, logger: logger}, nil
}

// Start launches the background refresh loop. Calling Start twice is an
// error.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("quota refresher: already started")
	}
	r.done = make(chan struct{})
	r.stopped = make(chan struct{})

	go r.runLoop(ctx, r.done, r.stopped)

	r.logger.Info("quota refresher started", "interval", r.interval.String())
	return nil
}

// Stop shuts the loop down and waits for it to exit. Safe to call without
// a prior Start.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if r.done == nil {
		r.mu.Unlock()
		return
	}
	if !r.closed {
		close(r.done)
		r.closed = true
	}
	stopped := r.stopped
	r.mu.Unlock()

	<-stopped
}

func (r *Refresher) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("quota refresher stopping", "reason", "context cancelled")
			return
		case <-done:
			return
		case <-ticker.C:
			raised := r.gate.Refresh()
			r.logger.Info("quota refresh cycle complete", "counters_raised", raised)
		}
	}
}
