// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements secure accumulation of streamed answer deltas. The
// full answer text can reference balances and staged transaction quotes, so
// it is held in mlocked memory while the stream is in flight and hashed
// incrementally for integrity logging.

package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// AnswerBufferSize is the size of the mlocked buffer for answer
	// accumulation. 512 KB covers long answers with room to spare; the
	// request validator caps inbound content well below this.
	AnswerBufferSize = 512 * 1024

	// minMlockLimitKB is the minimum mlock limit required, in kilobytes.
	minMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// AnswerAccumulator collects streamed answer deltas for one turn.
//
// # Description
//
// Deltas are copied into the buffer and hashed as they arrive. Finalize
// returns the complete answer and its SHA-256 hex digest, then wipes the
// buffer; Destroy wipes without returning data and is safe to call twice.
// An accumulator serves exactly one turn.
//
// # Thread Safety
//
// Safe for concurrent use, though a turn writes from a single goroutine.
type AnswerAccumulator interface {
	Write(delta string) error
	Finalize() (answer string, digest string, err error)
	Destroy()
	ID() string
}

// NewAnswerAccumulator allocates an accumulator for one turn.
//
// Uses mlocked memory when the system's RLIMIT_MEMLOCK allows it. When the
// limit is too low the constructor fails unless KODIAK_INSECURE_MEMORY=true
// is set, in which case it falls back to ordinary heap memory with a
// warning.
func NewAnswerAccumulator() (AnswerAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("KODIAK_INSECURE_MEMORY") == "true" {
			return newHeapAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit %d KB below required %d KB; raise RLIMIT_MEMLOCK or set KODIAK_INSECURE_MEMORY=true",
			currentMlockLimitKB, minMlockLimitKB)
	}

	buf := memguard.NewBuffer(AnswerBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate mlocked answer buffer")
	}
	return &lockedAccumulator{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit below secure accumulation threshold",
				"limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// =============================================================================
// Locked Implementation
// =============================================================================

type lockedAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *lockedAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	if a.overflow {
		return fmt.Errorf("answer buffer overflowed")
	}
	b := []byte(delta)
	if a.offset+len(b) > AnswerBufferSize {
		a.overflow = true
		return fmt.Errorf("answer buffer overflow: need %d bytes, %d remaining",
			len(b), AnswerBufferSize-a.offset)
	}
	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("answer buffer overflowed during accumulation")
	}
	answer := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, digest, nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *lockedAccumulator) ID() string { return a.id }

func (a *lockedAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Heap Fallback
// =============================================================================

type heapAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	destroyed bool
}

func newHeapAccumulator() AnswerAccumulator {
	id := uuid.New().String()
	slog.Warn("using heap answer accumulator, data may be swapped to disk",
		"accumulator_id", id)
	return &heapAccumulator{
		id:     id,
		data:   make([]byte, 0, 4096),
		hasher: sha256.New(),
	}
}

func (a *heapAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	if len(a.data)+len(delta) > AnswerBufferSize {
		return fmt.Errorf("answer buffer overflow")
	}
	a.data = append(a.data, delta...)
	a.hasher.Write([]byte(delta))
	return nil
}

func (a *heapAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator %s already destroyed", a.id)
	}
	answer := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, digest, nil
}

func (a *heapAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *heapAccumulator) ID() string { return a.id }

func (a *heapAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// Compile-time interface checks
var (
	_ AnswerAccumulator = (*lockedAccumulator)(nil)
	_ AnswerAccumulator = (*heapAccumulator)(nil)
)
