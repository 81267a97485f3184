// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccumulator(t *testing.T) AnswerAccumulator {
	t.Helper()
	acc, err := NewAnswerAccumulator()
	require.NoError(t, err)
	return acc
}

func TestAnswerAccumulator_WriteAndFinalize(t *testing.T) {
	acc := newAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello "))
	require.NoError(t, acc.Write("world"))
	require.NoError(t, acc.Write("")) // empty delta is a no-op

	answer, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello world", answer)

	want := sha256.Sum256([]byte("Hello world"))
	assert.Equal(t, hex.EncodeToString(want[:]), digest)
}

func TestAnswerAccumulator_UnicodeDeltas(t *testing.T) {
	acc := newAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write("价格是 "))
	require.NoError(t, acc.Write("60000 美元"))

	answer, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "价格是 60000 美元", answer)
}

func TestAnswerAccumulator_FinalizeEmpty(t *testing.T) {
	acc := newAccumulator(t)
	defer acc.Destroy()

	answer, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Empty(t, answer)
	assert.Len(t, digest, 64)
}

func TestAnswerAccumulator_WriteAfterFinalizeFails(t *testing.T) {
	acc := newAccumulator(t)

	require.NoError(t, acc.Write("x"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.Error(t, acc.Write("y"))
	_, _, err = acc.Finalize()
	assert.Error(t, err)
}

func TestAnswerAccumulator_DestroyIsIdempotent(t *testing.T) {
	acc := newAccumulator(t)

	acc.Destroy()
	acc.Destroy()

	assert.Error(t, acc.Write("x"))
}

func TestAnswerAccumulator_IDUniquePerInstance(t *testing.T) {
	a := newAccumulator(t)
	defer a.Destroy()
	b := newAccumulator(t)
	defer b.Destroy()

	_, err := uuid.Parse(a.ID())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestAnswerAccumulator_Overflow(t *testing.T) {
	acc := newAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write(strings.Repeat("a", AnswerBufferSize)))
	require.Error(t, acc.Write("one more byte"))

	_, _, err := acc.Finalize()
	assert.Error(t, err)
}

func TestAnswerAccumulator_ConcurrentWritesAreSafe(t *testing.T) {
	acc := newAccumulator(t)
	defer acc.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = acc.Write("ab")
		}()
	}
	wg.Wait()

	answer, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Len(t, answer, 100)
}

func TestHeapAccumulator_SameContract(t *testing.T) {
	acc := newHeapAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("fallback "))
	require.NoError(t, acc.Write("path"))

	answer, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "fallback path", answer)

	want := sha256.Sum256([]byte("fallback path"))
	assert.Equal(t, hex.EncodeToString(want[:]), digest)

	assert.Error(t, acc.Write("late"))
}
