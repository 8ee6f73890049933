// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInsecureAccumulatorRoundTrip exercises the fallback implementation
// directly so the test doesn't depend on the host's mlock limits.
func TestInsecureAccumulatorRoundTrip(t *testing.T) {
	acc := newInsecureDeltaAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello "))
	require.NoError(t, acc.Write("world"))

	text, hashStr, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)

	expected := sha256.Sum256([]byte("Hello world"))
	assert.Equal(t, hex.EncodeToString(expected[:]), hashStr)
}

// TestAccumulatorRejectsUseAfterFinalize verifies the one-shot contract.
func TestAccumulatorRejectsUseAfterFinalize(t *testing.T) {
	acc := newInsecureDeltaAccumulator()

	require.NoError(t, acc.Write("data"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.Error(t, acc.Write("more"))
	_, _, err = acc.Finalize()
	assert.Error(t, err)
}

// TestAccumulatorDestroyIdempotent verifies Destroy can be called
// repeatedly and blocks further writes.
func TestAccumulatorDestroyIdempotent(t *testing.T) {
	acc := newInsecureDeltaAccumulator()

	require.NoError(t, acc.Write("data"))
	acc.Destroy()
	acc.Destroy()

	assert.Error(t, acc.Write("more"))
}

// TestAccumulatorOverflow verifies oversized responses fail cleanly.
func TestAccumulatorOverflow(t *testing.T) {
	acc := newInsecureDeltaAccumulator()
	defer acc.Destroy()

	big := strings.Repeat("x", SecureBufferSize)
	require.NoError(t, acc.Write(big))

	assert.Error(t, acc.Write("one more byte"))
	_, _, err := acc.Finalize()
	assert.Error(t, err, "overflowed accumulator must not finalize")
}

// TestNewDeltaAccumulator verifies construction on this host, in either
// secure or fallback mode.
func TestNewDeltaAccumulator(t *testing.T) {
	if available, limitKB := checkMlockLimit(); !available {
		t.Skipf("mlock limit %d KB below required %d KB", limitKB, MinMlockLimitKB)
	}

	acc, err := NewDeltaAccumulator()
	require.NoError(t, err)
	defer acc.Destroy()

	assert.NotEmpty(t, acc.ID())
	assert.False(t, acc.CreatedAt().IsZero())

	require.NoError(t, acc.Write("secure"))
	text, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "secure", text)
}
