// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the chatrelay service.
//
// This file implements secure delta accumulation for streaming completions.
// Deltas are stored in mlocked memory to prevent swapping to disk and are
// incrementally hashed so the persisted assistant message can be verified
// against the streamed content.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// SecureBufferSize is the size of the mlocked buffer for delta
	// accumulation. 512 KB covers long completions with room to spare
	// (~131k tokens at 4 bytes/token average).
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// DeltaAccumulator defines the contract for accumulating streamed
// completion deltas.
//
// # Description
//
// DeltaAccumulator abstracts delta storage during provider streaming,
// allowing secure and insecure implementations depending on system
// capabilities. Deltas are hashed incrementally as they arrive.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Limitations
//
//   - Buffer size is fixed (cannot grow dynamically)
//   - An accumulator cannot be reused after Finalize() or Destroy()
type DeltaAccumulator interface {
	// Write appends a content delta to the accumulator, updating the
	// incremental hash. Returns an error on overflow or after the
	// accumulator has been finalized or destroyed.
	Write(delta string) error

	// Finalize returns the accumulated text and its SHA-256 hash (hex
	// encoded), then wipes the buffer. Can only be called once.
	Finalize() (text string, hash string, err error)

	// Destroy wipes memory without returning data. Use on error paths
	// where the accumulated text is not needed. Idempotent.
	Destroy()

	// ID returns a unique identifier for this accumulator instance,
	// for logging.
	ID() string

	// CreatedAt returns when this accumulator was created.
	CreatedAt() time.Time
}

// secureDeltaAccumulator stores deltas in mlocked memory.
//
// # Description
//
// Uses a memguard LockedBuffer: memory is locked against swapping,
// bounded by guard pages, and explicitly zeroed on Destroy(). The
// SHA-256 hash is updated incrementally so content never sits unhashed.
//
// # Thread Safety
//
// Safe for concurrent use via mutex.
type secureDeltaAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// insecureDeltaAccumulator is a fallback for systems without
// sufficient mlock limits.
//
// # Security Warning
//
// Provides the same interface as the secure version but uses ordinary
// Go memory. Data may be swapped to disk; wiping is best-effort. Only
// used when CHATRELAY_INSECURE_MEMORY=true acknowledges the risk.
type insecureDeltaAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// NewDeltaAccumulator creates a new accumulator for one completion.
//
// # Description
//
// Allocates a mlocked buffer of SecureBufferSize bytes. If the mlock
// limit is insufficient and CHATRELAY_INSECURE_MEMORY is not set,
// returns an error; with the override set, falls back to the insecure
// accumulator with a warning.
//
// # Outputs
//
//   - DeltaAccumulator: Ready for use (secure or insecure).
//   - error: Non-nil if allocation failed and no fallback is allowed.
func NewDeltaAccumulator() (DeltaAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()
	slog.Debug("Created secure delta accumulator",
		"accumulator_id", accID,
		"buffer_size", SecureBufferSize,
	)

	return &secureDeltaAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

func newInsecureDeltaAccumulator() DeltaAccumulator {
	accID := uuid.New().String()
	slog.Warn("Created INSECURE delta accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureDeltaAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// secureDeltaAccumulator Methods
// =============================================================================

// Write appends a delta to the secure buffer and updates the hash.
func (a *secureDeltaAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}

	deltaBytes := []byte(delta)
	if a.offset+len(deltaBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(deltaBytes), SecureBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], deltaBytes)
	a.offset += len(deltaBytes)
	a.hasher.Write(deltaBytes)

	return nil
}

// Finalize returns the accumulated text and hash, then wipes the buffer.
func (a *secureDeltaAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeBuffer()

	slog.Debug("Finalized secure delta accumulator",
		"accumulator_id", a.id,
		"text_length", len(text),
		"hash", hashStr[:16]+"...",
	)

	return text, hashStr, nil
}

// Destroy wipes the buffer without returning data.
func (a *secureDeltaAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeBuffer()
	slog.Debug("Destroyed secure delta accumulator", "accumulator_id", a.id)
}

func (a *secureDeltaAccumulator) ID() string { return a.id }

func (a *secureDeltaAccumulator) CreatedAt() time.Time { return a.createdAt }

// wipeBuffer destroys the secure buffer and marks as destroyed.
func (a *secureDeltaAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// insecureDeltaAccumulator Methods
// =============================================================================

// Write appends a delta to the insecure buffer and updates the hash.
func (a *insecureDeltaAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}

	deltaBytes := []byte(delta)
	if len(a.data)+len(deltaBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(deltaBytes), SecureBufferSize-len(a.data))
	}

	a.data = append(a.data, deltaBytes...)
	a.hasher.Write(deltaBytes)

	return nil
}

// Finalize returns the accumulated text and hash, zeroing memory
// best-effort. Copies may remain reachable by the garbage collector.
func (a *insecureDeltaAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeData()

	slog.Debug("Finalized insecure delta accumulator",
		"accumulator_id", a.id,
		"text_length", len(text),
	)

	return text, hashStr, nil
}

// Destroy attempts to wipe memory (best effort).
func (a *insecureDeltaAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeData()
	slog.Debug("Destroyed insecure delta accumulator", "accumulator_id", a.id)
}

func (a *insecureDeltaAccumulator) ID() string { return a.id }

func (a *insecureDeltaAccumulator) CreatedAt() time.Time { return a.createdAt }

// wipeData zeros the data slice (best effort).
func (a *insecureDeltaAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization Functions
// =============================================================================

// initMemguard initializes memguard and checks mlock limits once.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Error("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"help", "raise RLIMIT_MEMLOCK or set CHATRELAY_INSECURE_MEMORY=true",
			)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK and compares it against the
// minimum required for delta accumulation. Returns the current limit
// in kilobytes (-1 if unlimited).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// handleInsufficientMlock falls back to the insecure accumulator only
// when the operator has opted in.
func handleInsufficientMlock() (DeltaAccumulator, error) {
	if os.Getenv("CHATRELAY_INSECURE_MEMORY") == "true" {
		slog.Warn("Using insecure delta accumulator due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newInsecureDeltaAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Configure system limits or set CHATRELAY_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown; after this all existing LockedBuffers are invalid.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
