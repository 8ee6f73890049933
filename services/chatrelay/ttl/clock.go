// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl provides time-based retention for the stream ledger: a
// background pruner that removes ledger entries past their useful life,
// and clock utilities that keep the time-sensitive paths testable and
// resistant to clock manipulation.
package ttl

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Clock Abstraction
// =============================================================================

// Clock supplies the current time. The resume freshness window and the
// pruner cutoff are computed against an injected Clock so tests can pin
// time instead of sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock is a test Clock pinned to a settable instant.
//
// # Thread Safety
//
// Safe for concurrent use.
type FixedClock struct {
	mu sync.RWMutex
	t  time.Time
}

// NewFixedClock creates a FixedClock pinned to t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now returns the pinned instant.
func (c *FixedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// Set repins the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Advance moves the pinned instant forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// =============================================================================
// Clock Sanity Checking
// =============================================================================

// ClockChecker provides sanity checking for system time.
//
// # Description
//
// Validates that the system clock is within acceptable bounds before
// time-sensitive operations like ledger pruning. A clock set to the
// future prunes live ledger entries prematurely (breaking resume); a
// clock set to the past stops pruning entirely (unbounded growth).
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ClockChecker interface {
	// CheckClockSanity verifies the system clock is reasonable:
	// within configured bounds, with no suspicious jump since the
	// last check. First call after restart skips jump detection.
	CheckClockSanity() error

	// ResetJumpDetection resets the jump detection baseline. Call
	// after a known legitimate time change (NTP sync, resume from
	// sleep) to prevent false positives.
	ResetJumpDetection()
}

// ClockConfig contains the validation bounds for the clock checker.
type ClockConfig struct {
	// MinValidTime is the earliest acceptable time.
	MinValidTime time.Time

	// MaxValidTime is the latest acceptable time.
	MaxValidTime time.Time

	// MaxBackwardJump is the largest tolerated backward step between
	// consecutive checks.
	MaxBackwardJump time.Duration

	// MaxForwardJump is the largest tolerated forward step between
	// consecutive checks.
	MaxForwardJump time.Duration
}

// DefaultClockConfig returns bounds suitable for production:
// 2025-01-01 to 2035-12-31, one hour backward, two hours forward.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2035, 12, 31, 23, 59, 59, 0, time.UTC),
		MaxBackwardJump: 1 * time.Hour,
		MaxForwardJump:  2 * time.Hour,
	}
}

// clockChecker implements ClockChecker with bound checks and jump
// detection against the last known good time.
type clockChecker struct {
	config            ClockConfig
	lastKnownGoodTime time.Time
	mu                sync.RWMutex
	checkCount        int64
}

// NewClockChecker creates a clock checker with default configuration.
func NewClockChecker() ClockChecker {
	return NewClockCheckerWithConfig(DefaultClockConfig())
}

// NewClockCheckerWithConfig creates a clock checker with custom bounds.
func NewClockCheckerWithConfig(config ClockConfig) ClockChecker {
	return &clockChecker{
		config:            config,
		lastKnownGoodTime: time.Now(),
	}
}

// CheckClockSanity verifies the system clock is reasonable.
func (c *clockChecker) CheckClockSanity() error {
	now := time.Now()

	if now.Before(c.config.MinValidTime) {
		return fmt.Errorf("clock sanity: time %v is before minimum valid time %v (possible clock set to past)",
			now.Format(time.RFC3339), c.config.MinValidTime.Format(time.RFC3339))
	}
	if now.After(c.config.MaxValidTime) {
		return fmt.Errorf("clock sanity: time %v is after maximum valid time %v (possible clock set to future)",
			now.Format(time.RFC3339), c.config.MaxValidTime.Format(time.RFC3339))
	}

	c.mu.RLock()
	lastGood := c.lastKnownGoodTime
	checkCount := c.checkCount
	c.mu.RUnlock()

	if checkCount > 0 {
		timeDiff := now.Sub(lastGood)
		if timeDiff < -c.config.MaxBackwardJump {
			return fmt.Errorf("clock sanity: suspicious backward jump of %v detected (max allowed: %v)",
				-timeDiff, c.config.MaxBackwardJump)
		}
		if timeDiff > c.config.MaxForwardJump {
			return fmt.Errorf("clock sanity: suspicious forward jump of %v detected (max allowed: %v)",
				timeDiff, c.config.MaxForwardJump)
		}
	}

	c.mu.Lock()
	c.lastKnownGoodTime = now
	c.checkCount++
	c.mu.Unlock()

	return nil
}

// ResetJumpDetection resets the jump detection baseline.
func (c *clockChecker) ResetJumpDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastKnownGoodTime = time.Now()
	c.checkCount = 0

	slog.Info("clock checker: jump detection reset",
		"new_baseline", c.lastKnownGoodTime.Format(time.RFC3339),
	)
}

// NoopClockChecker always passes sanity checks. For tests.
type NoopClockChecker struct{}

// CheckClockSanity always returns nil.
func (NoopClockChecker) CheckClockSanity() error { return nil }

// ResetJumpDetection is a no-op.
func (NoopClockChecker) ResetJumpDetection() {}

var (
	_ ClockChecker = (*clockChecker)(nil)
	_ ClockChecker = NoopClockChecker{}
)
