// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Stream Ledger Pruner
// =============================================================================

// LedgerPruneStore is the slice of the stream ledger the pruner needs.
type LedgerPruneStore interface {
	PruneStreamsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PrunedRecorder receives the count of removed entries per cycle.
// Satisfied by observability.StreamingMetrics.
type PrunedRecorder interface {
	RecordLedgerPruned(count int)
}

// PrunerConfig holds configuration for the ledger pruner.
//
// # Fields
//
//   - Interval: How often to run prune cycles. Default: 10 minutes.
//   - Retention: How long ledger entries are kept. Default: 1 hour.
//     Must comfortably exceed the resume freshness window plus the
//     longest allowed stream duration.
type PrunerConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// DefaultPrunerConfig returns production defaults: a 10-minute cadence
// with 1-hour retention.
func DefaultPrunerConfig() PrunerConfig {
	return PrunerConfig{
		Interval:  10 * time.Minute,
		Retention: 1 * time.Hour,
	}
}

// Pruner periodically removes stream ledger entries older than the
// retention window.
//
// # Description
//
// Ledger entries only matter while a client could still resume the
// stream they point at; after that they are dead weight in the store.
// The pruner runs on a ticker with a done channel for graceful
// shutdown, and refuses to prune when the clock checker reports an
// insane system clock, since a forward-jumped clock would prune
// entries that live streams still need.
//
// # Thread Safety
//
// All public methods are thread-safe. Only one pruner should run per
// process.
type Pruner struct {
	store   LedgerPruneStore
	clock   Clock
	checker ClockChecker
	metrics PrunedRecorder
	config  PrunerConfig
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewPruner creates a ledger pruner.
//
// # Inputs
//
//   - store: Ledger store to prune.
//   - clock: Time source for the cutoff; SystemClock{} in production.
//   - checker: Clock sanity guard; NoopClockChecker{} in tests.
//   - metrics: Pruned-count recorder; may be nil.
//   - config: Cadence and retention.
//
// # Outputs
//
//   - *Pruner: Ready to Start().
func NewPruner(store LedgerPruneStore, clock Clock, checker ClockChecker,
	metrics PrunedRecorder, config PrunerConfig) *Pruner {
	return &Pruner{
		store:   store,
		clock:   clock,
		checker: checker,
		metrics: metrics,
		config:  config,
		done:    make(chan struct{}),
	}
}

// Start begins the background prune loop. Returns an error if the
// pruner is already running. The loop stops when Stop is called or the
// context is cancelled.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("ledger pruner already running")
	}
	p.running = true

	p.wg.Add(1)
	go p.run(ctx)

	slog.Info("ledger pruner started",
		slog.Duration("interval", p.config.Interval),
		slog.Duration("retention", p.config.Retention),
	)
	return nil
}

// Stop signals the loop to exit and waits for it to finish. Safe to
// call more than once.
func (p *Pruner) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("ledger pruner stopped")
}

func (p *Pruner) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single prune cycle. Exposed so tests and admin
// tooling can trigger a cycle without waiting for the ticker.
func (p *Pruner) RunOnce(ctx context.Context) {
	if err := p.checker.CheckClockSanity(); err != nil {
		slog.Warn("ledger prune skipped: clock sanity check failed", "error", err)
		return
	}

	cutoff := p.clock.Now().Add(-p.config.Retention)
	pruned, err := p.store.PruneStreamsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("ledger prune cycle failed",
			slog.String("error", err.Error()),
			slog.Int("pruned_before_failure", pruned),
		)
		return
	}
	if pruned > 0 {
		slog.Info("ledger prune cycle complete",
			slog.Int("pruned", pruned),
			slog.Time("cutoff", cutoff),
		)
	}
	if p.metrics != nil {
		p.metrics.RecordLedgerPruned(pruned)
	}
}
