// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists conversations, messages, and stream ledger
// entries in an embedded BadgerDB instance.
//
// BadgerDB gives low-latency local access (~100µs) without an external
// database dependency, which fits the single-binary deployment model.
// This file holds the database lifecycle (open, GC, close); the
// conversation, message, and ledger operations live in their own files.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the backing BadgerDB instance.
type Config struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Used by tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// Nil disables internal logging.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes and a
// 5-minute GC cadence.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: in-memory mode,
// async writes, GC disabled.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB instance with lifecycle management.
//
// # Description
//
// OpenDB opens the database and, for persistent configurations with a
// GC interval, starts a background value-log GC loop. Close stops the
// loop and closes the database.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type DB struct {
	*badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
}

// OpenDB opens a BadgerDB with full lifecycle management.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *DB: The managed database. Caller must Close it.
//   - error: Non-nil if the path is invalid or the open fails.
func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	wrapped := &DB{DB: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		wrapped.stopGC = make(chan struct{})
		wrapped.doneGC = make(chan struct{})
		go wrapped.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return wrapped, nil
}

// OpenInMemory opens an in-memory database for testing.
func OpenInMemory() (*DB, error) {
	return OpenDB(InMemoryConfig())
}

// Close stops the GC loop (if running) and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.doneGC
		d.stopGC = nil
	}
	return d.DB.Close()
}

func (d *DB) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when no GC was needed.
			err := d.DB.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}
