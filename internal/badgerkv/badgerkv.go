// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerkv wraps github.com/dgraph-io/badger/v4 with the small set
// of conveniences the node store, delta store, and checkpoint store all
// need: a Config with sensible production/test defaults, a transaction
// helper that honors context cancellation, and a background value-log GC
// runner.
//
// BadgerDB itself holds an OS file lock on its directory for the lifetime
// of the open DB, which is what gives the engine its "one engine instance
// per durable store" exclusivity guarantee (spec.md §5, "Shared
// resources").
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Config configures how the underlying BadgerDB is opened.
type Config struct {
	// Path is the directory BadgerDB stores its files in. Required unless
	// InMemory is true.
	Path string

	// InMemory opens BadgerDB with no on-disk persistence, for tests and
	// ephemeral engines.
	InMemory bool

	// SyncWrites forces an fsync after every write transaction commit.
	// Default: true, for durability.
	SyncWrites bool

	// NumVersionsToKeep bounds how many historical versions BadgerDB keeps
	// per key before value-log GC can reclaim them. The node/delta/
	// checkpoint stores are logically append-only at the cylindra layer
	// (deletes are explicit tombstones), so 1 is sufficient.
	NumVersionsToKeep int

	// GCInterval is how often the background GC runner requests value-log
	// garbage collection. Zero disables the runner.
	GCInterval time.Duration

	// GCDiscardRatio is the ratio NewGCRunner passes to RunValueLogGC.
	GCDiscardRatio float64

	// Logger receives Badger's internal log output, routed through
	// log/slog as the rest of the module does.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: persistent, synchronous
// writes, periodic GC.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
		Logger:            slog.Default(),
	}
}

// InMemoryConfig returns defaults suited to tests: in-memory, async
// writes (nothing to sync), GC disabled (nothing to collect).
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		SyncWrites:        false,
		NumVersionsToKeep: 1,
		GCInterval:        0,
		Logger:            slog.Default(),
	}
}

func (c Config) validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("badgerkv: path is required for persistent mode")
	}
	return nil
}

// badgerLogger adapts *slog.Logger to badger.Logger.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, a ...interface{}) { b.l.Error(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Warningf(f string, a ...interface{}) { b.l.Warn(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Infof(f string, a ...interface{}) { b.l.Info(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Debugf(f string, a ...interface{}) { b.l.Debug(fmt.Sprintf(f, a...)) }

// DB wraps a *badger.DB with context-aware transaction helpers and an
// optional background GC runner.
type DB struct {
	inner  *badger.DB
	gc     *GCRunner
	mu     sync.Mutex
	closed bool
}

// Open opens a BadgerDB according to cfg and returns the raw *badger.DB,
// for callers that want direct access (e.g. tests exercising Badger
// semantics directly). Most production code should use OpenDB instead,
// which also wires up the GC runner.
func Open(cfg Config) (*badger.DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.NumVersionsToKeep > 0 {
		opts = opts.WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.WithLogger(badgerLogger{l: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: open: %w", err)
	}
	return db, nil
}

// OpenInMemory opens an ephemeral, non-persistent BadgerDB, convenient for
// unit tests.
func OpenInMemory() (*badger.DB, error) {
	return Open(InMemoryConfig())
}

// OpenWithPath opens a persistent BadgerDB rooted at dir.
func OpenWithPath(dir string) (*badger.DB, error) {
	cfg := DefaultConfig()
	cfg.Path = dir
	return Open(cfg)
}

// OpenDB opens a BadgerDB per cfg and wraps it with transaction helpers and
// (if cfg.GCInterval > 0) a running GC loop.
func OpenDB(cfg Config) (*DB, error) {
	inner, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	db := &DB{inner: inner}
	if cfg.GCInterval > 0 {
		logger := cfg.Logger
		if logger == nil {
			logger = slog.Default()
		}
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		runner, err := NewGCRunner(inner, cfg.GCInterval, ratio, logger)
		if err != nil {
			inner.Close()
			return nil, err
		}
		db.gc = runner
		runner.Start()
	}
	return db, nil
}

// Inner returns the underlying *badger.DB, for subsystems (node store,
// delta store) that need direct transaction access beyond WithTxn's
// single-function shape.
func (db *DB) Inner() *badger.DB { return db.inner }

// WithTxn runs fn inside a read-write Badger transaction, committing on
// success and discarding on error or context cancellation.
func (db *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("badgerkv: context cancelled: %w", err)
	}
	return db.inner.Update(fn)
}

// WithReadTxn runs fn inside a read-only Badger transaction.
func (db *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("badgerkv: context cancelled: %w", err)
	}
	return db.inner.View(fn)
}

// Close stops the GC runner (if any) and closes the underlying DB. Close
// is idempotent, per spec.md §4.2's node store contract.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if db.gc != nil {
		db.gc.Stop()
	}
	return db.inner.Close()
}

// TempDir creates a fresh temporary directory for a persistent test
// BadgerDB, with a stable prefix.
func TempDir(prefix string) (string, error) {
	return os.MkdirTemp("", prefix)
}

// CleanupDir removes a directory created by TempDir. A blank path is a
// no-op, so defer CleanupDir(dir) is safe even if dir was never assigned.
func CleanupDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
