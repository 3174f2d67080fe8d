// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerkv

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// GCRunner periodically invokes BadgerDB's value-log garbage collection.
// Badger's RunValueLogGC is designed to be called on a timer from outside
// any active transaction; it returns badger.ErrNoRewrite when there was
// nothing to reclaim, which GCRunner treats as a normal, quiet outcome.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewGCRunner validates its arguments and returns a GCRunner ready to
// Start. db must be non-nil, interval must be positive, and ratio must
// fall strictly between 0 and 1 (Badger's own constraint on discard
// ratios).
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("badgerkv: db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("badgerkv: interval must be positive")
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, errors.New("badgerkv: ratio must be between 0 and 1")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Start launches the background GC loop. Start must be called at most
// once per GCRunner.
func (g *GCRunner) Start() {
	go g.loop()
}

func (g *GCRunner) loop() {
	defer close(g.stopped)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.runOnce()
		}
	}
}

func (g *GCRunner) runOnce() {
	for {
		err := g.db.RunValueLogGC(g.ratio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			g.logger.Warn("value log gc failed", "error", err)
		}
		return
	}
}

// Stop signals the GC loop to exit and waits for it to do so. Stop is
// idempotent, but stopped is only closed once the loop goroutine runs,
// so Stop must only be called after Start; called without Start it
// blocks forever. Callers in this package always pair them (see
// DB.Close).
func (g *GCRunner) Stop() {
	g.once.Do(func() {
		close(g.stop)
	})
	<-g.stopped
}
