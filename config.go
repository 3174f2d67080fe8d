// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cylindra

import (
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/cylindra-db/cylindra/coordinate"
	"github.com/cylindra-db/cylindra/internal/codec"
)

var validate = validator.New()

// Config configures an Engine (spec.md §6, "Configuration (recognized
// options)").
type Config struct {
	// StorageDir is the directory holding the durable BadgerDB store. The
	// engine holds an exclusive OS file lock on it for its lifetime.
	// Ignored when InMemory is true.
	StorageDir string `validate:"required_without=InMemory"`

	// InMemory runs the store without touching disk, for tests.
	InMemory bool

	// SerializationFormat selects the wire format for node and delta
	// records: "binary" (default, compact) or "text" (debug-readable).
	SerializationFormat string `validate:"omitempty,oneof=binary text"`

	// RTreeMaxEntries / RTreeMinEntries bound the spatial index's node
	// fanout (Guttman's quadratic split parameters).
	RTreeMaxEntries int `validate:"omitempty,gt=0"`
	RTreeMinEntries int `validate:"omitempty,gt=0"`

	// TemporalResolution is the bucket width, in seconds, of the temporal
	// index.
	TemporalResolution float64 `validate:"gt=0"`

	// CacheNodeCapacity / CacheStateCapacity bound the node cache and the
	// reconstructed-state cache.
	CacheNodeCapacity  int `validate:"omitempty,gt=0"`
	CacheStateCapacity int `validate:"omitempty,gt=0"`

	// MaxChainLength is validated and carried in Config, but the engine
	// does not read it: no chain compaction or delta merging takes place,
	// however long a node's delta chain grows.
	MaxChainLength int `validate:"omitempty,gt=0"`

	// CheckpointInterval is the delta count between automatic checkpoints;
	// zero disables automatic checkpointing (checkpoint remains available
	// as an explicit operation).
	CheckpointInterval int `validate:"gte=0"`

	// RetentionWindow is validated and carried in Config, but the
	// optimizer does not read it: a checkpoint prunes every delta up to the
	// checkpoint time, bounded only by the outstanding-reader watermark,
	// whatever the deltas' age.
	RetentionWindow time.Duration `validate:"gte=0"`

	// DistanceWeights are the (w_t, w_r, w_θ) coefficients used throughout
	// spatial distance and selectivity computations.
	DistanceWeights coordinate.Weights

	// QueryDeadlineDefault, if nonzero, is applied to Query calls made
	// with a context carrying no deadline of its own.
	QueryDeadlineDefault time.Duration `validate:"gte=0"`

	// MaxRetries / RetryBaseDelay / RetryMaxDelay configure the node
	// store's bounded-backoff retry of transient storage errors (spec.md
	// §7, "Transient Storage errors are retried with bounded backoff").
	MaxRetries     int           `validate:"omitempty,gt=0"`
	RetryBaseDelay time.Duration `validate:"omitempty,gt=0"`
	RetryMaxDelay  time.Duration `validate:"omitempty,gt=0"`

	// Logger receives structured engine logs. Defaults to slog.Default().
	Logger *slog.Logger `validate:"-"`
}

// DefaultConfig returns a Config with the engine's production defaults; the
// caller must still set StorageDir (or InMemory).
func DefaultConfig() Config {
	return Config{
		SerializationFormat: "binary",
		RTreeMaxEntries:     8,
		RTreeMinEntries:     2,
		TemporalResolution:  60,
		CacheNodeCapacity:   10_000,
		CacheStateCapacity:  1_000,
		MaxChainLength:      200,
		CheckpointInterval:  100,
		RetentionWindow:     24 * time.Hour,
		DistanceWeights:     coordinate.DefaultWeights(),
		MaxRetries:          3,
		RetryBaseDelay:      20 * time.Millisecond,
		RetryMaxDelay:       500 * time.Millisecond,
		Logger:              slog.Default(),
	}
}

// Validate checks the configuration's struct-tag constraints and fills in
// any defaults validate can't express (a nil Logger, an empty format
// string).
func (c *Config) Validate() error {
	if c.SerializationFormat == "" {
		c.SerializationFormat = "binary"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RTreeMaxEntries == 0 {
		c.RTreeMaxEntries = 8
	}
	if c.RTreeMinEntries == 0 {
		c.RTreeMinEntries = 2
	}
	if c.CacheNodeCapacity == 0 {
		c.CacheNodeCapacity = 10_000
	}
	if c.CacheStateCapacity == 0 {
		c.CacheStateCapacity = 1_000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 20 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 500 * time.Millisecond
	}
	if c.DistanceWeights == (coordinate.Weights{}) {
		c.DistanceWeights = coordinate.DefaultWeights()
	}
	return validate.Struct(c)
}

func (c Config) codecFormat() codec.Format {
	f, err := codec.ParseFormat(c.SerializationFormat)
	if err != nil {
		return codec.FormatBinary
	}
	return f
}
