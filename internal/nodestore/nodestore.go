// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package nodestore is the durable node record store: BadgerDB keyed by
// internal/keys.Node(id), with an envelope (schema header + CRC32) around
// every record so a torn or bit-flipped write surfaces as a checksum
// error on read rather than silently deserializing garbage (spec.md §8,
// "crash safety").
package nodestore

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cylindra-db/cylindra/internal/badgerkv"
	"github.com/cylindra-db/cylindra/internal/codec"
	"github.com/cylindra-db/cylindra/internal/keys"
	"github.com/cylindra-db/cylindra/model"
)

var (
	// ErrNotFound indicates no node exists at the requested id.
	ErrNotFound = errors.New("nodestore: not found")

	// ErrAlreadyExists indicates a strict-mode Put found an existing node.
	ErrAlreadyExists = errors.New("nodestore: already exists")

	// ErrChecksumMismatch indicates a stored record's CRC32 doesn't match
	// its content, meaning a torn or corrupted write.
	ErrChecksumMismatch = errors.New("nodestore: checksum mismatch")

	// ErrClosed indicates an operation on a store that has been closed.
	ErrClosed = errors.New("nodestore: closed")
)

var tracer = otel.Tracer("cylindra/nodestore")

var (
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cylindra_nodestore_operation_duration_seconds",
		Help:    "Duration of node store operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cylindra_nodestore_retries_total",
		Help: "Retries issued after a transient storage error.",
	}, []string{"operation"})

	storeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cylindra_nodestore_node_count",
		Help: "Approximate number of nodes currently tracked.",
	})
)

// Config configures a Store.
type Config struct {
	// MaxRetries bounds how many times a transient storage error is
	// retried before giving up. Default: 3.
	MaxRetries int

	// RetryBaseDelay is the starting backoff delay; each retry doubles it
	// (capped at RetryMaxDelay). Default: 20ms.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff delay. Default: 500ms.
	RetryMaxDelay time.Duration

	// Format selects the codec wire format for persisted records.
	Format codec.Format

	Logger *slog.Logger
}

// DefaultConfig returns production defaults: bounded retry with
// exponential backoff, binary wire format.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryBaseDelay: 20 * time.Millisecond,
		RetryMaxDelay:  500 * time.Millisecond,
		Format:         codec.FormatBinary,
		Logger:         slog.Default(),
	}
}

// Store is the durable node record store.
type Store struct {
	db     *badgerkv.DB
	cfg    Config
	logger *slog.Logger
	closed bool
}

// Open wraps db as a node store.
func Open(db *badgerkv.DB, cfg Config) *Store {
	if cfg.MaxRetries == 0 && cfg.RetryBaseDelay == 0 {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cfg: cfg, logger: logger.With(slog.String("component", "nodestore"))}
}

// envelope wraps an encoded record with a CRC32 of its payload, so a
// corrupted read is detected before the node is handed back to a caller.
func envelope(payload []byte) []byte {
	sum := crc32.ChecksumIEEE(payload)
	out := make([]byte, 4+len(payload))
	out[0] = byte(sum >> 24)
	out[1] = byte(sum >> 16)
	out[2] = byte(sum >> 8)
	out[3] = byte(sum)
	copy(out[4:], payload)
	return out
}

func unenvelope(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: record too short", ErrChecksumMismatch)
	}
	want := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	payload := data[4:]
	got := crc32.ChecksumIEEE(payload)
	if got != want {
		return nil, fmt.Errorf("%w: want=%08x got=%08x", ErrChecksumMismatch, want, got)
	}
	return payload, nil
}

// isTransient reports whether err is worth retrying: Badger's conflict
// and transaction-too-big errors are transient by construction, unlike a
// checksum failure or a closed DB.
func isTransient(err error) bool {
	return errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrTxnTooBig)
}

func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		if attempt == s.cfg.MaxRetries {
			break
		}
		opRetries.WithLabelValues(op).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
	}
	return lastErr
}

func (s *Store) observe(op string, start time.Time, err *error) {
	status := "ok"
	if *err != nil {
		status = "error"
	}
	opDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// Put writes n, failing with ErrAlreadyExists if strict is true and a
// node with the same id is already present.
func (s *Store) Put(ctx context.Context, n model.Node, strict bool) (err error) {
	start := time.Now()
	defer s.observe("put", start, &err)
	ctx, span := tracer.Start(ctx, "nodestore.Put", trace.WithAttributes(attribute.String("node_id", n.ID.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if s.closed {
		err = ErrClosed
		return err
	}
	payload, encErr := codec.EncodeNode(n, s.cfg.Format)
	if encErr != nil {
		err = encErr
		return err
	}
	key := keys.Node(n.ID)
	err = s.withRetry(ctx, "put", func() error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			if strict {
				if _, getErr := txn.Get(key); getErr == nil {
					return ErrAlreadyExists
				} else if !errors.Is(getErr, badger.ErrKeyNotFound) {
					return getErr
				}
			}
			return txn.Set(key, envelope(payload))
		})
	})
	return err
}

// PutTx writes n using txn, an externally managed Badger transaction, so
// the caller can batch it with another store's write into one atomic
// commit (spec.md §7, "all write operations are either fully applied or
// fully rejected"). Unlike Put, it does not retry on a transient error —
// the caller's own transaction is the retry unit.
func (s *Store) PutTx(txn *badger.Txn, n model.Node, strict bool) error {
	if s.closed {
		return ErrClosed
	}
	payload, err := codec.EncodeNode(n, s.cfg.Format)
	if err != nil {
		return err
	}
	key := keys.Node(n.ID)
	if strict {
		if _, getErr := txn.Get(key); getErr == nil {
			return ErrAlreadyExists
		} else if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}
	}
	return txn.Set(key, envelope(payload))
}

// DeleteTx removes the node stored at id using txn, an externally managed
// Badger transaction.
func (s *Store) DeleteTx(txn *badger.Txn, id model.ID) error {
	if s.closed {
		return ErrClosed
	}
	return txn.Delete(keys.Node(id))
}

// Get reads back the node stored at id.
func (s *Store) Get(ctx context.Context, id model.ID) (n model.Node, err error) {
	start := time.Now()
	defer s.observe("get", start, &err)
	if s.closed {
		err = ErrClosed
		return n, err
	}
	key := keys.Node(id)
	var payload []byte
	err = s.withRetry(ctx, "get", func() error {
		return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			item, getErr := txn.Get(key)
			if errors.Is(getErr, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if getErr != nil {
				return getErr
			}
			return item.Value(func(val []byte) error {
				buf := make([]byte, len(val))
				copy(buf, val)
				payload = buf
				return nil
			})
		})
	})
	if err != nil {
		return n, err
	}
	decoded, decErr := unenvelope(payload)
	if decErr != nil {
		err = decErr
		return n, err
	}
	n, err = codec.DecodeNode(decoded)
	return n, err
}

// Exists reports whether a node is stored at id, without deserializing it.
func (s *Store) Exists(ctx context.Context, id model.ID) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	key := keys.Node(id)
	found := false
	err := s.withRetry(ctx, "exists", func() error {
		return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			_, getErr := txn.Get(key)
			if errors.Is(getErr, badger.ErrKeyNotFound) {
				found = false
				return nil
			}
			if getErr != nil {
				return getErr
			}
			found = true
			return nil
		})
	})
	return found, err
}

// Delete removes the node stored at id. Deleting a missing node is a
// no-op, matching spec.md §3's "delete is idempotent" lifecycle note.
func (s *Store) Delete(ctx context.Context, id model.ID) (err error) {
	start := time.Now()
	defer s.observe("delete", start, &err)
	if s.closed {
		err = ErrClosed
		return err
	}
	key := keys.Node(id)
	err = s.withRetry(ctx, "delete", func() error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
	})
	return err
}

// BatchPut writes all of nodes atomically: either every node is durably
// stored or, on error, none of them are (spec.md §7, "batch atomicity").
func (s *Store) BatchPut(ctx context.Context, nodes []model.Node) (err error) {
	start := time.Now()
	defer s.observe("batch_put", start, &err)
	if s.closed {
		err = ErrClosed
		return err
	}
	encoded := make([][]byte, len(nodes))
	for i, n := range nodes {
		payload, encErr := codec.EncodeNode(n, s.cfg.Format)
		if encErr != nil {
			err = fmt.Errorf("encode node %s: %w", n.ID, encErr)
			return err
		}
		encoded[i] = payload
	}
	err = s.withRetry(ctx, "batch_put", func() error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			for i, n := range nodes {
				if setErr := txn.Set(keys.Node(n.ID), envelope(encoded[i])); setErr != nil {
					return setErr
				}
			}
			return nil
		})
	})
	return err
}

// BatchGet reads back every node in ids that exists. Ids with no stored
// node are simply absent from the result map rather than failing the
// whole call (spec.md §4.2, "batch_get(ids) -> map"); only a genuine
// storage error (decode failure, checksum mismatch, backend error) aborts
// the call.
func (s *Store) BatchGet(ctx context.Context, ids []model.ID) (map[model.ID]model.Node, error) {
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[model.ID]model.Node, len(ids))
	err := s.withRetry(ctx, "batch_get", func() error {
		return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			for _, id := range ids {
				item, getErr := txn.Get(keys.Node(id))
				if errors.Is(getErr, badger.ErrKeyNotFound) {
					continue
				}
				if getErr != nil {
					return getErr
				}
				var payload []byte
				if valErr := item.Value(func(val []byte) error {
					payload = append([]byte(nil), val...)
					return nil
				}); valErr != nil {
					return valErr
				}
				decoded, decErr := unenvelope(payload)
				if decErr != nil {
					return decErr
				}
				n, decErr := codec.DecodeNode(decoded)
				if decErr != nil {
					return decErr
				}
				out[id] = n
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count scans the node key space and returns the number of stored nodes.
// It is O(n) and intended for diagnostics and tests, not the hot path.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	count := 0
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{keys.TagNode}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	storeSize.Set(float64(count))
	return count, nil
}

// AllIDs returns every node id currently persisted, for rebuilding the
// in-memory spatial/temporal indexes at engine open (spec.md §6:
// INDEX_SPATIAL/INDEX_TEMPORAL "MAY be reconstructed from nodes/").
func (s *Store) AllIDs(ctx context.Context) ([]model.ID, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var ids []model.ID
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{keys.TagNode}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			id, ok := keys.NodeIDFromKey(it.Item().Key())
			if !ok {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Clear removes every node record. Used by tests and by a full re-index.
func (s *Store) Clear(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	var toDelete [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{keys.TagNode}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			toDelete = append(toDelete, append([]byte(nil), it.Item().Key()...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, key := range toDelete {
			if delErr := txn.Delete(key); delErr != nil {
				return delErr
			}
		}
		return nil
	})
}

// Close marks the store closed. The underlying badgerkv.DB outlives the
// node store in the engine facade (it's shared with the delta and
// checkpoint stores), so Close here only flips the guard flag.
func (s *Store) Close() error {
	s.closed = true
	return nil
}
