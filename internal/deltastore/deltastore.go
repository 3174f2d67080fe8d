// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package deltastore is the durable delta-chain store: BadgerDB keyed by
// internal/keys.Delta(node_id, timestamp, delta_id), so a chain's records
// come back from a prefix scan in timestamp order (spec.md §4.6.2).
package deltastore

import (
	"context"
	"errors"
	"hash/crc32"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cylindra-db/cylindra/internal/badgerkv"
	"github.com/cylindra-db/cylindra/internal/codec"
	"github.com/cylindra-db/cylindra/internal/keys"
	"github.com/cylindra-db/cylindra/model"
)

var (
	// ErrNotFound indicates no delta chain (or checkpoint) exists for a node.
	ErrNotFound = errors.New("deltastore: not found")

	// ErrChecksumMismatch indicates a stored record's CRC32 doesn't match
	// its content.
	ErrChecksumMismatch = errors.New("deltastore: checksum mismatch")

	// ErrClosed indicates an operation on a store that has been closed.
	ErrClosed = errors.New("deltastore: closed")
)

var opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "cylindra_deltastore_operation_duration_seconds",
	Help:    "Duration of delta store operations.",
	Buckets: prometheus.DefBuckets,
}, []string{"operation", "status"})

// Config configures a Store.
type Config struct {
	Format codec.Format
}

// DefaultConfig returns the binary wire format, matching nodestore's
// default.
func DefaultConfig() Config {
	return Config{Format: codec.FormatBinary}
}

// Store is the durable delta and checkpoint store.
type Store struct {
	db     *badgerkv.DB
	cfg    Config
	closed bool
}

// Open wraps db as a delta store.
func Open(db *badgerkv.DB, cfg Config) *Store {
	if cfg.Format == 0 {
		cfg = DefaultConfig()
	}
	return &Store{db: db, cfg: cfg}
}

func envelope(payload []byte) []byte {
	sum := crc32.ChecksumIEEE(payload)
	out := make([]byte, 4+len(payload))
	out[0], out[1], out[2], out[3] = byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum)
	copy(out[4:], payload)
	return out
}

func unenvelope(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrChecksumMismatch
	}
	want := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	payload := data[4:]
	if crc32.ChecksumIEEE(payload) != want {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}

func observe(op string, start time.Time, err *error) {
	status := "ok"
	if *err != nil {
		status = "error"
	}
	opDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// AppendDelta writes a single delta record. Chain-ordering validation
// (model.ValidateAppend) happens one layer up, in the chain manager;
// this store only persists what it's given.
func (s *Store) AppendDelta(ctx context.Context, d model.DeltaRecord) (err error) {
	start := time.Now()
	defer observe("append_delta", start, &err)
	if s.closed {
		err = ErrClosed
		return err
	}
	payload, encErr := codec.EncodeDelta(d, s.cfg.Format)
	if encErr != nil {
		err = encErr
		return err
	}
	key := keys.Delta(d.NodeID, d.Timestamp.UnixNano(), d.DeltaID)
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, envelope(payload))
	})
	return err
}

// AppendDeltaTx writes d using txn, an externally managed Badger
// transaction, so the caller can batch it with another store's write into
// one atomic commit (spec.md §7).
func (s *Store) AppendDeltaTx(txn *badger.Txn, d model.DeltaRecord) error {
	if s.closed {
		return ErrClosed
	}
	payload, err := codec.EncodeDelta(d, s.cfg.Format)
	if err != nil {
		return err
	}
	key := keys.Delta(d.NodeID, d.Timestamp.UnixNano(), d.DeltaID)
	return txn.Set(key, envelope(payload))
}

// ChainFrom returns every delta of nodeID with timestamp >= fromUnixNano,
// ordered oldest-first, for a bounded replay window (spec.md §4.6.3).
// A zero fromUnixNano returns every delta timestamped at or after the
// Unix epoch; deltas with negative timestamps sort before it and are not
// returned.
func (s *Store) ChainFrom(ctx context.Context, nodeID model.ID, fromUnixNano int64) ([]model.DeltaRecord, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var out []model.DeltaRecord
	prefix := keys.DeltaPrefix(nodeID)
	start := keys.DeltaRangeStart(nodeID, fromUnixNano)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
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
			d, decErr := codec.DecodeDelta(decoded)
			if decErr != nil {
				return decErr
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FullChain returns every delta of nodeID timestamped at or after the
// Unix epoch (ChainFrom with a zero start), oldest-first.
func (s *Store) FullChain(ctx context.Context, nodeID model.ID) ([]model.DeltaRecord, error) {
	return s.ChainFrom(ctx, nodeID, 0)
}

// Head returns the most recently appended delta for nodeID, if any.
func (s *Store) Head(ctx context.Context, nodeID model.ID) (model.DeltaRecord, bool, error) {
	if s.closed {
		return model.DeltaRecord{}, false, ErrClosed
	}
	var head model.DeltaRecord
	found := false
	prefix := keys.DeltaPrefix(nodeID)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		seekKey := append(append([]byte(nil), prefix...), 0xff)
		it.Seek(seekKey)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item := it.Item()
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
		d, decErr := codec.DecodeDelta(decoded)
		if decErr != nil {
			return decErr
		}
		head = d
		found = true
		return nil
	})
	return head, found, err
}

// PruneBefore deletes every delta of nodeID with timestamp <=
// uptoUnixNanoInclusive, returning the number removed. Used by the
// optimizer after a checkpoint has captured the state those deltas would
// otherwise be needed to reconstruct (spec.md §4.6.4).
func (s *Store) PruneBefore(ctx context.Context, nodeID model.ID, uptoUnixNanoInclusive int64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	prefix := keys.DeltaPrefix(nodeID)
	var toDelete [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			_, unixNano, _, ok := keys.DeltaIDFromKey(key)
			if !ok || unixNano > uptoUnixNanoInclusive {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, key := range toDelete {
			if delErr := txn.Delete(key); delErr != nil {
				return delErr
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(toDelete), nil
}

// DeleteChain removes every delta of nodeID, used when a node is deleted
// or a chain is fully compacted into a single checkpoint.
func (s *Store) DeleteChain(ctx context.Context, nodeID model.ID) error {
	if s.closed {
		return ErrClosed
	}
	prefix := keys.DeltaPrefix(nodeID)
	var toDelete [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
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

// DeleteChainTx removes every delta of nodeID using txn, an externally
// managed Badger transaction. The scan and the deletes run against the
// same txn, so they see a consistent snapshot with the rest of the
// caller's batch.
func (s *Store) DeleteChainTx(txn *badger.Txn, nodeID model.ID) error {
	if s.closed {
		return ErrClosed
	}
	prefix := keys.DeltaPrefix(nodeID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	var toDelete [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		toDelete = append(toDelete, append([]byte(nil), it.Item().Key()...))
	}
	it.Close()
	for _, key := range toDelete {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteCheckpointsTx removes every checkpoint of nodeID using txn, an
// externally managed Badger transaction.
func (s *Store) DeleteCheckpointsTx(txn *badger.Txn, nodeID model.ID) error {
	if s.closed {
		return ErrClosed
	}
	prefix := keys.CheckpointPrefix(nodeID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	var toDelete [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		toDelete = append(toDelete, append([]byte(nil), it.Item().Key()...))
	}
	it.Close()
	for _, key := range toDelete {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// PutCheckpoint writes a checkpoint record.
func (s *Store) PutCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if s.closed {
		return ErrClosed
	}
	payload, err := codec.EncodeCheckpoint(cp, s.cfg.Format)
	if err != nil {
		return err
	}
	key := keys.Checkpoint(cp.NodeID, cp.Timestamp.UnixNano())
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, envelope(payload))
	})
}

// LatestCheckpoint returns the most recent checkpoint at or before
// atOrBeforeUnixNano for nodeID, if any (spec.md §4.6.3, replay
// short-circuiting).
func (s *Store) LatestCheckpoint(ctx context.Context, nodeID model.ID, atOrBeforeUnixNano int64) (model.Checkpoint, bool, error) {
	if s.closed {
		return model.Checkpoint{}, false, ErrClosed
	}
	var cp model.Checkpoint
	found := false
	prefix := keys.CheckpointPrefix(nodeID)
	seekKey := keys.Checkpoint(nodeID, atOrBeforeUnixNano)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration seeks to the largest key <= seekKey by first
		// positioning just past it, then walking the key itself.
		it.Seek(append(append([]byte(nil), seekKey...), 0xff))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item := it.Item()
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
		decodedCp, decErr := codec.DecodeCheckpoint(decoded)
		if decErr != nil {
			return decErr
		}
		cp = decodedCp
		found = true
		return nil
	})
	return cp, found, err
}

// DeleteCheckpoints removes every checkpoint of nodeID.
func (s *Store) DeleteCheckpoints(ctx context.Context, nodeID model.ID) error {
	if s.closed {
		return ErrClosed
	}
	prefix := keys.CheckpointPrefix(nodeID)
	var toDelete [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
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

// Close marks the store closed.
func (s *Store) Close() error {
	s.closed = true
	return nil
}
