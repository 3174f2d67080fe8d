// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cylindra is the embedded cylindrical knowledge-store engine:
// nodes positioned in (t, r, θ) space, versioned through a reversible
// delta chain, indexed by an R-tree over position and a bucketed index
// over time, and queried through a single planner that probes whichever
// index is more selective first (spec.md §1).
package cylindra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cylindra-db/cylindra/internal/badgerkv"
	"github.com/cylindra-db/cylindra/internal/cache"
	"github.com/cylindra-db/cylindra/internal/deltaengine"
	"github.com/cylindra-db/cylindra/internal/deltastore"
	"github.com/cylindra-db/cylindra/internal/nodestore"
	"github.com/cylindra-db/cylindra/internal/queryindex"
	"github.com/cylindra-db/cylindra/internal/spatial"
	"github.com/cylindra-db/cylindra/internal/temporal"
	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

var tracer = otel.Tracer("cylindra")

// engineState is the per-engine lifecycle state machine (spec.md §4.8):
// Open accepts all operations, Closing rejects writes and drains readers,
// Closed rejects everything except an idempotent Close.
type engineState int32

const (
	stateOpen engineState = iota
	stateClosing
	stateClosed
)

// Engine is a single embedded cylindra store. An Engine exclusively owns
// its durable storage directory (an OS file lock, held for its lifetime)
// and is safe to call from multiple goroutines (spec.md §5).
type Engine struct {
	cfg Config

	db       *badgerkv.DB
	nodes    *nodestore.Store
	deltas   *deltastore.Store
	spatialI *spatial.Tree
	temporalI *temporal.Index
	index    *queryindex.Index
	nodeCache  *cache.NodeCache
	stateCache *cache.StateCache
	chain      *deltaengine.Engine
	optimizer  *deltaengine.Optimizer

	state      atomic.Int32
	generation atomic.Int64

	mu         sync.Mutex // serializes writes per the store→indices→caches lock order
	chainDepth map[model.ID]int

	// closeMu drains in-flight reads before Close tears down the
	// underlying stores: GetNode and Query hold a read lock for the
	// duration of their work, and Close takes the write lock (which
	// blocks until every reader has released, and holds off new readers
	// while it flips state to Closed) before releasing the durable
	// store's file lock.
	closeMu sync.RWMutex
}

// Open builds an Engine from cfg, validating it and opening (or creating)
// its durable store.
func Open(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindInvalidQuery, "open", err)
	}

	var db *badgerkv.DB
	var err error
	if cfg.InMemory {
		db, err = badgerkv.OpenDB(badgerkv.InMemoryConfig())
	} else {
		bkCfg := badgerkv.DefaultConfig()
		bkCfg.Path = cfg.StorageDir
		bkCfg.Logger = cfg.Logger
		db, err = badgerkv.OpenDB(bkCfg)
	}
	if err != nil {
		return nil, newError(KindStorage, "open", err)
	}

	nsCfg := nodestore.DefaultConfig()
	nsCfg.Format = cfg.codecFormat()
	nsCfg.MaxRetries = cfg.MaxRetries
	nsCfg.RetryBaseDelay = cfg.RetryBaseDelay
	nsCfg.RetryMaxDelay = cfg.RetryMaxDelay
	nsCfg.Logger = cfg.Logger
	nodes := nodestore.Open(db, nsCfg)

	dsCfg := deltastore.DefaultConfig()
	dsCfg.Format = cfg.codecFormat()
	deltas := deltastore.Open(db, dsCfg)

	spTree := spatial.New(spatial.Config{
		MinEntries:    cfg.RTreeMinEntries,
		MaxEntries:    cfg.RTreeMaxEntries,
		ReinsertCount: 3,
		Weights:       cfg.DistanceWeights,
	})
	tmIndex, err := temporal.New(cfg.TemporalResolution)
	if err != nil {
		_ = db.Close()
		return nil, newError(KindInvalidQuery, "open", err)
	}
	combined := queryindex.New(spTree, tmIndex)

	nodeCache := cache.NewNodeCache(cfg.CacheNodeCapacity)
	stateCache := cache.NewStateCache(cfg.CacheStateCapacity)

	chainEngine := deltaengine.New(deltas, stateCache)
	optimizer := deltaengine.NewOptimizer(chainEngine)

	e := &Engine{
		cfg:        cfg,
		db:         db,
		nodes:      nodes,
		deltas:     deltas,
		spatialI:   spTree,
		temporalI:  tmIndex,
		index:      combined,
		nodeCache:  nodeCache,
		stateCache: stateCache,
		chain:      chainEngine,
		optimizer:  optimizer,
		chainDepth: make(map[model.ID]int),
	}
	if err := e.rebuildIndexes(context.Background()); err != nil {
		_ = db.Close()
		return nil, newError(KindStorage, "open", err)
	}
	return e, nil
}

// rebuildIndexes reconstructs the in-memory spatial and temporal indexes
// from the persisted node records, since spec.md §6 marks
// INDEX_SPATIAL/INDEX_TEMPORAL as rebuildable-from-nodes rather than
// mandatory on-disk structures.
func (e *Engine) rebuildIndexes(ctx context.Context) error {
	ids, err := e.nodes.AllIDs(ctx)
	if err != nil || len(ids) == 0 {
		return err
	}
	nodes, err := e.nodes.BatchGet(ctx, ids)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		e.index.Insert(n.ID, n.Position)
	}
	return nil
}

// Generation returns the number of successful writes this engine has
// committed since it was opened, for host-application cache invalidation.
func (e *Engine) Generation() int64 { return e.generation.Load() }

func (e *Engine) checkOpen(op string) error {
	switch engineState(e.state.Load()) {
	case stateClosed:
		return newError(KindEngineClosed, op, nil)
	case stateClosing:
		return newError(KindEngineClosed, op, errors.New("engine is closing"))
	default:
		return nil
	}
}

// checkReadable allows reads to proceed while Closing (draining readers)
// but not once fully Closed.
func (e *Engine) checkReadable(op string) error {
	if engineState(e.state.Load()) == stateClosed {
		return newError(KindEngineClosed, op, nil)
	}
	return nil
}

// AddNode inserts a new node. strict determines whether re-adding an
// existing id is an error (true) or an overwrite (false).
func (e *Engine) AddNode(ctx context.Context, n model.Node, strict bool) error {
	const op = "add_node"
	if err := e.checkOpen(op); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "cylindra.AddNode")
	defer span.End()

	if err := n.Validate(); err != nil {
		span.RecordError(err)
		return newError(KindInvalidQuery, op, err)
	}
	// DeltaInformation holds the node's content as of creation, distinct
	// from the current Content field UpdateNode overwrites on every
	// write: state_at reconstruction replays the delta chain forward
	// from this genesis value, so it must never change after AddNode.
	n.DeltaInformation = value.Clone(n.Content)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.nodes.Put(ctx, n, strict); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put failed")
		return wrapStorageErr(op, err)
	}
	e.index.Insert(n.ID, n.Position)
	e.nodeCache.Put(n)
	e.generation.Add(1)
	return nil
}

// GetNode returns the node as currently persisted. When at is non-nil, the
// returned node's Content is instead the reconstructed state at that
// timestamp (spec.md §4.8, "get_node(id, at?)").
func (e *Engine) GetNode(ctx context.Context, id model.ID, at *time.Time) (model.Node, error) {
	const op = "get_node"
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if err := e.checkReadable(op); err != nil {
		return model.Node{}, err
	}
	ctx, span := tracer.Start(ctx, "cylindra.GetNode", trace.WithAttributes(
		attribute.String("node_id", id.String()),
	))
	defer span.End()

	var n model.Node
	var err error
	if cached, ok := e.nodeCache.Get(id); ok {
		n = cached
	} else {
		n, err = e.nodes.Get(ctx, id)
		if err != nil {
			span.RecordError(err)
			return model.Node{}, wrapStorageErr(op, err)
		}
		e.nodeCache.Put(n)
	}

	if at == nil {
		return n, nil
	}

	handle := e.optimizer.BeginRead(at.UnixNano())
	defer handle.Release()
	content, err := e.chain.StateAt(ctx, id, n.DeltaInformation, at.UnixNano())
	if err != nil {
		span.RecordError(err)
		return model.Node{}, wrapStorageErr(op, err)
	}
	out := n.Clone()
	out.Content = content
	return out, nil
}

// UpdateNode replaces id's content, computing and appending the delta that
// records the change (spec.md §4.6.1/§4.6.2). A newContent identical to
// the current content is a no-op.
func (e *Engine) UpdateNode(ctx context.Context, id model.ID, newContent value.Value, now time.Time) error {
	const op = "update_node"
	if err := e.checkOpen(op); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "cylindra.UpdateNode", trace.WithAttributes(
		attribute.String("node_id", id.String()),
	))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.nodes.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return wrapStorageErr(op, err)
	}

	rec, err := e.chain.PrepareAppend(ctx, id, n.Content, newContent, now)
	if err != nil {
		if errors.Is(err, deltaengine.ErrNoChange) {
			return nil
		}
		span.RecordError(err)
		return wrapChainErr(op, err)
	}

	// The delta append and the node content update are committed in one
	// Badger transaction: a crash between the two would otherwise leave a
	// delta appended with no corresponding content update (spec.md §7,
	// "all write operations are either fully applied... or fully
	// rejected").
	n.Content = newContent
	err = e.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := e.chain.CommitAppendTx(txn, rec); err != nil {
			return err
		}
		return e.nodes.PutTx(txn, n, false)
	})
	if err != nil {
		span.RecordError(err)
		return wrapStorageErr(op, err)
	}
	e.chain.ConfirmAppend(rec)

	e.nodeCache.Invalidate(id)
	e.generation.Add(1)

	e.chainDepth[id]++
	if e.cfg.CheckpointInterval > 0 && e.chainDepth[id] >= e.cfg.CheckpointInterval {
		e.chainDepth[id] = 0
		if _, cpErr := e.optimizer.Checkpoint(ctx, id, n.DeltaInformation, now); cpErr != nil {
			e.cfg.Logger.Warn("auto checkpoint failed", "node_id", id, "error", cpErr)
		}
	}
	return nil
}

// Connect appends a directed connection from a to b.
func (e *Engine) Connect(ctx context.Context, a, b model.ID, kind string, strength float64) error {
	const op = "connect"
	if err := e.checkOpen(op); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.nodes.Get(ctx, a)
	if err != nil {
		return wrapStorageErr(op, err)
	}
	conn := model.Connection{TargetID: b, Kind: kind, Strength: strength, Metadata: value.Null()}
	if !conn.Valid() {
		return newError(KindInvalidQuery, op, model.ErrInvalidConnection)
	}
	n.Connections = append(n.Connections, conn)
	if err := e.nodes.Put(ctx, n, false); err != nil {
		return wrapStorageErr(op, err)
	}
	e.nodeCache.Invalidate(a)
	e.generation.Add(1)
	return nil
}

// DeleteNode removes a node, its delta chain, and its checkpoints in one
// atomic batch (spec.md §3): the content record, delta chain, and
// checkpoints all live in the same Badger instance, so a single
// transaction spanning both stores leaves nothing partially deleted if it
// fails partway through.
func (e *Engine) DeleteNode(ctx context.Context, id model.ID) error {
	const op = "delete_node"
	if err := e.checkOpen(op); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := e.nodes.DeleteTx(txn, id); err != nil {
			return err
		}
		if err := e.deltas.DeleteChainTx(txn, id); err != nil {
			return err
		}
		return e.deltas.DeleteCheckpointsTx(txn, id)
	})
	if err != nil {
		return wrapStorageErr(op, err)
	}
	_ = e.index.Delete(id)
	e.nodeCache.Invalidate(id)
	e.chain.DropHead(id)
	delete(e.chainDepth, id)
	e.generation.Add(1)
	return nil
}

// Query runs pred against the combined spatial/temporal index, honoring
// ctx's deadline (or cfg.QueryDeadlineDefault if ctx carries none).
func (e *Engine) Query(ctx context.Context, pred queryindex.Predicate) ([]model.ID, error) {
	const op = "query"
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if err := e.checkReadable(op); err != nil {
		return nil, err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && e.cfg.QueryDeadlineDefault > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryDeadlineDefault)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "cylindra.Query")
	defer span.End()

	ids, err := e.index.Query(ctx, pred)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, queryindex.ErrDeadlineExceeded) {
			return nil, newError(KindQueryTimeout, op, err)
		}
		return nil, newError(KindInvalidQuery, op, err)
	}
	return ids, nil
}

// Compact checkpoints and prunes a single node's delta chain. A nil id is
// a no-op: bulk compaction happens incrementally via each node's own
// CheckpointInterval-triggered auto checkpoint inside UpdateNode, rather
// than a store-wide sweep that would hold the write lock for its
// duration.
func (e *Engine) Compact(ctx context.Context, id *model.ID, now time.Time) error {
	const op = "compact"
	if err := e.checkOpen(op); err != nil {
		return err
	}
	if id == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.nodes.Get(ctx, *id)
	if err != nil {
		return wrapStorageErr(op, err)
	}
	if _, err := e.optimizer.Checkpoint(ctx, *id, n.DeltaInformation, now); err != nil {
		return wrapStorageErr(op, err)
	}
	e.chainDepth[*id] = 0
	return nil
}

// Checkpoint is the explicit form of Compact: it captures id's content at
// timestamp t and persists it as a checkpoint, pruning redundant deltas.
func (e *Engine) Checkpoint(ctx context.Context, id model.ID, t time.Time) error {
	return e.Compact(ctx, &id, t)
}

// Close transitions the engine Open -> Closing -> Closed, draining readers
// before releasing the durable store's file lock. Close is idempotent.
func (e *Engine) Close() error {
	if !e.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		if engineState(e.state.Load()) == stateClosed {
			return nil
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Wait for every in-flight GetNode/Query to release closeMu's read
	// side before flipping to Closed; taking the write side also blocks
	// any reader that arrives while we're waiting, so none can observe a
	// state between our Store below and the stores actually closing.
	e.closeMu.Lock()
	e.state.Store(int32(stateClosed))
	e.closeMu.Unlock()

	if err := e.nodes.Close(); err != nil {
		return fmt.Errorf("cylindra: close node store: %w", err)
	}
	if err := e.deltas.Close(); err != nil {
		return fmt.Errorf("cylindra: close delta store: %w", err)
	}
	return e.db.Close()
}

func wrapStorageErr(op string, err error) error {
	if errors.Is(err, nodestore.ErrNotFound) || errors.Is(err, deltastore.ErrNotFound) {
		return newError(KindNotFound, op, err)
	}
	if errors.Is(err, nodestore.ErrAlreadyExists) {
		return newError(KindDuplicateID, op, err)
	}
	if errors.Is(err, nodestore.ErrChecksumMismatch) || errors.Is(err, deltastore.ErrChecksumMismatch) {
		return newError(KindSerialization, op, err)
	}
	if errors.Is(err, nodestore.ErrClosed) || errors.Is(err, deltastore.ErrClosed) {
		return newError(KindEngineClosed, op, err)
	}
	return newError(KindStorage, op, err)
}

func wrapChainErr(op string, err error) error {
	if errors.Is(err, model.ErrChainMismatch) || errors.Is(err, model.ErrChainOutOfOrder) {
		return newError(KindChainInvariant, op, err)
	}
	return wrapStorageErr(op, err)
}
