// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deltaengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/cylindra-db/cylindra/internal/cache"
	"github.com/cylindra-db/cylindra/internal/deltastore"
	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

// ErrNoChange indicates Append was asked to record a delta between two
// identical contents; spec.md §8 treats this as a no-op rather than an
// error, but callers that want to distinguish it can match ErrNoChange.
var ErrNoChange = errors.New("deltaengine: no change to record")

// Engine is the delta-chain manager: it computes, validates, and persists
// Operation-level changes to a node's content, and reconstructs content at
// an arbitrary point in a chain's history (spec.md §4.6).
type Engine struct {
	deltas *deltastore.Store
	states *cache.StateCache

	mu    sync.Mutex
	heads map[model.ID]model.ChainHead

	// replay coalesces concurrent StateAt calls that miss the state cache
	// for the same (node, timestamp): without it, N callers reconstructing
	// the same uncached historical state each independently replay the
	// full chain from its last checkpoint.
	replay singleflight.Group
}

// New builds an Engine over deltas, using states to memoize reconstructed
// content.
func New(deltas *deltastore.Store, states *cache.StateCache) *Engine {
	return &Engine{
		deltas: deltas,
		states: states,
		heads:  make(map[model.ID]model.ChainHead),
	}
}

// PrepareAppend computes the diff between oldContent and newContent,
// builds a DeltaRecord, and validates it against the chain's current head,
// without touching storage. It returns (zero DeltaRecord, ErrNoChange)
// when the contents are identical. Callers that need to batch the write
// with another store's mutation pair the returned record with
// CommitAppendTx and ConfirmAppend; Append itself does all three steps
// for callers that don't.
func (e *Engine) PrepareAppend(ctx context.Context, nodeID model.ID, oldContent, newContent value.Value, now time.Time) (model.DeltaRecord, error) {
	ops := Diff(oldContent, newContent)
	if len(ops) == 0 {
		return model.DeltaRecord{}, ErrNoChange
	}

	e.mu.Lock()
	head, ok := e.heads[nodeID]
	e.mu.Unlock()
	if !ok {
		var err error
		head, err = e.loadHead(ctx, nodeID)
		if err != nil {
			return model.DeltaRecord{}, err
		}
	}

	var prev *model.ID
	if head.HasDelta {
		id := head.DeltaID
		prev = &id
	}

	rec := model.DeltaRecord{
		DeltaID:         model.NewID(),
		NodeID:          nodeID,
		Timestamp:       now,
		PreviousDeltaID: prev,
		Operations:      ops,
		Metadata:        value.Null(),
	}
	if err := model.ValidateAppend(head, rec); err != nil {
		return model.DeltaRecord{}, err
	}
	return rec, nil
}

// CommitAppendTx writes rec using txn, an externally managed Badger
// transaction, so the caller can batch it with another store's write into
// one atomic commit (spec.md §7, "all write operations are either fully
// applied or fully rejected"). Call ConfirmAppend once that transaction
// has committed.
func (e *Engine) CommitAppendTx(txn *badger.Txn, rec model.DeltaRecord) error {
	return e.deltas.AppendDeltaTx(txn, rec)
}

// ConfirmAppend updates the in-memory chain head and invalidates any
// cached reconstruction for rec's node. Call it only after the
// transaction that wrote rec (via CommitAppendTx, or internally within
// Append) has committed.
func (e *Engine) ConfirmAppend(rec model.DeltaRecord) {
	e.mu.Lock()
	e.heads[rec.NodeID] = model.ChainHead{
		NodeID:    rec.NodeID,
		DeltaID:   rec.DeltaID,
		HasDelta:  true,
		Timestamp: rec.Timestamp.UnixNano(),
	}
	e.mu.Unlock()
	if e.states != nil {
		e.states.InvalidateNode(rec.NodeID)
	}
}

// Append computes, validates, and persists a delta in one step, for
// callers that don't need to batch the write with another store's
// transaction.
func (e *Engine) Append(ctx context.Context, nodeID model.ID, oldContent, newContent value.Value, now time.Time) (model.DeltaRecord, error) {
	rec, err := e.PrepareAppend(ctx, nodeID, oldContent, newContent, now)
	if err != nil {
		return model.DeltaRecord{}, err
	}
	if err := e.deltas.AppendDelta(ctx, rec); err != nil {
		return model.DeltaRecord{}, err
	}
	e.ConfirmAppend(rec)
	return rec, nil
}

// loadHead derives a ChainHead for a node the Engine hasn't seen since
// process start, by reading the most recently appended delta from
// storage.
func (e *Engine) loadHead(ctx context.Context, nodeID model.ID) (model.ChainHead, error) {
	d, found, err := e.deltas.Head(ctx, nodeID)
	if err != nil {
		return model.ChainHead{}, err
	}
	if !found {
		return model.ChainHead{NodeID: nodeID, HasDelta: false}, nil
	}
	return model.ChainHead{
		NodeID:    nodeID,
		DeltaID:   d.DeltaID,
		HasDelta:  true,
		Timestamp: d.Timestamp.UnixNano(),
	}, nil
}

// Head returns the node's current chain head, loading it from storage if
// this is the first time the Engine has been asked about nodeID.
func (e *Engine) Head(ctx context.Context, nodeID model.ID) (model.ChainHead, error) {
	e.mu.Lock()
	head, ok := e.heads[nodeID]
	e.mu.Unlock()
	if ok {
		return head, nil
	}
	head, err := e.loadHead(ctx, nodeID)
	if err != nil {
		return model.ChainHead{}, err
	}
	e.mu.Lock()
	e.heads[nodeID] = head
	e.mu.Unlock()
	return head, nil
}

// DropHead removes any cached chain head for nodeID, called when a node is
// deleted so a later reuse of the id (after a full DeleteChain) doesn't
// see a stale head.
func (e *Engine) DropHead(nodeID model.ID) {
	e.mu.Lock()
	delete(e.heads, nodeID)
	e.mu.Unlock()
	if e.states != nil {
		e.states.InvalidateNode(nodeID)
	}
}

// StateAt reconstructs nodeID's content at atUnixNano by replaying its
// delta chain from the latest checkpoint at or before that time (spec.md
// §4.6.3). originContent is the node's content as of creation (its
// genesis value, before any delta), used as the replay base when no
// checkpoint exists yet.
func (e *Engine) StateAt(ctx context.Context, nodeID model.ID, originContent value.Value, atUnixNano int64) (value.Value, error) {
	if e.states != nil {
		if head, ok := e.cachedHeadFor(nodeID); ok && head.HasDelta && head.Timestamp <= atUnixNano {
			if cached, hit := e.states.Get(nodeID, head.DeltaID); hit {
				if v, ok := cached.(value.Value); ok {
					return v, nil
				}
			}
		}
	}

	// A cache miss is replayed at most once per (node, timestamp) no
	// matter how many goroutines ask for it concurrently; every caller
	// that lands here while a replay is already in flight shares its
	// result instead of independently re-reading the chain.
	key := fmt.Sprintf("%s@%d", nodeID, atUnixNano)
	v, err, _ := e.replay.Do(key, func() (interface{}, error) {
		return e.reconstruct(ctx, nodeID, originContent, atUnixNano)
	})
	if err != nil {
		return value.Null(), err
	}
	return v.(value.Value), nil
}

// reconstruct replays nodeID's delta chain from the latest checkpoint at
// or before atUnixNano; it is the work StateAt deduplicates across
// concurrent callers via replay.
func (e *Engine) reconstruct(ctx context.Context, nodeID model.ID, originContent value.Value, atUnixNano int64) (value.Value, error) {
	base := originContent
	fromUnixNano := int64(0)
	cp, found, err := e.deltas.LatestCheckpoint(ctx, nodeID, atUnixNano)
	if err != nil {
		return value.Null(), err
	}
	if found {
		base = cp.Content
		fromUnixNano = cp.Timestamp.UnixNano() + 1
	}

	chain, err := e.deltas.ChainFrom(ctx, nodeID, fromUnixNano)
	if err != nil {
		return value.Null(), err
	}

	cur := base
	var lastDeltaID model.ID
	hasDelta := false
	for _, d := range chain {
		if d.Timestamp.UnixNano() > atUnixNano {
			break
		}
		cur, err = d.Apply(cur)
		if err != nil {
			return value.Null(), fmt.Errorf("replaying delta %s for node %s: %w", d.DeltaID, nodeID, err)
		}
		lastDeltaID = d.DeltaID
		hasDelta = true
	}

	if e.states != nil && hasDelta {
		e.states.Put(nodeID, lastDeltaID, cur)
	}
	return cur, nil
}

func (e *Engine) cachedHeadFor(nodeID model.ID) (model.ChainHead, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	head, ok := e.heads[nodeID]
	return head, ok
}
