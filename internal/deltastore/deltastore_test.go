// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deltastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/internal/badgerkv"
	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerkv.OpenDB(badgerkv.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return Open(db, DefaultConfig())
}

func testDelta(nodeID model.ID, ts time.Time, prev *model.ID) model.DeltaRecord {
	return model.DeltaRecord{
		DeltaID:         model.NewID(),
		NodeID:          nodeID,
		Timestamp:       ts,
		PreviousDeltaID: prev,
		Operations:      []model.Operation{model.SetValue(nil, value.Int(1), value.Int(0))},
		Metadata:        value.Null(),
	}
}

func TestStore_AppendAndChainFrom(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	nodeID := model.NewID()

	d1 := testDelta(nodeID, time.Unix(10, 0), nil)
	require.NoError(t, s.AppendDelta(ctx, d1))
	d2 := testDelta(nodeID, time.Unix(20, 0), &d1.DeltaID)
	require.NoError(t, s.AppendDelta(ctx, d2))

	chain, err := s.FullChain(ctx, nodeID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, d1.DeltaID, chain[0].DeltaID)
	assert.Equal(t, d2.DeltaID, chain[1].DeltaID)

	fromSecond, err := s.ChainFrom(ctx, nodeID, time.Unix(15, 0).UnixNano())
	require.NoError(t, err)
	require.Len(t, fromSecond, 1)
	assert.Equal(t, d2.DeltaID, fromSecond[0].DeltaID)
}

func TestStore_Head(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	nodeID := model.NewID()

	_, found, err := s.Head(ctx, nodeID)
	require.NoError(t, err)
	assert.False(t, found)

	d1 := testDelta(nodeID, time.Unix(10, 0), nil)
	require.NoError(t, s.AppendDelta(ctx, d1))
	d2 := testDelta(nodeID, time.Unix(20, 0), &d1.DeltaID)
	require.NoError(t, s.AppendDelta(ctx, d2))

	head, found, err := s.Head(ctx, nodeID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, d2.DeltaID, head.DeltaID)
}

func TestStore_PruneBefore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	nodeID := model.NewID()

	d1 := testDelta(nodeID, time.Unix(10, 0), nil)
	require.NoError(t, s.AppendDelta(ctx, d1))
	d2 := testDelta(nodeID, time.Unix(20, 0), &d1.DeltaID)
	require.NoError(t, s.AppendDelta(ctx, d2))
	d3 := testDelta(nodeID, time.Unix(30, 0), &d2.DeltaID)
	require.NoError(t, s.AppendDelta(ctx, d3))

	pruned, err := s.PruneBefore(ctx, nodeID, time.Unix(20, 0).UnixNano())
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	chain, err := s.FullChain(ctx, nodeID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, d3.DeltaID, chain[0].DeltaID)
}

func TestStore_PruneBefore_NothingToPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	nodeID := model.NewID()

	d1 := testDelta(nodeID, time.Unix(10, 0), nil)
	require.NoError(t, s.AppendDelta(ctx, d1))

	pruned, err := s.PruneBefore(ctx, nodeID, time.Unix(5, 0).UnixNano())
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)
}

func TestStore_CheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	nodeID := model.NewID()

	_, found, err := s.LatestCheckpoint(ctx, nodeID, time.Unix(100, 0).UnixNano())
	require.NoError(t, err)
	assert.False(t, found)

	cp1 := model.Checkpoint{NodeID: nodeID, Timestamp: time.Unix(10, 0), Content: value.Int(1)}
	require.NoError(t, s.PutCheckpoint(ctx, cp1))
	cp2 := model.Checkpoint{NodeID: nodeID, Timestamp: time.Unix(20, 0), Content: value.Int(2)}
	require.NoError(t, s.PutCheckpoint(ctx, cp2))

	got, found, err := s.LatestCheckpoint(ctx, nodeID, time.Unix(15, 0).UnixNano())
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, value.Equal(got.Content, cp1.Content))

	got, found, err = s.LatestCheckpoint(ctx, nodeID, time.Unix(25, 0).UnixNano())
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, value.Equal(got.Content, cp2.Content))

	require.NoError(t, s.DeleteCheckpoints(ctx, nodeID))
	_, found, err = s.LatestCheckpoint(ctx, nodeID, time.Unix(25, 0).UnixNano())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_DeleteChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	nodeID := model.NewID()

	d1 := testDelta(nodeID, time.Unix(10, 0), nil)
	require.NoError(t, s.AppendDelta(ctx, d1))

	require.NoError(t, s.DeleteChain(ctx, nodeID))

	chain, err := s.FullChain(ctx, nodeID)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestStore_ClosedRejectsOperations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Close())

	nodeID := model.NewID()
	err := s.AppendDelta(ctx, testDelta(nodeID, time.Unix(1, 0), nil))
	assert.ErrorIs(t, err, ErrClosed)
}
