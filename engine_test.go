// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cylindra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/coordinate"
	"github.com/cylindra-db/cylindra/internal/queryindex"
	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InMemory = true
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func testNode(pos coordinate.Position) model.Node {
	return model.Node{
		ID:       model.NewID(),
		Content:  value.Map(map[string]value.Value{"v": value.Int(1)}),
		Position: pos,
	}
}

func TestEngine_Open_RequiresValidConfig(t *testing.T) {
	_, err := Open(Config{})
	var cylErr *Error
	require.True(t, errors.As(err, &cylErr))
	assert.Equal(t, KindInvalidQuery, cylErr.Kind)
}

func TestEngine_AddNodeAndGetNode(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	n := testNode(coordinate.New(0, 1, 0))

	require.NoError(t, e.AddNode(ctx, n, true))

	got, err := e.GetNode(ctx, n.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.True(t, value.Equal(n.Content, got.Content))
	assert.Equal(t, int64(1), e.Generation())
}

func TestEngine_AddNode_StrictRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	n := testNode(coordinate.New(0, 1, 0))
	require.NoError(t, e.AddNode(ctx, n, true))

	err := e.AddNode(ctx, n, true)
	var cylErr *Error
	require.True(t, errors.As(err, &cylErr))
	assert.Equal(t, KindDuplicateID, cylErr.Kind)
}

func TestEngine_GetNode_MissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.GetNode(ctx, model.NewID(), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_UpdateNode_AppendsDeltaAndReconstructs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	n := testNode(coordinate.New(0, 1, 0))
	require.NoError(t, e.AddNode(ctx, n, true))

	t0 := time.Unix(100, 0)
	newContent := value.Map(map[string]value.Value{"v": value.Int(2)})
	require.NoError(t, e.UpdateNode(ctx, n.ID, newContent, t0))

	current, err := e.GetNode(ctx, n.ID, nil)
	require.NoError(t, err)
	assert.True(t, value.Equal(current.Content, newContent))

	historical, err := e.GetNode(ctx, n.ID, ptrTime(time.Unix(50, 0)))
	require.NoError(t, err)
	assert.True(t, value.Equal(historical.Content, n.Content))
}

func TestEngine_UpdateNode_NoChangeIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	n := testNode(coordinate.New(0, 1, 0))
	require.NoError(t, e.AddNode(ctx, n, true))

	genBefore := e.Generation()
	require.NoError(t, e.UpdateNode(ctx, n.ID, n.Content, time.Unix(100, 0)))
	assert.Equal(t, genBefore, e.Generation())
}

func TestEngine_Connect_ValidatesStrength(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := testNode(coordinate.New(0, 1, 0))
	b := testNode(coordinate.New(1, 2, 0))
	require.NoError(t, e.AddNode(ctx, a, true))
	require.NoError(t, e.AddNode(ctx, b, true))

	require.NoError(t, e.Connect(ctx, a.ID, b.ID, "related", 0.5))

	err := e.Connect(ctx, a.ID, b.ID, "related", 2.0)
	var cylErr *Error
	require.True(t, errors.As(err, &cylErr))
	assert.Equal(t, KindInvalidQuery, cylErr.Kind)
}

func TestEngine_DeleteNode_RemovesFromIndexAndStore(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	n := testNode(coordinate.New(0, 1, 0))
	require.NoError(t, e.AddNode(ctx, n, true))

	require.NoError(t, e.DeleteNode(ctx, n.ID))

	_, err := e.GetNode(ctx, n.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	rect := coordinate.Rectangle{
		TMin: -1000, TMax: 1000,
		RMin: 0, RMax: 1000,
		ThetaMin: 0, ThetaMax: coordinate.TwoPi,
	}
	ids, err := e.Query(ctx, queryindex.Predicate{SpatialRect: &rect})
	require.NoError(t, err)
	assert.NotContains(t, ids, n.ID)
}

func TestEngine_Query_SpatialRect(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	n := testNode(coordinate.New(0, 1, 0))
	require.NoError(t, e.AddNode(ctx, n, true))

	rect := coordinate.Rectangle{
		TMin: -1, TMax: 1,
		RMin: 0, RMax: 2,
		ThetaMin: 0, ThetaMax: coordinate.TwoPi,
	}
	ids, err := e.Query(ctx, queryindex.Predicate{SpatialRect: &rect})
	require.NoError(t, err)
	assert.Contains(t, ids, n.ID)
}

func TestEngine_CheckpointThenReconstructs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	n := testNode(coordinate.New(0, 1, 0))
	require.NoError(t, e.AddNode(ctx, n, true))

	newContent := value.Map(map[string]value.Value{"v": value.Int(2)})
	require.NoError(t, e.UpdateNode(ctx, n.ID, newContent, time.Unix(100, 0)))
	require.NoError(t, e.Checkpoint(ctx, n.ID, time.Unix(200, 0)))

	got, err := e.GetNode(ctx, n.ID, ptrTime(time.Unix(250, 0)))
	require.NoError(t, err)
	assert.True(t, value.Equal(got.Content, newContent))
}

func TestEngine_Compact_NilIDIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	assert.NoError(t, e.Compact(ctx, nil, time.Now()))
}

func TestEngine_Close_IsIdempotentAndRejectsFurtherWrites(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InMemory = true
	e, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	err = e.AddNode(context.Background(), testNode(coordinate.New(0, 1, 0)), true)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func ptrTime(t time.Time) *time.Time { return &t }
