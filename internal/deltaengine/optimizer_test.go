// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deltaengine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

func TestOptimizer_RetentionWatermark_EmptyIsMax(t *testing.T) {
	e := newTestEngine(t)
	o := NewOptimizer(e)
	assert.Equal(t, int64(math.MaxInt64), o.retentionWatermark())
}

func TestOptimizer_BeginRead_NarrowsWatermark(t *testing.T) {
	e := newTestEngine(t)
	o := NewOptimizer(e)

	h1 := o.BeginRead(500)
	h2 := o.BeginRead(200)
	assert.Equal(t, int64(200), o.retentionWatermark())

	h2.Release()
	assert.Equal(t, int64(500), o.retentionWatermark())

	h1.Release()
}

func TestOptimizer_Checkpoint_PrunesUpToWatermark(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	o := NewOptimizer(e)
	nodeID := model.NewID()

	v0 := value.Int(0)
	v1 := value.Int(1)
	v2 := value.Int(2)

	_, err := e.Append(ctx, nodeID, v0, v1, time.Unix(10, 0))
	require.NoError(t, err)
	_, err = e.Append(ctx, nodeID, v1, v2, time.Unix(20, 0))
	require.NoError(t, err)

	// An in-flight reader replaying toward t=10 should prevent pruning the
	// delta recorded at t=10 or later.
	reader := o.BeginRead(time.Unix(10, 0).UnixNano())

	pruned, err := o.Checkpoint(ctx, nodeID, v0, time.Unix(30, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, pruned, "pruning must be held back by the outstanding reader watermark")

	reader.Release()

	pruned, err = o.Checkpoint(ctx, nodeID, v0, time.Unix(30, 0))
	require.NoError(t, err)
	assert.Positive(t, pruned, "once the reader releases, the checkpoint can reclaim its deltas")
}

func TestOptimizer_Checkpoint_PersistsReconstructedContent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	o := NewOptimizer(e)
	nodeID := model.NewID()

	v0 := value.Int(0)
	v1 := value.Int(1)
	_, err := e.Append(ctx, nodeID, v0, v1, time.Unix(10, 0))
	require.NoError(t, err)

	_, err = o.Checkpoint(ctx, nodeID, v0, time.Unix(20, 0))
	require.NoError(t, err)

	cp, found, err := e.deltas.LatestCheckpoint(ctx, nodeID, time.Unix(20, 0).UnixNano())
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, value.Equal(cp.Content, v1))
}
