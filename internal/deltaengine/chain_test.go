// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deltaengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/internal/badgerkv"
	"github.com/cylindra-db/cylindra/internal/cache"
	"github.com/cylindra-db/cylindra/internal/deltastore"
	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := badgerkv.OpenDB(badgerkv.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := deltastore.Open(db, deltastore.DefaultConfig())
	states := cache.NewStateCache(16)
	return New(store, states)
}

func TestEngine_Append_NoChangeReturnsErrNoChange(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	nodeID := model.NewID()
	content := value.Map(map[string]value.Value{"x": value.Int(1)})

	_, err := e.Append(ctx, nodeID, content, content, time.Now())
	assert.ErrorIs(t, err, ErrNoChange)
}

func TestEngine_Append_BuildsValidChain(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	nodeID := model.NewID()

	v0 := value.Map(map[string]value.Value{"x": value.Int(1)})
	v1 := value.Map(map[string]value.Value{"x": value.Int(2)})
	v2 := value.Map(map[string]value.Value{"x": value.Int(2), "y": value.String("z")})

	t0 := time.Unix(0, 1000)
	t1 := time.Unix(0, 2000)

	rec1, err := e.Append(ctx, nodeID, v0, v1, t0)
	require.NoError(t, err)
	assert.Nil(t, rec1.PreviousDeltaID)

	rec2, err := e.Append(ctx, nodeID, v1, v2, t1)
	require.NoError(t, err)
	require.NotNil(t, rec2.PreviousDeltaID)
	assert.Equal(t, rec1.DeltaID, *rec2.PreviousDeltaID)

	head, err := e.Head(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, rec2.DeltaID, head.DeltaID)
}

func TestEngine_StateAt_ReconstructsHistoricalState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	nodeID := model.NewID()

	v0 := value.Map(map[string]value.Value{"x": value.Int(1)})
	v1 := value.Map(map[string]value.Value{"x": value.Int(2)})
	v2 := value.Map(map[string]value.Value{"x": value.Int(3)})

	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)

	_, err := e.Append(ctx, nodeID, v0, v1, t0)
	require.NoError(t, err)
	_, err = e.Append(ctx, nodeID, v1, v2, t1)
	require.NoError(t, err)

	// Before any delta: origin content.
	got, err := e.StateAt(ctx, nodeID, v0, time.Unix(50, 0).UnixNano())
	require.NoError(t, err)
	assert.True(t, value.Equal(got, v0))

	// Between the two deltas: only the first applied.
	got, err = e.StateAt(ctx, nodeID, v0, time.Unix(150, 0).UnixNano())
	require.NoError(t, err)
	assert.True(t, value.Equal(got, v1))

	// After both: fully caught up.
	got, err = e.StateAt(ctx, nodeID, v0, time.Unix(300, 0).UnixNano())
	require.NoError(t, err)
	assert.True(t, value.Equal(got, v2))
}

// TestEngine_StateAt_ConcurrentCallsCoalesceAndAgree fires many concurrent
// StateAt calls at the same (node, timestamp) against a chain with no
// checkpoint, so every call misses the state cache and would otherwise
// independently replay the whole chain. All calls must still observe the
// same reconstructed value.
func TestEngine_StateAt_ConcurrentCallsCoalesceAndAgree(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	nodeID := model.NewID()

	v0 := value.Map(map[string]value.Value{"x": value.Int(1)})
	v1 := value.Map(map[string]value.Value{"x": value.Int(2)})
	v2 := value.Map(map[string]value.Value{"x": value.Int(3)})

	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)

	_, err := e.Append(ctx, nodeID, v0, v1, t0)
	require.NoError(t, err)
	_, err = e.Append(ctx, nodeID, v1, v2, t1)
	require.NoError(t, err)

	const callers = 32
	at := time.Unix(150, 0).UnixNano()

	var wg sync.WaitGroup
	results := make([]value.Value, callers)
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.StateAt(ctx, nodeID, v0, at)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, value.Equal(results[i], v1), "caller %d got a divergent reconstruction", i)
	}
}

func TestEngine_DropHead_ClearsCachedHead(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	nodeID := model.NewID()

	v0 := value.Int(1)
	v1 := value.Int(2)
	_, err := e.Append(ctx, nodeID, v0, v1, time.Unix(1, 0))
	require.NoError(t, err)

	e.DropHead(nodeID)

	head, err := e.Head(ctx, nodeID)
	require.NoError(t, err)
	assert.True(t, head.HasDelta, "head should be reloaded from storage after a dropped cache entry")
}
