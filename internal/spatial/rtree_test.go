// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/coordinate"
	"github.com/cylindra-db/cylindra/model"
)

func newTestTree() *Tree {
	return New(DefaultConfig())
}

func TestTree_InsertFindExactDelete(t *testing.T) {
	tr := newTestTree()
	id := model.NewID()
	rect := coordinate.Point(coordinate.New(1, 2, 0))

	tr.Insert(id, rect)
	assert.Equal(t, 1, tr.Len())

	got, ok := tr.FindExact(id)
	require.True(t, ok)
	assert.Equal(t, rect, got)

	require.NoError(t, tr.Delete(id))
	assert.Equal(t, 0, tr.Len())

	_, ok = tr.FindExact(id)
	assert.False(t, ok)
}

func TestTree_DeleteMissingReturnsError(t *testing.T) {
	tr := newTestTree()
	err := tr.Delete(model.NewID())
	assert.Error(t, err)
}

func TestTree_RangeQuery(t *testing.T) {
	tr := newTestTree()

	inside := model.NewID()
	outside := model.NewID()
	tr.Insert(inside, coordinate.Point(coordinate.New(5, 5, 0)))
	tr.Insert(outside, coordinate.Point(coordinate.New(100, 100, 0)))

	query := coordinate.Rectangle{
		TMin: 0, TMax: 10,
		RMin: 0, RMax: 10,
		ThetaMin: 0, ThetaMax: coordinate.TwoPi,
	}
	got := tr.RangeQuery(query)
	assert.Contains(t, got, inside)
	assert.NotContains(t, got, outside)
}

func TestTree_NearestNeighbors(t *testing.T) {
	tr := newTestTree()

	near := model.NewID()
	far := model.NewID()
	tr.Insert(near, coordinate.Point(coordinate.New(1, 1, 0)))
	tr.Insert(far, coordinate.Point(coordinate.New(1000, 1000, 0)))

	probe := coordinate.New(1, 1, 0)
	got := tr.NearestNeighbors(probe, 1, coordinate.DefaultWeights(), nil)
	require.Len(t, got, 1)
	assert.Equal(t, near, got[0])
}

func TestTree_NearestNeighbors_AcceptFilterSkipsRejected(t *testing.T) {
	tr := newTestTree()

	near := model.NewID()
	mid := model.NewID()
	tr.Insert(near, coordinate.Point(coordinate.New(1, 1, 0)))
	tr.Insert(mid, coordinate.Point(coordinate.New(5, 5, 0)))

	probe := coordinate.New(1, 1, 0)
	reject := func(id model.ID, _ coordinate.Position) bool { return id != near }
	got := tr.NearestNeighbors(probe, 1, coordinate.DefaultWeights(), reject)
	require.Len(t, got, 1)
	assert.Equal(t, mid, got[0])
}

func TestTree_InsertManySurvivesSplits(t *testing.T) {
	cfg := Config{MinEntries: 2, MaxEntries: 4, ReinsertCount: 1, Weights: coordinate.DefaultWeights()}
	tr := New(cfg)

	ids := make([]model.ID, 0, 50)
	for i := 0; i < 50; i++ {
		id := model.NewID()
		ids = append(ids, id)
		tr.Insert(id, coordinate.Point(coordinate.New(float64(i), float64(i), 0)))
	}
	assert.Equal(t, 50, tr.Len())

	for _, id := range ids {
		_, ok := tr.FindExact(id)
		assert.True(t, ok)
	}
}
