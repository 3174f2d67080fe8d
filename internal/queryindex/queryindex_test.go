// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queryindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/coordinate"
	"github.com/cylindra-db/cylindra/internal/spatial"
	"github.com/cylindra-db/cylindra/internal/temporal"
	"github.com/cylindra-db/cylindra/model"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	sp := spatial.New(spatial.DefaultConfig())
	tm, err := temporal.New(10)
	require.NoError(t, err)
	return New(sp, tm)
}

func TestIndex_Query_RejectsEmptyPredicate(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Query(context.Background(), Predicate{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestIndex_Query_RejectsNearestWithoutK(t *testing.T) {
	idx := newTestIndex(t)
	pos := coordinate.New(0, 0, 0)
	_, err := idx.Query(context.Background(), Predicate{NearestTo: &pos})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestIndex_Query_SpatialAndTemporalCombined(t *testing.T) {
	idx := newTestIndex(t)

	match := model.NewID()
	wrongTime := model.NewID()
	wrongSpace := model.NewID()

	idx.Insert(match, coordinate.New(5, 5, 0))
	idx.Insert(wrongTime, coordinate.New(500, 5, 0))
	idx.Insert(wrongSpace, coordinate.New(5, 500, 0))

	rect := coordinate.Rectangle{
		TMin: 0, TMax: 10,
		RMin: 0, RMax: 10,
		ThetaMin: 0, ThetaMax: coordinate.TwoPi,
	}
	pred := Predicate{
		SpatialRect: &rect,
		TimeRange:   &TimeRange{Min: 0, Max: 10},
	}

	got, err := idx.Query(context.Background(), pred)
	require.NoError(t, err)
	assert.Contains(t, got, match)
	assert.NotContains(t, got, wrongTime)
	assert.NotContains(t, got, wrongSpace)
}

func TestIndex_Query_NearestTo(t *testing.T) {
	idx := newTestIndex(t)

	near := model.NewID()
	far := model.NewID()
	idx.Insert(near, coordinate.New(1, 1, 0))
	idx.Insert(far, coordinate.New(1000, 1000, 0))

	probe := coordinate.New(1, 1, 0)
	pred := Predicate{NearestTo: &probe, K: 1, Weights: coordinate.DefaultWeights()}

	got, err := idx.Query(context.Background(), pred)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near, got[0])
}

func TestIndex_Query_NearestTo_WithTimeRange_RejectsBeforeCountingAgainstK(t *testing.T) {
	idx := newTestIndex(t)

	// Zero out the T-axis weight so spatial closeness alone drives the
	// best-first ranking; the decoys below are spatially nearest to the
	// probe yet fall outside the time range, and must not consume any of
	// the k slots intended for ids that satisfy both predicates.
	weights := coordinate.Weights{T: 0, R: 1, A: 1}

	var decoys, matches []model.ID
	for _, r := range []float64{0.1, 0.2, 0.3} {
		id := model.NewID()
		idx.Insert(id, coordinate.New(1000, r, 0))
		decoys = append(decoys, id)
	}
	for _, ts := range []float64{45, 50, 55} {
		id := model.NewID()
		idx.Insert(id, coordinate.New(ts, 5, 0))
		matches = append(matches, id)
	}

	probe := coordinate.New(50, 0, 0)
	pred := Predicate{
		NearestTo: &probe,
		K:         3,
		Weights:   weights,
		TimeRange: &TimeRange{Min: 40, Max: 60},
	}

	got, err := idx.Query(context.Background(), pred)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, id := range got {
		assert.Contains(t, matches, id)
		assert.NotContains(t, decoys, id)
	}
}

func TestIndex_Query_DeadlineExceeded(t *testing.T) {
	idx := newTestIndex(t)
	idx.Insert(model.NewID(), coordinate.New(1, 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rect := coordinate.Point(coordinate.New(1, 1, 0))
	_, err := idx.Query(ctx, Predicate{SpatialRect: &rect})
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
}

func TestIndex_DeleteRemovesFromBothIndexes(t *testing.T) {
	idx := newTestIndex(t)
	id := model.NewID()
	idx.Insert(id, coordinate.New(1, 1, 0))

	require.NoError(t, idx.Delete(id))

	rect := coordinate.Rectangle{
		TMin: -1000, TMax: 1000,
		RMin: 0, RMax: 1000,
		ThetaMin: 0, ThetaMax: coordinate.TwoPi,
	}
	got, err := idx.Query(context.Background(), Predicate{SpatialRect: &rect})
	require.NoError(t, err)
	assert.NotContains(t, got, id)
}
