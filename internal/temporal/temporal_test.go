// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package temporal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/model"
)

func TestNew_RejectsNonPositiveResolution(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidResolution)

	_, err = New(-1)
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestIndex_InsertFindExactDelete(t *testing.T) {
	idx, err := New(10)
	require.NoError(t, err)

	id := model.NewID()
	idx.Insert(id, 42)
	assert.Equal(t, 1, idx.Len())

	got, ok := idx.FindExact(id)
	require.True(t, ok)
	assert.Equal(t, 42.0, got)

	require.NoError(t, idx.Delete(id))
	assert.Equal(t, 0, idx.Len())
}

func TestIndex_DeleteMissingReturnsError(t *testing.T) {
	idx, err := New(10)
	require.NoError(t, err)
	assert.ErrorIs(t, idx.Delete(model.NewID()), ErrNotFound)
}

func TestIndex_Range(t *testing.T) {
	idx, err := New(5)
	require.NoError(t, err)

	early := model.NewID()
	mid := model.NewID()
	late := model.NewID()
	idx.Insert(early, 0)
	idx.Insert(mid, 50)
	idx.Insert(late, 1000)

	got := idx.Range(10, 100)
	assert.Contains(t, got, mid)
	assert.NotContains(t, got, early)
	assert.NotContains(t, got, late)
}

func TestIndex_Update(t *testing.T) {
	idx, err := New(5)
	require.NoError(t, err)

	id := model.NewID()
	idx.Insert(id, 0)
	idx.Update(id, 100)

	got, ok := idx.FindExact(id)
	require.True(t, ok)
	assert.Equal(t, 100.0, got)

	assert.Empty(t, idx.Range(0, 10))
	assert.Contains(t, idx.Range(90, 110), id)
}

func TestIndex_Latest(t *testing.T) {
	idx, err := New(5)
	require.NoError(t, err)

	a := model.NewID()
	b := model.NewID()
	c := model.NewID()
	idx.Insert(a, 1)
	idx.Insert(b, 2)
	idx.Insert(c, 3)

	got := idx.Latest(2)
	require.Len(t, got, 2)
	assert.Equal(t, c, got[0])
	assert.Equal(t, b, got[1])
}

// TestIndex_Range_TiesBreakByInsertionOrder inserts ids with an equal
// timestamp in a deliberate order whose ids do NOT sort lexicographically
// the same way, so the test would fail under an id-lex tiebreak but pass
// under an insertion-sequence tiebreak.
func TestIndex_Range_TiesBreakByInsertionOrder(t *testing.T) {
	idx, err := New(10)
	require.NoError(t, err)

	var ids []model.ID
	for i := 0; i < 5; i++ {
		ids = append(ids, model.NewID())
	}
	for _, id := range ids {
		idx.Insert(id, 50)
	}

	got := idx.Range(0, 100)
	assert.Equal(t, ids, got)
}

func TestIndex_Latest_TiesBreakByInsertionOrder(t *testing.T) {
	idx, err := New(10)
	require.NoError(t, err)

	var ids []model.ID
	for i := 0; i < 5; i++ {
		ids = append(ids, model.NewID())
	}
	for _, id := range ids {
		idx.Insert(id, 50)
	}

	got := idx.Latest(5)
	assert.Equal(t, ids, got)
}

// TestIndex_Insert_ReassignsSequenceOnReinsert verifies a re-inserted id
// (e.g. via Update) is tie-broken by its new insertion position, not its
// original one.
func TestIndex_Insert_ReassignsSequenceOnReinsert(t *testing.T) {
	idx, err := New(10)
	require.NoError(t, err)

	first := model.NewID()
	second := model.NewID()
	idx.Insert(first, 50)
	idx.Insert(second, 50)
	// Re-inserting first at the same timestamp should move it after second
	// in tiebreak order, since it now has the later sequence number.
	idx.Insert(first, 50)

	got := idx.Range(0, 100)
	assert.Equal(t, []model.ID{second, first}, got)
}
