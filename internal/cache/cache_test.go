// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

func TestLRU_EvictsOldestOnOverflow(t *testing.T) {
	l := NewLRU[string, int](2)
	l.Set("a", 1)
	l.Set("b", 2)
	l.Set("c", 3)

	_, ok := l.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")

	v, ok := l.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = l.Get("c")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestLRU_GetRefreshesRecency(t *testing.T) {
	l := NewLRU[string, int](2)
	l.Set("a", 1)
	l.Set("b", 2)

	l.Get("a") // touch a, making b the least-recently-used
	l.Set("c", 3)

	_, ok := l.Get("b")
	assert.False(t, ok, "b should be evicted since a was touched more recently")

	_, ok = l.Get("a")
	assert.True(t, ok)
}

func TestLRU_DeleteAndPurge(t *testing.T) {
	l := NewLRU[string, int](4)
	l.Set("a", 1)
	l.Set("b", 2)

	assert.True(t, l.Delete("a"))
	assert.False(t, l.Delete("a"))

	l.Purge()
	assert.Equal(t, 0, l.Len())
}

func TestNodeCache_PutGetInvalidate(t *testing.T) {
	c := NewNodeCache(8)
	n := model.Node{ID: model.NewID(), Content: value.Int(1)}

	c.Put(n)
	got, ok := c.Get(n.ID)
	require.True(t, ok)
	assert.Equal(t, n.ID, got.ID)

	c.Invalidate(n.ID)
	_, ok = c.Get(n.ID)
	assert.False(t, ok)
}

func TestStateCache_KeyedByNodeAndHeadDelta(t *testing.T) {
	c := NewStateCache(8)
	nodeID := model.NewID()
	delta1 := model.NewID()
	delta2 := model.NewID()

	c.Put(nodeID, delta1, value.Int(1))
	v, ok := c.Get(nodeID, delta1)
	require.True(t, ok)
	assert.Equal(t, value.Int(1), v)

	_, ok = c.Get(nodeID, delta2)
	assert.False(t, ok, "a different head delta is a distinct cache entry")

	c.InvalidateNode(nodeID)
	_, ok = c.Get(nodeID, delta1)
	assert.False(t, ok)
}
