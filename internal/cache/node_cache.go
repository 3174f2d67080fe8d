// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cylindra-db/cylindra/model"
)

var (
	nodeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cylindra_node_cache_hits_total",
		Help: "Node cache hits.",
	})
	nodeCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cylindra_node_cache_misses_total",
		Help: "Node cache misses.",
	})
	stateCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cylindra_state_cache_hits_total",
		Help: "Reconstructed-state cache hits.",
	})
	stateCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cylindra_state_cache_misses_total",
		Help: "Reconstructed-state cache misses.",
	})
)

// NodeCache caches fully materialized nodes by id, reducing repeat
// node store + checksum-verification round trips for hot ids (spec.md
// §4.7, "Node cache").
type NodeCache struct {
	lru *LRU[model.ID, model.Node]
}

// NewNodeCache builds a node cache holding up to capacity nodes.
func NewNodeCache(capacity int) *NodeCache {
	return &NodeCache{lru: NewLRU[model.ID, model.Node](capacity)}
}

// Get returns the cached node for id, if present.
func (c *NodeCache) Get(id model.ID) (model.Node, bool) {
	n, ok := c.lru.Get(id)
	if ok {
		nodeCacheHits.Inc()
	} else {
		nodeCacheMisses.Inc()
	}
	return n, ok
}

// Put stores n, keyed by its own id.
func (c *NodeCache) Put(n model.Node) {
	c.lru.Set(n.ID, n)
}

// Invalidate drops id from the cache, called whenever the node is
// updated or deleted so a stale copy is never served.
func (c *NodeCache) Invalidate(id model.ID) {
	c.lru.Delete(id)
}

// Purge clears the cache, used on full re-index.
func (c *NodeCache) Purge() { c.lru.Purge() }

// Len returns the number of cached nodes.
func (c *NodeCache) Len() int { return c.lru.Len() }

// stateKey identifies a reconstructed-content cache entry: a node at a
// specific point in its delta chain (the chain's current head, unless
// the caller asked for state_at a historical timestamp).
type stateKey struct {
	nodeID    model.ID
	headDelta model.ID
}

// StateCache memoizes the reconstructor's most expensive output: a
// node's content after replaying its delta chain from the latest
// checkpoint (spec.md §4.6.3, "reconstruction"). Keyed by (node id, head
// delta id); see InvalidateNode for how entries are dropped.
type StateCache struct {
	lru *LRU[stateKey, interface{}]
}

// NewStateCache builds a state cache holding up to capacity entries.
func NewStateCache(capacity int) *StateCache {
	return &StateCache{lru: NewLRU[stateKey, interface{}](capacity)}
}

// Get returns the cached reconstructed content for (nodeID, headDelta).
func (c *StateCache) Get(nodeID, headDelta model.ID) (interface{}, bool) {
	v, ok := c.lru.Get(stateKey{nodeID, headDelta})
	if ok {
		stateCacheHits.Inc()
	} else {
		stateCacheMisses.Inc()
	}
	return v, ok
}

// Put stores content for (nodeID, headDelta).
func (c *StateCache) Put(nodeID, headDelta model.ID, content interface{}) {
	c.lru.Set(stateKey{nodeID, headDelta}, content)
}

// InvalidateNode drops every cached entry for nodeID. The generic LRU
// doesn't index by nodeID alone, so it purges the whole cache rather
// than scanning for matching keys. The delta engine calls it after every
// append (ConfirmAppend) and on node deletion (DropHead), so each of
// those empties the state cache.
func (c *StateCache) InvalidateNode(nodeID model.ID) {
	c.lru.Purge()
}

// Purge clears the cache.
func (c *StateCache) Purge() { c.lru.Purge() }

// Len returns the number of cached entries.
func (c *StateCache) Len() int { return c.lru.Len() }
