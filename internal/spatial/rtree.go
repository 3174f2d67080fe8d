// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package spatial implements the in-memory R-tree over (t, r, θ) minimum
// bounding rectangles that backs range and k-nearest-neighbor queries
// (spec.md §4.3). Splitting uses Guttman's quadratic-cost algorithm;
// overflow is first handled by a single round of R*-style forced
// reinsertion per insert before falling back to a split, which keeps the
// tree's average fanout higher than plain quadratic-split alone.
//
// A wrapping query rectangle (θMin > θMax) is split into two
// non-wrapping halves before it is ever compared against a node's MBR
// (coordinate.Rectangle.SplitNonWrapping), so every comparison in this
// package is a plain, non-wrapping interval test.
package spatial

import (
	"errors"
	"sync"

	"github.com/cylindra-db/cylindra/coordinate"
	"github.com/cylindra-db/cylindra/model"
)

// ErrNotFound indicates the id is not present in the index.
var ErrNotFound = errors.New("spatial: not found")

const (
	defaultMinEntries     = 2
	defaultMaxEntries      = 8
	defaultReinsertCount   = 3 // "p" in R*-tree terminology
)

// entry is one slot in a node: either a leaf entry (an id and its point
// rectangle) or an internal entry (a child subtree and its covering MBR).
type entry struct {
	rect  coordinate.Rectangle
	id    model.ID
	child *treeNode
}

// treeNode is an R-tree node. Leaves hold only leaf entries; internal
// nodes hold only child entries.
type treeNode struct {
	leaf    bool
	entries []entry
}

func (n *treeNode) mbr() coordinate.Rectangle {
	if len(n.entries) == 0 {
		return coordinate.Rectangle{}
	}
	r := n.entries[0].rect
	for _, e := range n.entries[1:] {
		r = r.Merge(e.rect)
	}
	return r
}

// pathStep records where a node sits within its parent, for bottom-up
// adjustment after an insert or deletion.
type pathStep struct {
	node  *treeNode
	index int // this node's entry index within path[i-1].node, -1 at the root
}

// Tree is an in-memory R-tree indexing node positions by their minimum
// bounding rectangle (a degenerate, zero-volume rectangle for a single
// position).
type Tree struct {
	mu      sync.RWMutex
	root    *treeNode
	minE    int
	maxE    int
	reinsN  int
	weights coordinate.Weights

	locations map[model.ID]coordinate.Rectangle
}

// Config configures fanout and the reinsertion count.
type Config struct {
	MinEntries     int
	MaxEntries     int
	ReinsertCount  int
	Weights        coordinate.Weights
}

// DefaultConfig returns fanout bounds of 2 to 8 entries per node, a
// reinsert count of 3, and the default distance weights.
func DefaultConfig() Config {
	return Config{
		MinEntries:    defaultMinEntries,
		MaxEntries:    defaultMaxEntries,
		ReinsertCount: defaultReinsertCount,
		Weights:       coordinate.DefaultWeights(),
	}
}

// New builds an empty tree.
func New(cfg Config) *Tree {
	if cfg.MaxEntries == 0 {
		cfg = DefaultConfig()
	}
	return &Tree{
		root:      &treeNode{leaf: true},
		minE:      cfg.MinEntries,
		maxE:      cfg.MaxEntries,
		reinsN:    cfg.ReinsertCount,
		weights:   cfg.Weights,
		locations: make(map[model.ID]coordinate.Rectangle),
	}
}

// Len returns the number of indexed points.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.locations)
}

// FindExact returns the rectangle currently indexed for id.
func (t *Tree) FindExact(id model.ID) (coordinate.Rectangle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.locations[id]
	return r, ok
}

// Insert adds id at rect. Inserting an id that already exists first
// removes its old entry (Insert is used as the Update primitive too).
func (t *Tree) Insert(id model.ID, rect coordinate.Rectangle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.locations[id]; ok {
		t.deleteLocked(id, old)
	}
	t.insertLocked(id, rect, true)
	t.locations[id] = rect
}

// Update moves id from its current rectangle to newRect. If id is not
// present, it is inserted at newRect.
func (t *Tree) Update(id model.ID, newRect coordinate.Rectangle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.locations[id]; ok {
		t.deleteLocked(id, old)
	}
	t.insertLocked(id, newRect, true)
	t.locations[id] = newRect
}

// Delete removes id from the index.
func (t *Tree) Delete(id model.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rect, ok := t.locations[id]
	if !ok {
		return ErrNotFound
	}
	t.deleteLocked(id, rect)
	delete(t.locations, id)
	return nil
}

// insertLocked inserts a leaf entry, applying forced reinsertion (once,
// when allowReinsert) before falling back to a split on overflow.
func (t *Tree) insertLocked(id model.ID, rect coordinate.Rectangle, allowReinsert bool) {
	path := t.chooseLeaf(rect)
	leaf := path[len(path)-1].node
	leaf.entries = append(leaf.entries, entry{rect: rect, id: id})
	t.adjustPath(path)

	if len(leaf.entries) <= t.maxE {
		return
	}
	if allowReinsert && t.reinsN > 0 && len(leaf.entries) > t.maxE {
		t.forcedReinsert(path)
		return
	}
	t.splitAndPropagate(path)
}

// chooseLeaf descends from the root picking, at each level, the child
// whose MBR needs the least enlargement to cover rect (ties broken by
// smaller resulting volume), per Guttman's ChooseLeaf.
func (t *Tree) chooseLeaf(rect coordinate.Rectangle) []pathStep {
	path := []pathStep{{node: t.root, index: -1}}
	n := t.root
	for !n.leaf {
		best := -1
		var bestEnlarge, bestVolume float64
		for i, e := range n.entries {
			merged := e.rect.Merge(rect)
			enlarge := merged.Volume() - e.rect.Volume()
			if best == -1 || enlarge < bestEnlarge || (enlarge == bestEnlarge && merged.Volume() < bestVolume) {
				best = i
				bestEnlarge = enlarge
				bestVolume = merged.Volume()
			}
		}
		child := n.entries[best].child
		path = append(path, pathStep{node: child, index: best})
		n = child
	}
	return path
}

// adjustPath enlarges each ancestor's covering entry to include its
// child's current MBR, walking from the leaf back to the root.
func (t *Tree) adjustPath(path []pathStep) {
	for i := len(path) - 1; i > 0; i-- {
		child := path[i].node
		parent := path[i-1].node
		parent.entries[path[i].index].rect = child.mbr()
	}
}

// deleteLocked removes the leaf entry matching (id, rect) and condenses
// the tree, reinserting orphaned entries from underflowing nodes.
func (t *Tree) deleteLocked(id model.ID, rect coordinate.Rectangle) {
	path, idx := t.findLeafPath(t.root, []pathStep{{node: t.root, index: -1}}, id, rect)
	if path == nil {
		return
	}
	leaf := path[len(path)-1].node
	leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)

	var orphans []entry
	for i := len(path) - 1; i > 0; i-- {
		node := path[i].node
		parent := path[i-1].node
		if len(node.entries) < t.minE && node != t.root {
			parent.entries = append(parent.entries[:path[i].index], parent.entries[path[i].index+1:]...)
			orphans = append(orphans, flatten(node)...)
			// Removing an entry shifts later indices in parent; the path
			// entries above parent already recorded their own indices
			// relative to parent's state before this removal; to keep
			// this correct for the remaining ancestors we must also
			// compensate for the shift. Since we only read parent.entries
			// by index at i-1, and i decreases, all higher ancestors'
			// recorded indices refer to positions within their own
			// parents (not this one), so no further compensation is
			// needed here except for re-deriving parent's own MBR next.
		} else if node != t.root {
			parent.entries[path[i].index].rect = node.mbr()
		}
	}

	if !t.root.leaf && len(t.root.entries) == 1 {
		t.root = t.root.entries[0].child
	}

	for _, o := range orphans {
		if o.child != nil {
			t.reinsertSubtree(o.child)
		} else {
			t.insertLocked(o.id, o.rect, false)
		}
	}
}

// reinsertSubtree re-inserts every leaf entry of a removed internal
// node's subtree individually, since the subtree's own internal
// structure no longer has a valid home at its old level.
func (t *Tree) reinsertSubtree(n *treeNode) {
	for _, e := range flatten(n) {
		t.insertLocked(e.id, e.rect, false)
	}
}

// flatten returns every leaf entry under n.
func flatten(n *treeNode) []entry {
	if n.leaf {
		out := make([]entry, len(n.entries))
		copy(out, n.entries)
		return out
	}
	var out []entry
	for _, e := range n.entries {
		out = append(out, flatten(e.child)...)
	}
	return out
}

// findLeafPath locates the leaf entry matching (id, rect), trying every
// node whose MBR could contain rect (multiple paths may, since sibling
// MBRs can overlap).
func (t *Tree) findLeafPath(n *treeNode, path []pathStep, id model.ID, rect coordinate.Rectangle) ([]pathStep, int) {
	if n.leaf {
		for i, e := range n.entries {
			if e.id == id {
				return path, i
			}
		}
		return nil, -1
	}
	for i, e := range n.entries {
		if !e.rect.Intersects(rect) && !e.rect.ContainsPoint(coordinate.Position{T: rect.TMin, R: rect.RMin, Theta: rect.ThetaMin}) {
			continue
		}
		childPath := append(append([]pathStep(nil), path...), pathStep{node: e.child, index: i})
		if found, idx := t.findLeafPath(e.child, childPath, id, rect); found != nil {
			return found, idx
		}
	}
	return nil, -1
}
