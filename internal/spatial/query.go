// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package spatial

import (
	"container/heap"
	"sort"

	"github.com/cylindra-db/cylindra/coordinate"
	"github.com/cylindra-db/cylindra/model"
)

// RangeQuery returns every id whose point lies within query. A wrapping
// query rectangle is evaluated as the union of its two non-wrapping
// halves, with duplicate ids removed (spec.md §4.3, "angular handling").
func (t *Tree) RangeQuery(query coordinate.Rectangle) []model.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[model.ID]struct{})
	var out []model.ID
	for _, part := range query.SplitNonWrapping() {
		t.rangeQueryNode(t.root, part, seen, &out)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (t *Tree) rangeQueryNode(n *treeNode, query coordinate.Rectangle, seen map[model.ID]struct{}, out *[]model.ID) {
	for _, e := range n.entries {
		if !e.rect.Intersects(query) {
			continue
		}
		if n.leaf {
			if query.ContainsPoint(coordinate.Position{T: e.rect.TMin, R: e.rect.RMin, Theta: e.rect.ThetaMin}) {
				if _, dup := seen[e.id]; !dup {
					seen[e.id] = struct{}{}
					*out = append(*out, e.id)
				}
			}
			continue
		}
		t.rangeQueryNode(e.child, query, seen, out)
	}
}

func less(a, b model.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// candidate is one item in the best-first priority queue: either a
// subtree (to be expanded further) or a concrete point (a final result).
type candidate struct {
	key   float64 // MinDistSquared for subtrees, exact SquaredDistance for points
	node  *treeNode
	id    model.ID
	pos   coordinate.Position
	point bool
}

type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].key < h[j].key }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// EstimateSelectivity returns a rough fraction, in [0, 1], of indexed
// points that could fall within query, estimated from the overlap
// between query and the root's covering rectangle. The query planner
// (internal/queryindex) uses this to decide whether to probe the
// spatial or the temporal index first.
func (t *Tree) EstimateSelectivity(query coordinate.Rectangle) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.locations) == 0 {
		return 0
	}
	root := t.root.mbr()
	rootVol := root.Volume()
	if rootVol <= 0 {
		return 1
	}
	overlap := overlapVolume(root, query)
	frac := overlap / rootVol
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return frac
}

// overlapVolume approximates the volume of the intersection of a and b
// by clamping each axis span to its overlap; the θ axis is treated as
// non-wrapping for this estimate, and it is not split here, so a
// rectangle whose θ range wraps (ThetaMin > ThetaMax) gets zero θ
// overlap.
func overlapVolume(a, b coordinate.Rectangle) float64 {
	tSpan := axisOverlap(a.TMin, a.TMax, b.TMin, b.TMax)
	rSpan := axisOverlap(a.RMin, a.RMax, b.RMin, b.RMax)
	thetaSpan := axisOverlap(a.ThetaMin, a.ThetaMax, b.ThetaMin, b.ThetaMax)
	return tSpan * rSpan * thetaSpan
}

func axisOverlap(aMin, aMax, bMin, bMax float64) float64 {
	lo := aMin
	if bMin > lo {
		lo = bMin
	}
	hi := aMax
	if bMax < hi {
		hi = bMax
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// NearestNeighbors returns up to k ids closest to probe under w, nearest
// first, using best-first search: a priority queue ordered by each
// candidate's lower-bound distance, so a subtree is only expanded if it
// could still beat the current k-th best result (spec.md §4.3,
// "k-nearest-neighbor").
//
// accept, if non-nil, is checked against each candidate point before it
// counts toward k; a rejected point is dropped without ending the search,
// so the best-first expansion keeps going until k accepted points are
// found or no remaining subtree could beat the current k-th best (spec.md
// §4.5 rule 3: reject outside-predicate candidates before they count
// against the k-best heap, rather than truncating to k first and
// filtering after).
func (t *Tree) NearestNeighbors(probe coordinate.Position, k int, w coordinate.Weights, accept func(model.ID, coordinate.Position) bool) []model.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if k <= 0 || len(t.locations) == 0 {
		return nil
	}

	pq := &candidateHeap{{key: t.root.mbr().MinDistSquared(probe, w), node: t.root}}
	heap.Init(pq)

	var result []model.ID
	for pq.Len() > 0 && len(result) < k {
		top := heap.Pop(pq).(candidate)
		if top.point {
			if accept != nil && !accept(top.id, top.pos) {
				continue
			}
			result = append(result, top.id)
			continue
		}
		for _, e := range top.node.entries {
			if top.node.leaf {
				pos := coordinate.Position{T: e.rect.TMin, R: e.rect.RMin, Theta: e.rect.ThetaMin}
				d := coordinate.SquaredDistance(probe, pos, w)
				heap.Push(pq, candidate{key: d, id: e.id, pos: pos, point: true})
			} else {
				heap.Push(pq, candidate{key: e.rect.MinDistSquared(probe, w), node: e.child})
			}
		}
	}
	return result
}
