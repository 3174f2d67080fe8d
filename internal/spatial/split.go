// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package spatial

import (
	"math"
	"sort"

	"github.com/cylindra-db/cylindra/coordinate"
)

// splitAndPropagate splits the overflowing node at the end of path into
// two, then walks back up the path splitting any ancestor that overflows
// as a result, per Guttman's Algorithm SplitNode/AdjustTree.
func (t *Tree) splitAndPropagate(path []pathStep) {
	for i := len(path) - 1; i >= 0; i-- {
		node := path[i].node
		if len(node.entries) <= t.maxE {
			break
		}
		a, b := quadraticSplit(node.entries, t.minE)
		node.entries = a
		newNode := &treeNode{leaf: node.leaf, entries: b}

		if i == 0 {
			// Splitting the root: grow a new root over the two halves.
			t.root = &treeNode{
				leaf: false,
				entries: []entry{
					{rect: node.mbr(), child: node},
					{rect: newNode.mbr(), child: newNode},
				},
			}
			return
		}
		parent := path[i-1].node
		parent.entries[path[i].index].rect = node.mbr()
		parent.entries = append(parent.entries, entry{rect: newNode.mbr(), child: newNode})
	}
	t.adjustPath(path)
}

// quadraticSplit implements Guttman's quadratic-cost split algorithm:
// pick the pair of entries whose combined rectangle wastes the most
// area (the "seeds"), then repeatedly assign the remaining entry with
// the strongest preference for one group over the other, until minE is
// guaranteed on both sides.
func quadraticSplit(entries []entry, minE int) ([]entry, []entry) {
	seedA, seedB := pickSeeds(entries)
	groupA := []entry{entries[seedA]}
	groupB := []entry{entries[seedB]}
	rectA := entries[seedA].rect
	rectB := entries[seedB].rect

	remaining := make([]entry, 0, len(entries)-2)
	for i, e := range entries {
		if i == seedA || i == seedB {
			continue
		}
		remaining = append(remaining, e)
	}

	for len(remaining) > 0 {
		// If one group is so small that all remaining entries must go to
		// it to satisfy minE, assign them all at once.
		if len(groupA)+len(remaining) <= minE {
			groupA = append(groupA, remaining...)
			remaining = nil
			break
		}
		if len(groupB)+len(remaining) <= minE {
			groupB = append(groupB, remaining...)
			remaining = nil
			break
		}

		pick, preferA := pickNext(remaining, rectA, rectB)
		chosen := remaining[pick]
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		if preferA {
			groupA = append(groupA, chosen)
			rectA = rectA.Merge(chosen.rect)
		} else {
			groupB = append(groupB, chosen)
			rectB = rectB.Merge(chosen.rect)
		}
	}
	return groupA, groupB
}

// pickSeeds finds the pair of entries (i, j) whose merged rectangle's
// Volume() minus the sum of their individual volumes (the "dead space")
// is largest: the pair that would waste the most area if forced into the
// same group.
func pickSeeds(entries []entry) (int, int) {
	bestI, bestJ := 0, 1
	bestWaste := math.Inf(-1)
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			merged := entries[i].rect.Merge(entries[j].rect)
			waste := merged.Volume() - entries[i].rect.Volume() - entries[j].rect.Volume()
			if waste > bestWaste {
				bestWaste = waste
				bestI, bestJ = i, j
			}
		}
	}
	return bestI, bestJ
}

// pickNext chooses which remaining entry has the strongest preference for
// one group over the other (the largest difference in enlargement cost),
// and which group it prefers.
func pickNext(remaining []entry, rectA, rectB coordinate.Rectangle) (int, bool) {
	bestIdx := 0
	bestDiff := math.Inf(-1)
	preferA := true
	for i, e := range remaining {
		growA := rectA.Merge(e.rect).Volume() - rectA.Volume()
		growB := rectB.Merge(e.rect).Volume() - rectB.Volume()
		diff := math.Abs(growA - growB)
		if diff > bestDiff {
			bestDiff = diff
			bestIdx = i
			preferA = growA < growB
		}
	}
	return bestIdx, preferA
}

// forcedReinsert implements the R*-tree forced reinsertion heuristic:
// instead of splitting immediately on overflow, remove the
// Tree.reinsN entries farthest from the node's center (by weighted
// squared distance) and reinsert them top-down. The count removed is
// capped so the node keeps at least MinEntries; when that cap leaves
// nothing to remove, the node is split instead.
func (t *Tree) forcedReinsert(path []pathStep) {
	node := path[len(path)-1].node
	center := centerOf(node.mbr())

	type scored struct {
		e    entry
		dist float64
	}
	scoredEntries := make([]scored, len(node.entries))
	for i, e := range node.entries {
		p := centerOf(e.rect)
		scoredEntries[i] = scored{e: e, dist: coordinate.SquaredDistance(center, p, t.weights)}
	}
	sort.Slice(scoredEntries, func(i, j int) bool { return scoredEntries[i].dist > scoredEntries[j].dist })

	n := t.reinsN
	if n > len(scoredEntries)-t.minE {
		n = len(scoredEntries) - t.minE
	}
	if n <= 0 {
		t.splitAndPropagate(path)
		return
	}

	toReinsert := make([]entry, n)
	kept := make([]entry, 0, len(scoredEntries)-n)
	for i, s := range scoredEntries {
		if i < n {
			toReinsert[i] = s.e
		} else {
			kept = append(kept, s.e)
		}
	}
	node.entries = kept
	t.adjustPath(path)

	for _, e := range toReinsert {
		if e.child != nil {
			t.reinsertSubtree(e.child)
		} else {
			t.insertLocked(e.id, e.rect, false)
		}
	}
}

// centerOf returns the midpoint position of a rectangle, using the
// shorter arc's midpoint for the θ axis so the center stays meaningful
// across the wrap boundary.
func centerOf(r coordinate.Rectangle) coordinate.Position {
	t := (r.TMin + r.TMax) / 2
	rad := (r.RMin + r.RMax) / 2
	var theta float64
	if r.ThetaMin <= r.ThetaMax {
		theta = (r.ThetaMin + r.ThetaMax) / 2
	} else {
		theta = coordinate.NormalizeTheta((r.ThetaMin + r.ThetaMax + coordinate.TwoPi) / 2)
	}
	return coordinate.Position{T: t, R: rad, Theta: theta}
}
