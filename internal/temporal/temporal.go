// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package temporal implements the bucketed temporal index: nodes are
// grouped into buckets of ⌊t/resolution⌋, so a time-range query only has
// to scan the buckets its range overlaps rather than every node
// (spec.md §4.4).
package temporal

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/cylindra-db/cylindra/model"
)

// ErrNotFound indicates the id is not present in the index.
var ErrNotFound = errors.New("temporal: not found")

// ErrInvalidResolution indicates a non-positive bucket resolution.
var ErrInvalidResolution = errors.New("temporal: resolution must be positive")

// bucketOf computes ⌊t/resolution⌋.
func bucketOf(t, resolution float64) int64 {
	return int64(math.Floor(t / resolution))
}

// entry pairs a timestamp with the insertion sequence number assigned
// when it was indexed, so Range and Latest can tie-break equal
// timestamps by insertion order rather than id (spec.md §4.4, "within a
// bucket, ids are ordered by insertion sequence for determinism in
// latest(k)").
type entry struct {
	t   float64
	seq uint64
}

// Index is the bucketed temporal index.
type Index struct {
	mu         sync.RWMutex
	resolution float64
	nextSeq    uint64
	buckets    map[int64]map[model.ID]entry // bucket -> id -> entry
	locations  map[model.ID]entry           // id -> entry, for Update/Delete/FindExact
}

// New builds an empty index with the given bucket resolution (spec.md
// §6's temporal_resolution config field).
func New(resolution float64) (*Index, error) {
	if resolution <= 0 {
		return nil, ErrInvalidResolution
	}
	return &Index{
		resolution: resolution,
		buckets:    make(map[int64]map[model.ID]entry),
		locations:  make(map[model.ID]entry),
	}, nil
}

// Len returns the number of indexed points.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.locations)
}

// FindExact returns the timestamp currently indexed for id.
func (idx *Index) FindExact(id model.ID) (float64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.locations[id]
	return e.t, ok
}

// Insert adds or moves id to timestamp t, assigning it a fresh insertion
// sequence number (a re-insertion via Update counts as a new insertion
// for tie-breaking purposes).
func (idx *Index) Insert(id model.ID, t float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
	idx.insertLocked(id, t)
}

// Update is an alias for Insert: both remove any existing entry for id
// and re-bucket it.
func (idx *Index) Update(id model.ID, t float64) {
	idx.Insert(id, t)
}

// Delete removes id from the index.
func (idx *Index) Delete(id model.ID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.locations[id]; !ok {
		return ErrNotFound
	}
	idx.removeLocked(id)
	return nil
}

func (idx *Index) insertLocked(id model.ID, t float64) {
	b := bucketOf(t, idx.resolution)
	bucket, ok := idx.buckets[b]
	if !ok {
		bucket = make(map[model.ID]entry)
		idx.buckets[b] = bucket
	}
	e := entry{t: t, seq: idx.nextSeq}
	idx.nextSeq++
	bucket[id] = e
	idx.locations[id] = e
}

func (idx *Index) removeLocked(id model.ID) {
	e, ok := idx.locations[id]
	if !ok {
		return
	}
	b := bucketOf(e.t, idx.resolution)
	if bucket, ok := idx.buckets[b]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(idx.buckets, b)
		}
	}
	delete(idx.locations, id)
}

// idAt pairs an id with its timestamp and insertion sequence, for ordered
// range results.
type idAt struct {
	id  model.ID
	t   float64
	seq uint64
}

// Range returns every id with tMin <= t <= tMax, ordered by ascending t
// (ties broken by insertion sequence, for deterministic pagination;
// spec.md §4.4).
func (idx *Index) Range(tMin, tMax float64) []model.ID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bMin := bucketOf(tMin, idx.resolution)
	bMax := bucketOf(tMax, idx.resolution)

	var matches []idAt
	for b, bucket := range idx.buckets {
		if b < bMin || b > bMax {
			continue
		}
		for id, e := range bucket {
			if e.t >= tMin && e.t <= tMax {
				matches = append(matches, idAt{id, e.t, e.seq})
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].t != matches[j].t {
			return matches[i].t < matches[j].t
		}
		return matches[i].seq < matches[j].seq
	})
	out := make([]model.ID, len(matches))
	for i, m := range matches {
		out[i] = m.id
	}
	return out
}

// EstimateSelectivity returns a rough fraction, in [0, 1], of indexed
// points with t in [tMin, tMax], estimated from the ratio of buckets the
// range spans to the buckets currently populated. The query planner
// (internal/queryindex) uses this to decide whether to probe the
// temporal or the spatial index first.
func (idx *Index) EstimateSelectivity(tMin, tMax float64) float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := len(idx.buckets)
	if total == 0 {
		return 0
	}
	bMin := bucketOf(tMin, idx.resolution)
	bMax := bucketOf(tMax, idx.resolution)
	matching := 0
	for b := range idx.buckets {
		if b >= bMin && b <= bMax {
			matching++
		}
	}
	return float64(matching) / float64(total)
}

// Latest returns the k ids with the largest t, newest first (ties broken
// by insertion sequence, per the same rule as Range).
func (idx *Index) Latest(k int) []model.ID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if k <= 0 {
		return nil
	}
	matches := make([]idAt, 0, len(idx.locations))
	for id, e := range idx.locations {
		matches = append(matches, idAt{id, e.t, e.seq})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].t != matches[j].t {
			return matches[i].t > matches[j].t
		}
		return matches[i].seq < matches[j].seq
	})
	if k > len(matches) {
		k = len(matches)
	}
	out := make([]model.ID, k)
	for i := 0; i < k; i++ {
		out[i] = matches[i].id
	}
	return out
}
