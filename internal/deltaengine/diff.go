// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package deltaengine turns a content change into the reversible
// Operation sequence a DeltaRecord carries (spec.md §4.6.1, "change
// detection"): a parallel walk of the old and new content trees, an
// LCS-based edit script for array elements, and a line-level unified
// diff (built by this package's own line LCS in textpatch.go) for string
// leaves that change.
package deltaengine

import (
	"strings"

	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

// textPatchMinLen is the byte-length floor (checked on both the old and
// the new string) below which a changed string
// leaf is recorded as a plain SetValue instead of a TextPatch: below this
// size the unified-diff envelope (headers, hunk markers) outweighs the
// savings over storing both values outright.
const textPatchMinLen = 64

// Diff compares oldContent and newContent and returns the ordered
// Operations that transform the former into the latter. An identical
// pair yields a nil, empty slice (spec.md §8, "diffing identical
// contents produces an empty-ops delta").
func Diff(oldContent, newContent value.Value) []model.Operation {
	var ops []model.Operation
	diffValue(nil, oldContent, newContent, &ops)
	return ops
}

func diffValue(path model.Path, oldV, newV value.Value, ops *[]model.Operation) {
	if value.Equal(oldV, newV) {
		return
	}

	oldMap, oldIsMap := oldV.AsMap()
	newMap, newIsMap := newV.AsMap()
	if oldIsMap && newIsMap {
		diffMap(path, oldMap, newMap, ops)
		return
	}

	oldArr, oldIsArr := oldV.AsArray()
	newArr, newIsArr := newV.AsArray()
	if oldIsArr && newIsArr {
		diffArray(path, oldArr, newArr, ops)
		return
	}

	oldStr, oldIsStr := oldV.AsString()
	newStr, newIsStr := newV.AsString()
	if oldIsStr && newIsStr && len(oldStr) >= textPatchMinLen && len(newStr) >= textPatchMinLen {
		*ops = append(*ops, model.TextPatchOp(clonePath(path), BuildTextPatch(oldStr, newStr)))
		return
	}

	*ops = append(*ops, model.SetValue(clonePath(path), newV, oldV))
}

func diffMap(path model.Path, oldMap, newMap map[string]value.Value, ops *[]model.Operation) {
	oldWrapped := value.Map(oldMap)
	newWrapped := value.Map(newMap)
	for _, k := range value.SortedKeys(oldWrapped) {
		oldChild := oldMap[k]
		newChild, stillPresent := newMap[k]
		childPath := append(clonePath(path), model.Field(k))
		if !stillPresent {
			*ops = append(*ops, model.DeleteValue(childPath, oldChild))
			continue
		}
		diffValue(childPath, oldChild, newChild, ops)
	}
	for _, k := range value.SortedKeys(newWrapped) {
		if _, existed := oldMap[k]; existed {
			continue
		}
		childPath := append(clonePath(path), model.Field(k))
		*ops = append(*ops, model.SetValue(childPath, newMap[k], value.Null()))
	}
}

// arrayEditKind is the LCS edit classification, generalized from string
// lines to arbitrary value.Value elements compared with value.Equal.
type arrayEditKind int

const (
	arrayEditEqual arrayEditKind = iota
	arrayEditInsert
	arrayEditDelete
)

type arrayEdit struct {
	kind arrayEditKind
	elem value.Value
}

// diffArray computes the minimal insert/delete edit script between two
// element slices via an LCS matrix (spec.md §4.6.1, "array diffing"),
// then replays it against a moving cursor to produce ArrayInsert/
// ArrayDelete operations whose indices are valid when applied in
// sequence (not indices into either original array).
func diffArray(path model.Path, oldArr, newArr []value.Value, ops *[]model.Operation) {
	edits := computeArrayEdits(oldArr, newArr)
	cursor := 0
	for _, e := range edits {
		switch e.kind {
		case arrayEditEqual:
			cursor++
		case arrayEditDelete:
			*ops = append(*ops, model.ArrayDeleteOp(clonePath(path), cursor, e.elem))
		case arrayEditInsert:
			*ops = append(*ops, model.ArrayInsertOp(clonePath(path), cursor, e.elem))
			cursor++
		}
	}
}

// maxArrayLCSCells bounds the O(m*n) LCS matrix; beyond it, diffArray
// falls back to computeArrayEditsLinear, a greedy element-by-element scan
// using value.Equal, to bound memory use.
const maxArrayLCSCells = 4_000_000

func computeArrayEdits(oldArr, newArr []value.Value) []arrayEdit {
	m, n := len(oldArr), len(newArr)
	if m == 0 && n == 0 {
		return nil
	}
	if int64(m+1)*int64(n+1) > maxArrayLCSCells {
		return computeArrayEditsLinear(oldArr, newArr)
	}

	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if value.Equal(oldArr[i], newArr[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var edits []arrayEdit
	i, j := 0, 0
	for i < m || j < n {
		switch {
		case i < m && j < n && value.Equal(oldArr[i], newArr[j]):
			edits = append(edits, arrayEdit{kind: arrayEditEqual, elem: oldArr[i]})
			i++
			j++
		case j < n && (i >= m || lcs[i][j+1] >= lcs[i+1][j]):
			edits = append(edits, arrayEdit{kind: arrayEditInsert, elem: newArr[j]})
			j++
		default:
			edits = append(edits, arrayEdit{kind: arrayEditDelete, elem: oldArr[i]})
			i++
		}
	}
	return edits
}

// computeArrayEditsLinear is the O(m+n)-memory fallback for large
// arrays: it matches each new element against the first unused equal
// old element.
func computeArrayEditsLinear(oldArr, newArr []value.Value) []arrayEdit {
	used := make([]bool, len(oldArr))
	oldIdx := 0
	var edits []arrayEdit

	findUnused := func(v value.Value, from int) int {
		for k := from; k < len(oldArr); k++ {
			if !used[k] && value.Equal(oldArr[k], v) {
				return k
			}
		}
		return -1
	}

	for _, nv := range newArr {
		match := findUnused(nv, 0)
		if match == -1 {
			edits = append(edits, arrayEdit{kind: arrayEditInsert, elem: nv})
			continue
		}
		for oldIdx < match {
			if !used[oldIdx] {
				edits = append(edits, arrayEdit{kind: arrayEditDelete, elem: oldArr[oldIdx]})
				used[oldIdx] = true
			}
			oldIdx++
		}
		edits = append(edits, arrayEdit{kind: arrayEditEqual, elem: nv})
		used[match] = true
		if match >= oldIdx {
			oldIdx = match + 1
		}
	}
	for k := oldIdx; k < len(oldArr); k++ {
		if !used[k] {
			edits = append(edits, arrayEdit{kind: arrayEditDelete, elem: oldArr[k]})
		}
	}
	return edits
}

func clonePath(path model.Path) model.Path {
	out := make(model.Path, len(path))
	copy(out, path)
	return out
}

// splitLines splits s into lines, keeping the trailing newline attached
// to each line so a later Join reproduces s exactly (mirrors
// model.splitKeepLines, duplicated here to avoid an import cycle between
// model and deltaengine).
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func stripNewline(s string) string {
	return strings.TrimSuffix(s, "\n")
}
