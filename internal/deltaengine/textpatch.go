// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deltaengine

import (
	"fmt"
	"strings"

	"github.com/cylindra-db/cylindra/model"
)

// lineEditKind is the edit classification for a line-level Myers/LCS
// diff.
type lineEditKind int

const (
	lineEqual lineEditKind = iota
	lineInsert
	lineDelete
)

type lineEdit struct {
	kind    lineEditKind
	oldLine int
	newLine int
	text    string
}

// maxLineLCSCells bounds the O(m*n) LCS matrix for text diffing; beyond it
// computeLineEditsLinear takes over.
const maxLineLCSCells = 100_000_000

// BuildTextPatch computes a model.TextPatch turning old into newS, encoded
// as a bare unified diff (no "--- a/" / "+++ b/" headers: model.Operation
// applies it directly against the resolved string leaf, and
// model.ApplyUnifiedPatch wraps it with a placeholder header only when it
// needs go-diff's parser).
func BuildTextPatch(old, newS string) model.TextPatch {
	oldLines := splitLines(old)
	newLines := splitLines(newS)
	edits := computeLineEdits(oldLines, newLines)
	return model.TextPatch{
		Unified: formatLineHunks(edits),
		OldLen:  len([]rune(old)),
		NewLen:  len([]rune(newS)),
	}
}

func computeLineEdits(oldLines, newLines []string) []lineEdit {
	m, n := len(oldLines), len(newLines)
	if m == 0 && n == 0 {
		return nil
	}
	if int64(m+1)*int64(n+1) > maxLineLCSCells {
		return computeLineEditsLinear(oldLines, newLines)
	}

	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var edits []lineEdit
	i, j := 0, 0
	for i < m || j < n {
		switch {
		case i < m && j < n && oldLines[i] == newLines[j]:
			edits = append(edits, lineEdit{kind: lineEqual, oldLine: i + 1, newLine: j + 1, text: oldLines[i]})
			i++
			j++
		case j < n && (i >= m || lcs[i][j+1] >= lcs[i+1][j]):
			edits = append(edits, lineEdit{kind: lineInsert, newLine: j + 1, text: newLines[j]})
			j++
		default:
			edits = append(edits, lineEdit{kind: lineDelete, oldLine: i + 1, text: oldLines[i]})
			i++
		}
	}
	return edits
}

// computeLineEditsLinear is the O(m+n)-memory fallback for large texts,
// matching each new line against the first unused equal old line.
func computeLineEditsLinear(oldLines, newLines []string) []lineEdit {
	oldMap := make(map[string][]int, len(oldLines))
	for i, line := range oldLines {
		oldMap[line] = append(oldMap[line], i)
	}

	var edits []lineEdit
	used := make([]bool, len(oldLines))
	oldIdx := 0

	for newIdx, newLine := range newLines {
		indices, ok := oldMap[newLine]
		matched := false
		if ok {
			for _, idx := range indices {
				if used[idx] {
					continue
				}
				for oldIdx < idx {
					if !used[oldIdx] {
						edits = append(edits, lineEdit{kind: lineDelete, oldLine: oldIdx + 1, text: oldLines[oldIdx]})
						used[oldIdx] = true
					}
					oldIdx++
				}
				edits = append(edits, lineEdit{kind: lineEqual, oldLine: idx + 1, newLine: newIdx + 1, text: newLine})
				used[idx] = true
				if idx >= oldIdx {
					oldIdx = idx + 1
				}
				matched = true
				break
			}
		}
		if !matched {
			edits = append(edits, lineEdit{kind: lineInsert, newLine: newIdx + 1, text: newLine})
		}
	}
	for i := oldIdx; i < len(oldLines); i++ {
		if !used[i] {
			edits = append(edits, lineEdit{kind: lineDelete, oldLine: i + 1, text: oldLines[i]})
		}
	}
	return edits
}

// formatLineHunks renders edits as a sequence of "@@ ... @@" hunks with 3
// lines of context, without a file-header preamble.
func formatLineHunks(edits []lineEdit) string {
	if len(edits) == 0 {
		return ""
	}
	const contextLines = 3

	var hunks []string
	var hunkEdits []lineEdit
	hunkStart := -1

	flushHunk := func() {
		if len(hunkEdits) == 0 {
			return
		}
		oldStart, oldCount := 0, 0
		newStart, newCount := 0, 0
		for _, e := range hunkEdits {
			switch e.kind {
			case lineEqual:
				if oldStart == 0 {
					oldStart = e.oldLine
				}
				if newStart == 0 {
					newStart = e.newLine
				}
				oldCount++
				newCount++
			case lineDelete:
				if oldStart == 0 {
					oldStart = e.oldLine
				}
				oldCount++
			case lineInsert:
				if newStart == 0 {
					newStart = e.newLine
				}
				newCount++
			}
		}
		if oldStart == 0 {
			oldStart = 1
		}
		if newStart == 0 {
			newStart = 1
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		for _, e := range hunkEdits {
			switch e.kind {
			case lineEqual:
				sb.WriteString(" " + stripNewline(e.text) + "\n")
			case lineDelete:
				sb.WriteString("-" + stripNewline(e.text) + "\n")
			case lineInsert:
				sb.WriteString("+" + stripNewline(e.text) + "\n")
			}
		}
		hunks = append(hunks, sb.String())
		hunkEdits = nil
	}

	for i, edit := range edits {
		if edit.kind != lineEqual {
			if hunkStart < 0 {
				start := i - contextLines
				if start < 0 {
					start = 0
				}
				for j := start; j < i; j++ {
					if edits[j].kind == lineEqual {
						hunkEdits = append(hunkEdits, edits[j])
					}
				}
			}
			hunkStart = i
			hunkEdits = append(hunkEdits, edit)
			continue
		}
		if hunkStart < 0 {
			continue
		}
		remaining := len(edits) - i - 1
		lookahead := contextLines*2 + 1
		if remaining+1 < lookahead {
			lookahead = remaining + 1
		}
		hasMoreChanges := false
		for j := i + 1; j <= i+lookahead && j < len(edits); j++ {
			if edits[j].kind != lineEqual {
				hasMoreChanges = true
				break
			}
		}
		if hasMoreChanges {
			hunkEdits = append(hunkEdits, edit)
			continue
		}
		contextAdded := 0
		for j := i; j < len(edits) && contextAdded < contextLines; j++ {
			if edits[j].kind == lineEqual {
				hunkEdits = append(hunkEdits, edits[j])
				contextAdded++
			}
		}
		flushHunk()
		hunkStart = -1
	}
	flushHunk()

	return strings.Join(hunks, "")
}
