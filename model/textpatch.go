// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/cylindra-db/cylindra/value"
)

// textPatchFileName is a placeholder path used purely so go-diff's
// multi-file-diff parser, which expects "--- a/<path>" / "+++ b/<path>"
// headers, has something to parse. It never reaches storage or the
// embedding application; only the hunk bodies are persisted on Operation
// (internal/deltaengine's BuildTextPatch writes bare hunks with no file
// header into TextPatch.Unified).
const textPatchFileName = "content"

// applyTextPatch resolves the string leaf at path and applies patch's
// unified diff to it, writing the result back at path.
func applyTextPatch(content value.Value, path Path, patch TextPatch) (value.Value, error) {
	old, err := Get(content, path)
	if err != nil {
		return value.Null(), err
	}
	oldStr, ok := old.AsString()
	if !ok {
		return value.Null(), fmt.Errorf("%w: %s is not a string", ErrTypeMismatch, path)
	}
	newStr, err := ApplyUnifiedPatch(oldStr, patch.Unified)
	if err != nil {
		return value.Null(), fmt.Errorf("applying text patch at %s: %w", path, err)
	}
	return Set(content, path, value.String(newStr))
}

// reverseTextPatch swaps the +/- sense of a unified diff's hunks, so
// applying it to the post-image recovers the pre-image.
func reverseTextPatch(p TextPatch) TextPatch {
	hunks, err := parseHunks(p.Unified)
	if err != nil {
		// Unreachable in practice: a patch that fails to parse already
		// failed at Apply time, before Reverse is ever called on it.
		return TextPatch{OldLen: p.NewLen, NewLen: p.OldLen}
	}
	for _, h := range hunks {
		h.OrigStartLine, h.NewStartLine = h.NewStartLine, h.OrigStartLine
		h.OrigLines, h.NewLines = h.NewLines, h.OrigLines
		h.Body = swapHunkBodyDirection(h.Body)
	}
	return TextPatch{
		Unified: renderHunks(hunks),
		OldLen:  p.NewLen,
		NewLen:  p.OldLen,
	}
}

func swapHunkBodyDirection(body []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var out bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case '+':
			out.WriteByte('-')
			out.WriteString(line[1:])
		case '-':
			out.WriteByte('+')
			out.WriteString(line[1:])
		default:
			out.WriteString(line)
		}
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func renderHunks(hunks []*godiff.Hunk) string {
	var sb strings.Builder
	for _, h := range hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OrigStartLine, h.OrigLines, h.NewStartLine, h.NewLines)
		sb.Write(h.Body)
	}
	return sb.String()
}

// parseHunks parses a bare (header-less) unified diff body, as stored in
// TextPatch.Unified, by wrapping it with a placeholder file header so
// go-diff's multi-file parser accepts it. go-diff is used only for this
// parsing; internal/deltaengine builds the hunks itself.
func parseHunks(unified string) ([]*godiff.Hunk, error) {
	if strings.TrimSpace(unified) == "" {
		return nil, nil
	}
	wrapped := fmt.Sprintf("--- a/%s\n+++ b/%s\n%s", textPatchFileName, textPatchFileName, unified)
	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(wrapped))
	if err != nil {
		return nil, fmt.Errorf("parsing text patch: %w", err)
	}
	var hunks []*godiff.Hunk
	for _, fd := range fileDiffs {
		hunks = append(hunks, fd.Hunks...)
	}
	return hunks, nil
}

// ApplyUnifiedPatch applies a unified diff (as produced by
// internal/deltaengine's BuildTextPatch) to old, returning the patched
// string.
func ApplyUnifiedPatch(old string, unified string) (string, error) {
	hunks, err := parseHunks(unified)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		return old, nil
	}
	oldLines := splitKeepLines(old)
	var out []string
	cursor := 0 // 0-based index into oldLines already emitted
	for _, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start > len(oldLines) {
			return "", fmt.Errorf("%w: hunk start %d beyond content length %d", ErrPathNotFound, start, len(oldLines))
		}
		out = append(out, oldLines[cursor:start]...)
		cursor = start

		scanner := bufio.NewScanner(bytes.NewReader(h.Body))
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			switch line[0] {
			case ' ':
				if cursor >= len(oldLines) {
					return "", fmt.Errorf("%w: context line past end of content", ErrPathNotFound)
				}
				out = append(out, oldLines[cursor])
				cursor++
			case '-':
				if cursor >= len(oldLines) {
					return "", fmt.Errorf("%w: delete line past end of content", ErrPathNotFound)
				}
				cursor++
			case '+':
				out = append(out, line[1:]+"\n")
			}
		}
	}
	out = append(out, oldLines[cursor:]...)
	return strings.Join(out, ""), nil
}

// splitKeepLines splits s into lines, keeping trailing newlines attached so
// re-joining with strings.Join(lines, "") round-trips exactly.
func splitKeepLines(s string) []string {
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
