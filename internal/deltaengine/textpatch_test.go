// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deltaengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

func TestBuildTextPatch_ApplyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
	}{
		{
			name: "single line change in the middle",
			old:  "alpha\nbeta\ngamma\ndelta\nepsilon\n",
			new:  "alpha\nbeta\nGAMMA\ndelta\nepsilon\n",
		},
		{
			name: "line appended at end",
			old:  "one\ntwo\n",
			new:  "one\ntwo\nthree\n",
		},
		{
			name: "line removed from start",
			old:  "one\ntwo\nthree\n",
			new:  "two\nthree\n",
		},
		{
			name: "no trailing newline",
			old:  "one\ntwo\nthree",
			new:  "one\nTWO\nthree",
		},
		{
			name: "entirely different content",
			old:  strings.Repeat("a\n", 20),
			new:  strings.Repeat("b\n", 20),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			patch := BuildTextPatch(tc.old, tc.new)
			assert.Equal(t, len([]rune(tc.old)), patch.OldLen)
			assert.Equal(t, len([]rune(tc.new)), patch.NewLen)

			op := model.TextPatchOp(nil, patch)
			got, err := op.Apply(value.String(tc.old))
			require.NoError(t, err)

			gotStr, ok := got.AsString()
			require.True(t, ok)
			assert.Equal(t, tc.new, gotStr)
		})
	}
}

func TestBuildTextPatch_IdenticalContent(t *testing.T) {
	s := "identical\ncontent\n"
	patch := BuildTextPatch(s, s)

	op := model.TextPatchOp(nil, patch)
	got, err := op.Apply(value.String(s))
	require.NoError(t, err)
	gotStr, _ := got.AsString()
	assert.Equal(t, s, gotStr)
}
