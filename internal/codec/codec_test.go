// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/coordinate"
	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatBinary, false},
		{"binary", FormatBinary, false},
		{"text", FormatText, false},
		{"xml", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if tc.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestFormat_String(t *testing.T) {
	assert.Equal(t, "binary", FormatBinary.String())
	assert.Equal(t, "text", FormatText.String())
	assert.Contains(t, Format(0x99).String(), "0x99")
}

func testNode() model.Node {
	origin := model.NewID()
	return model.Node{
		ID:      model.NewID(),
		Content: value.Map(map[string]value.Value{"title": value.String("hello"), "count": value.Int(3)}),
		Position: coordinate.New(10, 2.5, 1.2),
		Connections: []model.Connection{
			{TargetID: model.NewID(), Kind: "related", Strength: 0.8, Metadata: value.Null()},
		},
		OriginReference:  &origin,
		DeltaInformation: value.Map(map[string]value.Value{"title": value.String("hello"), "count": value.Int(3)}),
		Metadata:         value.Map(map[string]value.Value{"tag": value.String("x")}),
	}
}

func TestEncodeDecodeNode_Binary_RoundTrips(t *testing.T) {
	n := testNode()
	data, err := EncodeNode(n, FormatBinary)
	require.NoError(t, err)
	assert.Equal(t, byte(FormatBinary), data[0])

	got, err := DecodeNode(data)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, n.Position, got.Position)
	assert.True(t, value.Equal(n.Content, got.Content))
	assert.True(t, value.Equal(n.DeltaInformation, got.DeltaInformation))
	assert.True(t, value.Equal(n.Metadata, got.Metadata))
	require.Len(t, got.Connections, 1)
	assert.Equal(t, n.Connections[0].TargetID, got.Connections[0].TargetID)
	assert.Equal(t, n.Connections[0].Kind, got.Connections[0].Kind)
	assert.Equal(t, n.Connections[0].Strength, got.Connections[0].Strength)
	require.NotNil(t, got.OriginReference)
	assert.Equal(t, *n.OriginReference, *got.OriginReference)
}

func TestEncodeDecodeNode_Text_RoundTrips(t *testing.T) {
	n := testNode()
	data, err := EncodeNode(n, FormatText)
	require.NoError(t, err)
	assert.Equal(t, byte(FormatText), data[0])

	got, err := DecodeNode(data)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.True(t, value.Equal(n.Content, got.Content))
	assert.True(t, value.Equal(n.DeltaInformation, got.DeltaInformation))
	require.NotNil(t, got.OriginReference)
	assert.Equal(t, *n.OriginReference, *got.OriginReference)
}

func TestEncodeDecodeNode_NoOriginReference(t *testing.T) {
	n := testNode()
	n.OriginReference = nil
	n.Connections = nil

	data, err := EncodeNode(n, FormatBinary)
	require.NoError(t, err)
	got, err := DecodeNode(data)
	require.NoError(t, err)
	assert.Nil(t, got.OriginReference)
	assert.Empty(t, got.Connections)
}

func TestDecodeNode_RejectsTruncatedHeader(t *testing.T) {
	_, err := DecodeNode([]byte{0x01})
	assert.Error(t, err)
}

func TestDecodeNode_RejectsUnknownFormat(t *testing.T) {
	data := []byte{0xff, CurrentSchemaVersion}
	_, err := DecodeNode(data)
	var unk *ErrUnknownFormat
	assert.ErrorAs(t, err, &unk)
}

func TestDecodeNode_RejectsUnsupportedSchemaVersion(t *testing.T) {
	n := testNode()
	data, err := EncodeNode(n, FormatBinary)
	require.NoError(t, err)
	data[1] = CurrentSchemaVersion + 1

	_, err = DecodeNode(data)
	var unsupported *ErrUnsupportedVersion
	assert.ErrorAs(t, err, &unsupported)
}

func testDelta() model.DeltaRecord {
	prev := model.NewID()
	return model.DeltaRecord{
		DeltaID:         model.NewID(),
		NodeID:          model.NewID(),
		Timestamp:       time.Unix(1700000000, 0).UTC(),
		PreviousDeltaID: &prev,
		Operations: []model.Operation{
			{
				Kind: model.OpSetValue,
				Path: model.Path{model.Field("title")},
				New:  value.String("new"),
				Old:  value.String("old"),
			},
			{
				Kind:  model.OpArrayInsert,
				Path:  model.Path{model.Field("tags"), model.Index(0)},
				Index: 2,
				New:   value.String("inserted"),
			},
			{
				Kind: model.OpTextPatch,
				Path: model.Path{model.Field("body")},
				Patch: model.TextPatch{
					Unified: "@@ -1 +1 @@\n-old\n+new\n",
					OldLen:  3,
					NewLen:  3,
				},
			},
		},
		Metadata: value.Null(),
	}
}

func TestEncodeDecodeDelta_Binary_RoundTrips(t *testing.T) {
	d := testDelta()
	data, err := EncodeDelta(d, FormatBinary)
	require.NoError(t, err)

	got, err := DecodeDelta(data)
	require.NoError(t, err)
	assert.Equal(t, d.DeltaID, got.DeltaID)
	assert.Equal(t, d.NodeID, got.NodeID)
	assert.True(t, d.Timestamp.Equal(got.Timestamp))
	require.NotNil(t, got.PreviousDeltaID)
	assert.Equal(t, *d.PreviousDeltaID, *got.PreviousDeltaID)
	require.Len(t, got.Operations, 3)
	assert.Equal(t, d.Operations[0].Kind, got.Operations[0].Kind)
	assert.True(t, value.Equal(d.Operations[0].New, got.Operations[0].New))
	assert.Equal(t, d.Operations[1].Index, got.Operations[1].Index)
	assert.Equal(t, d.Operations[2].Patch, got.Operations[2].Patch)
}

func TestEncodeDecodeDelta_Text_RoundTrips(t *testing.T) {
	d := testDelta()
	data, err := EncodeDelta(d, FormatText)
	require.NoError(t, err)

	got, err := DecodeDelta(data)
	require.NoError(t, err)
	assert.Equal(t, d.DeltaID, got.DeltaID)
	require.Len(t, got.Operations, 3)
	assert.Equal(t, model.OpTextPatch, got.Operations[2].Kind)
	assert.Equal(t, d.Operations[2].Patch, got.Operations[2].Patch)
}

func TestEncodeDecodeDelta_NoPreviousDelta(t *testing.T) {
	d := testDelta()
	d.PreviousDeltaID = nil
	d.Operations = d.Operations[:1]

	data, err := EncodeDelta(d, FormatBinary)
	require.NoError(t, err)
	got, err := DecodeDelta(data)
	require.NoError(t, err)
	assert.Nil(t, got.PreviousDeltaID)
}

func TestEncodeDecodeCheckpoint_RoundTrips(t *testing.T) {
	cp := model.Checkpoint{
		NodeID:    model.NewID(),
		Timestamp: time.Unix(1700000500, 0).UTC(),
		Content:   value.Map(map[string]value.Value{"v": value.Int(42)}),
	}

	for _, format := range []Format{FormatBinary, FormatText} {
		data, err := EncodeCheckpoint(cp, format)
		require.NoError(t, err)
		got, err := DecodeCheckpoint(data)
		require.NoError(t, err)
		assert.Equal(t, cp.NodeID, got.NodeID)
		assert.True(t, cp.Timestamp.Equal(got.Timestamp))
		assert.True(t, value.Equal(cp.Content, got.Content))
	}
}

func TestEncodeDecodeValue_AllKinds(t *testing.T) {
	v := value.Map(map[string]value.Value{
		"null":   value.Null(),
		"bool":   value.Bool(true),
		"int":    value.Int(-17),
		"float":  value.Float(3.5),
		"string": value.String("hi"),
		"array":  value.Array(value.Int(1), value.Int(2), value.String("three")),
		"nested": value.Map(map[string]value.Value{"inner": value.Bool(false)}),
	})

	var buf bytes.Buffer
	EncodeValue(&buf, v)

	r := bytes.NewReader(buf.Bytes())
	got, err := DecodeValue(r)
	require.NoError(t, err)
	assert.True(t, value.Equal(v, got))
}

func TestDecodeValue_RejectsUnknownTag(t *testing.T) {
	r := bytes.NewReader([]byte{0xfe})
	_, err := DecodeValue(r)
	var unk *ErrUnknownFormat
	assert.ErrorAs(t, err, &unk)
}

func TestZigzagEncodeDecode_RoundTrips(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 12345, -12345, int64(1) << 40, -(int64(1) << 40)} {
		assert.Equal(t, n, decodeZigzag(encodeZigzag(n)))
	}
}
