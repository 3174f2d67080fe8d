// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

// EncodeNode serializes n in the given format, prefixed with the
// format/schema-version header spec.md §4.1 requires.
func EncodeNode(n model.Node, format Format) ([]byte, error) {
	switch format {
	case FormatText:
		return encodeNodeText(n)
	default:
		return encodeNodeBinary(n), nil
	}
}

// DecodeNode reads back a node previously written by EncodeNode, dispatching
// on the leading format tag byte.
func DecodeNode(data []byte) (model.Node, error) {
	if len(data) < 2 {
		return model.Node{}, &ErrTruncated{Field: "header"}
	}
	switch Format(data[0]) {
	case FormatBinary:
		return decodeNodeBinary(data)
	case FormatText:
		return decodeNodeText(data)
	default:
		return model.Node{}, &ErrUnknownFormat{Got: data[0]}
	}
}

func encodeNodeBinary(n model.Node) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(FormatBinary))
	buf.WriteByte(CurrentSchemaVersion)
	buf.Write(n.ID[:])
	putFloat64(&buf, n.Position.T)
	putFloat64(&buf, n.Position.R)
	putFloat64(&buf, n.Position.Theta)
	EncodeValue(&buf, n.Content)

	putUvarint(&buf, uint64(len(n.Connections)))
	for _, c := range n.Connections {
		buf.Write(c.TargetID[:])
		putString(&buf, c.Kind)
		putFloat64(&buf, c.Strength)
		EncodeValue(&buf, c.Metadata)
	}

	if n.OriginReference != nil {
		buf.WriteByte(1)
		buf.Write(n.OriginReference[:])
	} else {
		buf.WriteByte(0)
	}

	EncodeValue(&buf, n.DeltaInformation)
	EncodeValue(&buf, n.Metadata)
	return buf.Bytes()
}

func decodeNodeBinary(data []byte) (model.Node, error) {
	r := bytes.NewReader(data[1:])
	version, err := r.ReadByte()
	if err != nil {
		return model.Node{}, &ErrTruncated{Field: "schema_version"}
	}
	if version > CurrentSchemaVersion || version < MinSupportedSchemaVersion {
		return model.Node{}, &ErrUnsupportedVersion{Got: version}
	}

	var n model.Node
	if _, err := readFull(r, n.ID[:]); err != nil {
		return model.Node{}, &ErrTruncated{Field: "id"}
	}
	if n.Position.T, err = getFloat64(r); err != nil {
		return model.Node{}, err
	}
	if n.Position.R, err = getFloat64(r); err != nil {
		return model.Node{}, err
	}
	if n.Position.Theta, err = getFloat64(r); err != nil {
		return model.Node{}, err
	}
	n.Content, err = DecodeValue(r)
	if err != nil {
		return model.Node{}, err
	}

	count, err := getUvarint(r)
	if err != nil {
		return model.Node{}, err
	}
	if count > 0 {
		n.Connections = make([]model.Connection, 0, count)
	}
	for i := uint64(0); i < count; i++ {
		var c model.Connection
		if _, err := readFull(r, c.TargetID[:]); err != nil {
			return model.Node{}, &ErrTruncated{Field: "connection.target_id"}
		}
		if c.Kind, err = getString(r); err != nil {
			return model.Node{}, err
		}
		if c.Strength, err = getFloat64(r); err != nil {
			return model.Node{}, err
		}
		if c.Metadata, err = DecodeValue(r); err != nil {
			return model.Node{}, err
		}
		n.Connections = append(n.Connections, c)
	}

	hasOrigin, err := r.ReadByte()
	if err != nil {
		return model.Node{}, &ErrTruncated{Field: "origin_reference_flag"}
	}
	if hasOrigin != 0 {
		var ref model.ID
		if _, err := readFull(r, ref[:]); err != nil {
			return model.Node{}, &ErrTruncated{Field: "origin_reference"}
		}
		n.OriginReference = &ref
	}

	if version >= 2 {
		if n.DeltaInformation, err = DecodeValue(r); err != nil {
			return model.Node{}, err
		}
	} else {
		n.DeltaInformation = value.Null()
	}
	if n.Metadata, err = DecodeValue(r); err != nil {
		return model.Node{}, err
	}
	return n, nil
}

// jsonNode mirrors model.Node for the text (debug/export) format, which
// piggybacks on encoding/json rather than hand-rolling a text grammar.
type jsonNode struct {
	ID               string             `json:"id"`
	Content          value.Value        `json:"content"`
	T                float64            `json:"t"`
	R                float64            `json:"r"`
	Theta            float64            `json:"theta"`
	Connections      []jsonConnection   `json:"connections,omitempty"`
	OriginReference  *string            `json:"origin_reference,omitempty"`
	DeltaInformation value.Value        `json:"delta_information"`
	Metadata         value.Value        `json:"metadata"`
}

type jsonConnection struct {
	TargetID string      `json:"target_id"`
	Kind     string      `json:"kind"`
	Strength float64     `json:"strength"`
	Metadata value.Value `json:"metadata"`
}

func encodeNodeText(n model.Node) ([]byte, error) {
	jn := jsonNode{
		ID:               n.ID.String(),
		Content:          n.Content,
		T:                n.Position.T,
		R:                n.Position.R,
		Theta:            n.Position.Theta,
		DeltaInformation: n.DeltaInformation,
		Metadata:         n.Metadata,
	}
	for _, c := range n.Connections {
		jn.Connections = append(jn.Connections, jsonConnection{
			TargetID: c.TargetID.String(),
			Kind:     c.Kind,
			Strength: c.Strength,
			Metadata: c.Metadata,
		})
	}
	if n.OriginReference != nil {
		s := n.OriginReference.String()
		jn.OriginReference = &s
	}
	body, err := json.Marshal(jn)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, byte(FormatText), CurrentSchemaVersion)
	out = append(out, body...)
	return out, nil
}

func decodeNodeText(data []byte) (model.Node, error) {
	version := data[1]
	if version > CurrentSchemaVersion || version < MinSupportedSchemaVersion {
		return model.Node{}, &ErrUnsupportedVersion{Got: version}
	}
	var jn jsonNode
	if err := json.Unmarshal(data[2:], &jn); err != nil {
		return model.Node{}, err
	}
	id, err := parseID(jn.ID)
	if err != nil {
		return model.Node{}, err
	}
	n := model.Node{
		ID:               id,
		Content:          jn.Content,
		Position:         coordinateFromFields(jn.T, jn.R, jn.Theta),
		DeltaInformation: jn.DeltaInformation,
		Metadata:         jn.Metadata,
	}
	for _, c := range jn.Connections {
		tid, err := parseID(c.TargetID)
		if err != nil {
			return model.Node{}, err
		}
		n.Connections = append(n.Connections, model.Connection{
			TargetID: tid, Kind: c.Kind, Strength: c.Strength, Metadata: c.Metadata,
		})
	}
	if jn.OriginReference != nil {
		ref, err := parseID(*jn.OriginReference)
		if err != nil {
			return model.Node{}, err
		}
		n.OriginReference = &ref
	}
	return n, nil
}

func putFloat64(buf *bytes.Buffer, f float64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	buf.Write(tmp[:])
}

func getFloat64(r *bytes.Reader) (float64, error) {
	var tmp [8]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, &ErrTruncated{Field: "float64"}
	}
	return math.Float64frombits(binary.BigEndian.Uint64(tmp[:])), nil
}
