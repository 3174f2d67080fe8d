// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package codec

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

// EncodeDelta serializes d in the given format.
func EncodeDelta(d model.DeltaRecord, format Format) ([]byte, error) {
	if format == FormatText {
		return encodeDeltaText(d)
	}
	return encodeDeltaBinary(d), nil
}

// DecodeDelta reads back a delta previously written by EncodeDelta.
func DecodeDelta(data []byte) (model.DeltaRecord, error) {
	if len(data) < 2 {
		return model.DeltaRecord{}, &ErrTruncated{Field: "header"}
	}
	switch Format(data[0]) {
	case FormatBinary:
		return decodeDeltaBinary(data)
	case FormatText:
		return decodeDeltaText(data)
	default:
		return model.DeltaRecord{}, &ErrUnknownFormat{Got: data[0]}
	}
}

func encodeDeltaBinary(d model.DeltaRecord) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(FormatBinary))
	buf.WriteByte(CurrentSchemaVersion)
	buf.Write(d.DeltaID[:])
	buf.Write(d.NodeID[:])
	putUvarint(&buf, encodeZigzag(d.Timestamp.UnixNano()))
	if d.PreviousDeltaID != nil {
		buf.WriteByte(1)
		buf.Write(d.PreviousDeltaID[:])
	} else {
		buf.WriteByte(0)
	}
	putUvarint(&buf, uint64(len(d.Operations)))
	for _, op := range d.Operations {
		encodeOperation(&buf, op)
	}
	EncodeValue(&buf, d.Metadata)
	return buf.Bytes()
}

func encodeOperation(buf *bytes.Buffer, op model.Operation) {
	buf.WriteByte(byte(op.Kind))
	encodePath(buf, op.Path)
	switch op.Kind {
	case model.OpSetValue:
		EncodeValue(buf, op.New)
		EncodeValue(buf, op.Old)
	case model.OpDeleteValue:
		EncodeValue(buf, op.Old)
	case model.OpArrayInsert:
		putUvarint(buf, uint64(op.Index))
		EncodeValue(buf, op.New)
	case model.OpArrayDelete:
		putUvarint(buf, uint64(op.Index))
		EncodeValue(buf, op.Old)
	case model.OpTextPatch:
		putString(buf, op.Patch.Unified)
		putUvarint(buf, uint64(op.Patch.OldLen))
		putUvarint(buf, uint64(op.Patch.NewLen))
	}
}

func encodePath(buf *bytes.Buffer, p model.Path) {
	putUvarint(buf, uint64(len(p)))
	for _, tok := range p {
		if tok.IsIndex {
			buf.WriteByte(1)
			putUvarint(buf, uint64(tok.Index))
		} else {
			buf.WriteByte(0)
			putString(buf, tok.Field)
		}
	}
}

func decodeDeltaBinary(data []byte) (model.DeltaRecord, error) {
	r := bytes.NewReader(data[1:])
	version, err := r.ReadByte()
	if err != nil {
		return model.DeltaRecord{}, &ErrTruncated{Field: "schema_version"}
	}
	if version > CurrentSchemaVersion || version < MinSupportedSchemaVersion {
		return model.DeltaRecord{}, &ErrUnsupportedVersion{Got: version}
	}

	var d model.DeltaRecord
	if _, err := readFull(r, d.DeltaID[:]); err != nil {
		return model.DeltaRecord{}, &ErrTruncated{Field: "delta_id"}
	}
	if _, err := readFull(r, d.NodeID[:]); err != nil {
		return model.DeltaRecord{}, &ErrTruncated{Field: "node_id"}
	}
	tsZZ, err := getUvarint(r)
	if err != nil {
		return model.DeltaRecord{}, err
	}
	d.Timestamp = time.Unix(0, decodeZigzag(tsZZ)).UTC()

	hasPrev, err := r.ReadByte()
	if err != nil {
		return model.DeltaRecord{}, &ErrTruncated{Field: "previous_delta_flag"}
	}
	if hasPrev != 0 {
		var prev model.ID
		if _, err := readFull(r, prev[:]); err != nil {
			return model.DeltaRecord{}, &ErrTruncated{Field: "previous_delta_id"}
		}
		d.PreviousDeltaID = &prev
	}

	count, err := getUvarint(r)
	if err != nil {
		return model.DeltaRecord{}, err
	}
	for i := uint64(0); i < count; i++ {
		op, err := decodeOperation(r)
		if err != nil {
			return model.DeltaRecord{}, err
		}
		d.Operations = append(d.Operations, op)
	}
	if d.Metadata, err = DecodeValue(r); err != nil {
		return model.DeltaRecord{}, err
	}
	return d, nil
}

func decodeOperation(r *bytes.Reader) (model.Operation, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return model.Operation{}, &ErrTruncated{Field: "op_kind"}
	}
	kind := model.OpKind(kindByte)
	path, err := decodePath(r)
	if err != nil {
		return model.Operation{}, err
	}
	op := model.Operation{Kind: kind, Path: path}
	switch kind {
	case model.OpSetValue:
		if op.New, err = DecodeValue(r); err != nil {
			return model.Operation{}, err
		}
		if op.Old, err = DecodeValue(r); err != nil {
			return model.Operation{}, err
		}
	case model.OpDeleteValue:
		if op.Old, err = DecodeValue(r); err != nil {
			return model.Operation{}, err
		}
	case model.OpArrayInsert:
		idx, err := getUvarint(r)
		if err != nil {
			return model.Operation{}, err
		}
		op.Index = int(idx)
		if op.New, err = DecodeValue(r); err != nil {
			return model.Operation{}, err
		}
	case model.OpArrayDelete:
		idx, err := getUvarint(r)
		if err != nil {
			return model.Operation{}, err
		}
		op.Index = int(idx)
		if op.Old, err = DecodeValue(r); err != nil {
			return model.Operation{}, err
		}
	case model.OpTextPatch:
		unified, err := getString(r)
		if err != nil {
			return model.Operation{}, err
		}
		oldLen, err := getUvarint(r)
		if err != nil {
			return model.Operation{}, err
		}
		newLen, err := getUvarint(r)
		if err != nil {
			return model.Operation{}, err
		}
		op.Patch = model.TextPatch{Unified: unified, OldLen: int(oldLen), NewLen: int(newLen)}
	default:
		return model.Operation{}, &ErrUnknownFormat{Got: kindByte}
	}
	return op, nil
}

func decodePath(r *bytes.Reader) (model.Path, error) {
	n, err := getUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	path := make(model.Path, 0, n)
	for i := uint64(0); i < n; i++ {
		isIndex, err := r.ReadByte()
		if err != nil {
			return nil, &ErrTruncated{Field: "path_token_flag"}
		}
		if isIndex != 0 {
			idx, err := getUvarint(r)
			if err != nil {
				return nil, err
			}
			path = append(path, model.Index(int(idx)))
		} else {
			s, err := getString(r)
			if err != nil {
				return nil, err
			}
			path = append(path, model.Field(s))
		}
	}
	return path, nil
}

// jsonDelta mirrors model.DeltaRecord for the text format.
type jsonDelta struct {
	DeltaID         string          `json:"delta_id"`
	NodeID          string          `json:"node_id"`
	Timestamp       int64           `json:"timestamp_unix_nano"`
	PreviousDeltaID *string         `json:"previous_delta_id,omitempty"`
	Operations      []jsonOperation `json:"operations"`
	Metadata        value.Value     `json:"metadata"`
}

type jsonOperation struct {
	Kind    string      `json:"kind"`
	Path    []jsonToken `json:"path"`
	New     value.Value `json:"new,omitempty"`
	Old     value.Value `json:"old,omitempty"`
	Index   int         `json:"index,omitempty"`
	Unified string      `json:"unified,omitempty"`
	OldLen  int         `json:"old_len,omitempty"`
	NewLen  int         `json:"new_len,omitempty"`
}

type jsonToken struct {
	Field   string `json:"field,omitempty"`
	Index   int    `json:"index,omitempty"`
	IsIndex bool   `json:"is_index,omitempty"`
}

func encodeDeltaText(d model.DeltaRecord) ([]byte, error) {
	jd := jsonDelta{
		DeltaID:   d.DeltaID.String(),
		NodeID:    d.NodeID.String(),
		Timestamp: d.Timestamp.UnixNano(),
		Metadata:  d.Metadata,
	}
	if d.PreviousDeltaID != nil {
		s := d.PreviousDeltaID.String()
		jd.PreviousDeltaID = &s
	}
	for _, op := range d.Operations {
		jop := jsonOperation{Kind: op.Kind.String(), New: op.New, Old: op.Old, Index: op.Index}
		for _, tok := range op.Path {
			jop.Path = append(jop.Path, jsonToken{Field: tok.Field, Index: tok.Index, IsIndex: tok.IsIndex})
		}
		if op.Kind == model.OpTextPatch {
			jop.Unified = op.Patch.Unified
			jop.OldLen = op.Patch.OldLen
			jop.NewLen = op.Patch.NewLen
		}
		jd.Operations = append(jd.Operations, jop)
	}
	body, err := json.Marshal(jd)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, byte(FormatText), CurrentSchemaVersion)
	out = append(out, body...)
	return out, nil
}

func decodeDeltaText(data []byte) (model.DeltaRecord, error) {
	version := data[1]
	if version > CurrentSchemaVersion || version < MinSupportedSchemaVersion {
		return model.DeltaRecord{}, &ErrUnsupportedVersion{Got: version}
	}
	var jd jsonDelta
	if err := json.Unmarshal(data[2:], &jd); err != nil {
		return model.DeltaRecord{}, err
	}
	deltaID, err := parseID(jd.DeltaID)
	if err != nil {
		return model.DeltaRecord{}, err
	}
	nodeID, err := parseID(jd.NodeID)
	if err != nil {
		return model.DeltaRecord{}, err
	}
	d := model.DeltaRecord{
		DeltaID:   deltaID,
		NodeID:    nodeID,
		Timestamp: time.Unix(0, jd.Timestamp).UTC(),
		Metadata:  jd.Metadata,
	}
	if jd.PreviousDeltaID != nil {
		prev, err := parseID(*jd.PreviousDeltaID)
		if err != nil {
			return model.DeltaRecord{}, err
		}
		d.PreviousDeltaID = &prev
	}
	for _, jop := range jd.Operations {
		op := model.Operation{New: jop.New, Old: jop.Old, Index: jop.Index}
		switch jop.Kind {
		case "set_value":
			op.Kind = model.OpSetValue
		case "delete_value":
			op.Kind = model.OpDeleteValue
		case "array_insert":
			op.Kind = model.OpArrayInsert
		case "array_delete":
			op.Kind = model.OpArrayDelete
		case "text_patch":
			op.Kind = model.OpTextPatch
			op.Patch = model.TextPatch{Unified: jop.Unified, OldLen: jop.OldLen, NewLen: jop.NewLen}
		default:
			return model.DeltaRecord{}, &ErrUnknownFormat{Got: 0}
		}
		for _, jt := range jop.Path {
			if jt.IsIndex {
				op.Path = append(op.Path, model.Index(jt.Index))
			} else {
				op.Path = append(op.Path, model.Field(jt.Field))
			}
		}
		d.Operations = append(d.Operations, op)
	}
	return d, nil
}
