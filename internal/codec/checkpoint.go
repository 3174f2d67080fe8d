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
)

// EncodeCheckpoint serializes cp in the given format.
func EncodeCheckpoint(cp model.Checkpoint, format Format) ([]byte, error) {
	if format == FormatText {
		body, err := json.Marshal(struct {
			NodeID    string       `json:"node_id"`
			Timestamp int64        `json:"timestamp_unix_nano"`
			Content   interface{}  `json:"content"`
		}{cp.NodeID.String(), cp.Timestamp.UnixNano(), cp.Content})
		if err != nil {
			return nil, err
		}
		out := append([]byte{byte(FormatText), CurrentSchemaVersion}, body...)
		return out, nil
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(FormatBinary))
	buf.WriteByte(CurrentSchemaVersion)
	buf.Write(cp.NodeID[:])
	putUvarint(&buf, encodeZigzag(cp.Timestamp.UnixNano()))
	EncodeValue(&buf, cp.Content)
	return buf.Bytes(), nil
}

// DecodeCheckpoint reads back a checkpoint previously written by
// EncodeCheckpoint.
func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	if len(data) < 2 {
		return model.Checkpoint{}, &ErrTruncated{Field: "header"}
	}
	switch Format(data[0]) {
	case FormatText:
		version := data[1]
		if version > CurrentSchemaVersion || version < MinSupportedSchemaVersion {
			return model.Checkpoint{}, &ErrUnsupportedVersion{Got: version}
		}
		var raw struct {
			NodeID    string      `json:"node_id"`
			Timestamp int64       `json:"timestamp_unix_nano"`
			Content   interface{} `json:"content"`
		}
		if err := json.Unmarshal(data[2:], &raw); err != nil {
			return model.Checkpoint{}, err
		}
		id, err := parseID(raw.NodeID)
		if err != nil {
			return model.Checkpoint{}, err
		}
		return model.Checkpoint{
			NodeID:    id,
			Timestamp: time.Unix(0, raw.Timestamp).UTC(),
			Content:   valueFromAny(raw.Content),
		}, nil
	case FormatBinary:
		r := bytes.NewReader(data[1:])
		version, err := r.ReadByte()
		if err != nil {
			return model.Checkpoint{}, &ErrTruncated{Field: "schema_version"}
		}
		if version > CurrentSchemaVersion || version < MinSupportedSchemaVersion {
			return model.Checkpoint{}, &ErrUnsupportedVersion{Got: version}
		}
		var cp model.Checkpoint
		if _, err := readFull(r, cp.NodeID[:]); err != nil {
			return model.Checkpoint{}, &ErrTruncated{Field: "node_id"}
		}
		tsZZ, err := getUvarint(r)
		if err != nil {
			return model.Checkpoint{}, err
		}
		cp.Timestamp = time.Unix(0, decodeZigzag(tsZZ)).UTC()
		if cp.Content, err = DecodeValue(r); err != nil {
			return model.Checkpoint{}, err
		}
		return cp, nil
	default:
		return model.Checkpoint{}, &ErrUnknownFormat{Got: data[0]}
	}
}
