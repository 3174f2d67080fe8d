// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package keys implements the big-endian, tag-prefixed key layout spec.md
// §4.2/§6 specifies: "tag || subkey", where tag separates column families
// (nodes, deltas, checkpoints, index metadata) and subkeys are ordered so
// prefix scans return records in (kind, id) or (node_id, timestamp, id)
// order.
package keys

import (
	"encoding/binary"

	"github.com/cylindra-db/cylindra/model"
)

// Column family tags, matching the persisted layout in spec.md §6.
const (
	TagNode       byte = 0x01
	TagDelta      byte = 0x02
	TagCheckpoint byte = 0x03
	TagMeta       byte = 0x04
)

// Node builds the key for a node record: 0x01 || node_id.
func Node(id model.ID) []byte {
	key := make([]byte, 0, 17)
	key = append(key, TagNode)
	key = append(key, id[:]...)
	return key
}

// timestampBE returns t's nanosecond count as a big-endian uint64. Using
// unsigned big-endian bytes preserves numeric ordering under a
// lexicographic byte comparison, which is what gives delta keys their
// range-scan-by-time property (spec.md §4.2, "Key layout").
//
// Negative timestamps (before the Unix epoch) are shifted by adding
// 1<<63 so their encoded order still matches their natural order; this
// engine does not expect them in practice but the encoding stays total.
func timestampBE(unixNano int64) uint64 {
	return uint64(unixNano) ^ (1 << 63)
}

// Delta builds the key for a delta record:
// 0x02 || node_id || timestamp_be || delta_id.
func Delta(nodeID model.ID, unixNano int64, deltaID model.ID) []byte {
	key := make([]byte, 0, 1+16+8+16)
	key = append(key, TagDelta)
	key = append(key, nodeID[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], timestampBE(unixNano))
	key = append(key, tsBuf[:]...)
	key = append(key, deltaID[:]...)
	return key
}

// DeltaPrefix builds the prefix matching every delta of nodeID, for a
// full-chain scan.
func DeltaPrefix(nodeID model.ID) []byte {
	key := make([]byte, 0, 1+16)
	key = append(key, TagDelta)
	key = append(key, nodeID[:]...)
	return key
}

// DeltaRangeStart builds the first key in nodeID's delta range with
// timestamp >= fromUnixNano, for a bounded scan (spec.md §4.6.3,
// reconstructor range scans).
func DeltaRangeStart(nodeID model.ID, fromUnixNano int64) []byte {
	key := make([]byte, 0, 1+16+8)
	key = append(key, TagDelta)
	key = append(key, nodeID[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], timestampBE(fromUnixNano))
	key = append(key, tsBuf[:]...)
	return key
}

// Checkpoint builds the key for a checkpoint record:
// 0x03 || node_id || timestamp_be.
func Checkpoint(nodeID model.ID, unixNano int64) []byte {
	key := make([]byte, 0, 1+16+8)
	key = append(key, TagCheckpoint)
	key = append(key, nodeID[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], timestampBE(unixNano))
	key = append(key, tsBuf[:]...)
	return key
}

// CheckpointPrefix builds the prefix matching every checkpoint of nodeID.
func CheckpointPrefix(nodeID model.ID) []byte {
	key := make([]byte, 0, 1+16)
	key = append(key, TagCheckpoint)
	key = append(key, nodeID[:]...)
	return key
}

// Meta builds the key for a metadata entry: 0x04 || name.
func Meta(name string) []byte {
	key := make([]byte, 0, 1+len(name))
	key = append(key, TagMeta)
	key = append(key, name...)
	return key
}

// NodeIDFromKey extracts the node_id subkey from a node-family key.
func NodeIDFromKey(key []byte) (model.ID, bool) {
	if len(key) != 17 || key[0] != TagNode {
		return model.ID{}, false
	}
	var id model.ID
	copy(id[:], key[1:])
	return id, true
}

// DeltaIDFromKey extracts the (node_id, timestamp_unix_nano, delta_id)
// components from a delta-family key.
func DeltaIDFromKey(key []byte) (nodeID model.ID, unixNano int64, deltaID model.ID, ok bool) {
	if len(key) != 1+16+8+16 || key[0] != TagDelta {
		return model.ID{}, 0, model.ID{}, false
	}
	copy(nodeID[:], key[1:17])
	raw := binary.BigEndian.Uint64(key[17:25])
	unixNano = int64(raw ^ (1 << 63))
	copy(deltaID[:], key[25:41])
	return nodeID, unixNano, deltaID, true
}
