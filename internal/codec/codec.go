// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package codec implements the two record serialization formats spec.md
// §4.1 requires: a compact binary format for durability, and a
// human-readable text (JSON) format for debug/export. Both are selectable
// at engine-open time via Format.
//
// Every encoded record begins with a 1-byte format tag and a 1-byte schema
// version (spec.md §4.1, "Versioning"), so a decoder can reject unknown
// tags/versions and accept the current version plus one older one.
package codec

import (
	"fmt"
)

// Format selects which wire representation a Codec uses.
type Format byte

const (
	// FormatBinary is the compact, durability-grade encoding. Required for
	// the node/delta stores (spec.md §4.1).
	FormatBinary Format = 0x01
	// FormatText is the human-readable JSON encoding, used for debug and
	// export tooling.
	FormatText Format = 0x02
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatText:
		return "text"
	default:
		return fmt.Sprintf("format(0x%02x)", byte(f))
	}
}

// ParseFormat maps a configuration string ("binary"/"text") to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "binary":
		return FormatBinary, nil
	case "text":
		return FormatText, nil
	default:
		return 0, fmt.Errorf("codec: unknown serialization_format %q", s)
	}
}

// CurrentSchemaVersion is the schema version this build writes. Decoders
// must also accept MinSupportedSchemaVersion, per spec.md §4.1's
// versioning rule ("accept current and one older version").
const (
	CurrentSchemaVersion      byte = 2
	MinSupportedSchemaVersion byte = 1
)

// RecordKind tags which logical record type follows the header, so a
// single column family's decoder can dispatch without a side channel.
type RecordKind byte

const (
	RecordKindNode       RecordKind = 0x01
	RecordKindDelta      RecordKind = 0x02
	RecordKindCheckpoint RecordKind = 0x03
)

// ErrUnknownFormat is returned when a record's format tag byte doesn't
// match FormatBinary or FormatText.
type ErrUnknownFormat struct{ Got byte }

func (e *ErrUnknownFormat) Error() string {
	return fmt.Sprintf("codec: unknown format tag 0x%02x", e.Got)
}

// ErrUnsupportedVersion is returned when a record's schema version byte is
// newer than CurrentSchemaVersion or older than MinSupportedSchemaVersion.
type ErrUnsupportedVersion struct{ Got byte }

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("codec: unsupported schema version %d", e.Got)
}

// ErrTruncated is returned when a buffer ends before a field's declared
// length.
type ErrTruncated struct{ Field string }

func (e *ErrTruncated) Error() string {
	return fmt.Sprintf("codec: truncated input reading field %q", e.Field)
}
