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
	"fmt"
	"math"

	"github.com/cylindra-db/cylindra/value"
)

// Binary tags for each value.Kind. Kept separate from value.Kind's own
// iota numbering so the wire format is stable even if Kind's Go-side order
// changes.
const (
	tagNull   byte = 0
	tagBool   byte = 1
	tagInt    byte = 2
	tagFloat  byte = 3
	tagString byte = 4
	tagArray  byte = 5
	tagMap    byte = 6
)

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func getUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, &ErrTruncated{Field: "uvarint"}
	}
	return v, nil
}

func getString(r *bytes.Reader) (string, error) {
	n, err := getUvarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return "", &ErrTruncated{Field: "string"}
	}
	return string(buf), nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("codec: short read")
		}
	}
	return total, nil
}

// EncodeValue appends v's binary encoding to buf.
func EncodeValue(buf *bytes.Buffer, v value.Value) {
	switch v.Kind() {
	case value.KindNull:
		buf.WriteByte(tagNull)
	case value.KindBool:
		buf.WriteByte(tagBool)
		b, _ := v.AsBool()
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case value.KindInt:
		buf.WriteByte(tagInt)
		i, _ := v.AsInt()
		putUvarint(buf, encodeZigzag(i))
	case value.KindFloat:
		buf.WriteByte(tagFloat)
		f, _ := v.AsFloat()
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
		buf.Write(tmp[:])
	case value.KindString:
		buf.WriteByte(tagString)
		s, _ := v.AsString()
		putString(buf, s)
	case value.KindArray:
		buf.WriteByte(tagArray)
		arr, _ := v.AsArray()
		putUvarint(buf, uint64(len(arr)))
		for _, e := range arr {
			EncodeValue(buf, e)
		}
	case value.KindMap:
		buf.WriteByte(tagMap)
		m, _ := v.AsMap()
		keys := value.SortedKeys(v)
		putUvarint(buf, uint64(len(keys)))
		for _, k := range keys {
			putString(buf, k)
			EncodeValue(buf, m[k])
		}
	}
}

// DecodeValue reads one value.Value from r.
func DecodeValue(r *bytes.Reader) (value.Value, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return value.Null(), &ErrTruncated{Field: "value_tag"}
	}
	switch tag {
	case tagNull:
		return value.Null(), nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return value.Null(), &ErrTruncated{Field: "bool"}
		}
		return value.Bool(b != 0), nil
	case tagInt:
		zz, err := getUvarint(r)
		if err != nil {
			return value.Null(), err
		}
		return value.Int(decodeZigzag(zz)), nil
	case tagFloat:
		var tmp [8]byte
		if _, err := readFull(r, tmp[:]); err != nil {
			return value.Null(), &ErrTruncated{Field: "float"}
		}
		return value.Float(math.Float64frombits(binary.BigEndian.Uint64(tmp[:]))), nil
	case tagString:
		s, err := getString(r)
		if err != nil {
			return value.Null(), err
		}
		return value.String(s), nil
	case tagArray:
		n, err := getUvarint(r)
		if err != nil {
			return value.Null(), err
		}
		items := make([]value.Value, 0, n)
		for i := uint64(0); i < n; i++ {
			e, err := DecodeValue(r)
			if err != nil {
				return value.Null(), err
			}
			items = append(items, e)
		}
		return value.Array(items...), nil
	case tagMap:
		n, err := getUvarint(r)
		if err != nil {
			return value.Null(), err
		}
		m := make(map[string]value.Value, n)
		for i := uint64(0); i < n; i++ {
			k, err := getString(r)
			if err != nil {
				return value.Null(), err
			}
			v, err := DecodeValue(r)
			if err != nil {
				return value.Null(), err
			}
			m[k] = v
		}
		return value.Map(m), nil
	default:
		return value.Null(), &ErrUnknownFormat{Got: tag}
	}
}

func encodeZigzag(i int64) uint64 {
	return uint64((i << 1) ^ (i >> 63))
}

func decodeZigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
