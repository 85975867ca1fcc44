package brinbloom

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"
)

// Key encoding helpers for bbolt.
// All integer key components use big-endian encoding so byte order in the
// B+tree matches numeric order and range scans work with a cursor.

// encodeHeapKey builds a heap key: page(4) + line(2).
func encodeHeapKey(page uint32, line uint16) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint32(buf[:4], page)
	binary.BigEndian.PutUint16(buf[4:], line)
	return buf
}

// decodeHeapKey splits a 6-byte heap key into page and line.
func decodeHeapKey(b []byte) (uint32, uint16) {
	return binary.BigEndian.Uint32(b[:4]), binary.BigEndian.Uint16(b[4:])
}

// encodeUint64 encodes a uint64 as 8-byte big-endian (meta counters).
func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// decodeUint64 decodes 8-byte big-endian to uint64.
func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// encodeRangeKey builds a range-summary key: attno(2) + rangeStart(4).
// Grouping by attribute first keeps one attribute's summaries contiguous
// for cursor scans.
func encodeRangeKey(attno uint16, rangeStart uint32) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[:2], attno)
	binary.BigEndian.PutUint32(buf[2:], rangeStart)
	return buf
}

// decodeRangeKey splits a 6-byte range key into attno and rangeStart.
func decodeRangeKey(b []byte) (uint16, uint32) {
	return binary.BigEndian.Uint16(b[:2]), binary.BigEndian.Uint32(b[2:])
}

// Magic bytes for row encoding format detection.
const (
	rowMagic    byte = 0x01 // MessagePack without checksum (v1)
	rowMagicCRC byte = 0x02 // MessagePack with CRC32 checksum (v2)
)

// crc32Table is the precomputed Castagnoli CRC32 table (hardware-accelerated
// on modern CPUs).
var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// encodeRow serializes a heap row to MessagePack with a CRC32 checksum.
// Format: magic(1) + msgpack_data + crc32(4)
func encodeRow(vals []any) ([]byte, error) {
	raw, err := msgpack.Marshal(vals)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 1+len(raw)+4)
	buf[0] = rowMagicCRC
	copy(buf[1:], raw)
	sum := crc32.Checksum(raw, crc32Table)
	binary.BigEndian.PutUint32(buf[1+len(raw):], sum)
	return buf, nil
}

// decodeRow deserializes a heap row, verifying the checksum when present.
func decodeRow(b []byte) ([]any, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("brinbloom: empty heap row")
	}

	var raw []byte
	switch b[0] {
	case rowMagicCRC:
		if len(b) < 5 {
			return nil, fmt.Errorf("brinbloom: truncated heap row")
		}
		raw = b[1 : len(b)-4]
		want := binary.BigEndian.Uint32(b[len(b)-4:])
		if got := crc32.Checksum(raw, crc32Table); got != want {
			return nil, fmt.Errorf("brinbloom: heap row checksum mismatch (got %08x, want %08x)", got, want)
		}
	case rowMagic:
		raw = b[1:]
	default:
		return nil, fmt.Errorf("brinbloom: unknown heap row format 0x%02x", b[0])
	}

	var vals []any
	if err := msgpack.Unmarshal(raw, &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

// Per-range summary state as stored in the ranges bucket:
// status(1) + optional serialized filter blob. All-nulls ranges have no
// blob (the filter does not exist until the first non-null value), and
// neither do blind ranges, whose values had no hash function.
const (
	rangeStateAllNulls byte = 0x01
	rangeStateHasNulls byte = 0x02
)

// encodeRangeState serializes a per-range column summary.
func encodeRangeState(col *RangeColumn) []byte {
	var status byte
	if col.AllNulls {
		status |= rangeStateAllNulls
	}
	if col.HasNulls {
		status |= rangeStateHasNulls
	}
	if col.AllNulls || col.Summary == nil {
		return []byte{status}
	}

	blob := col.Summary.Serialize()
	buf := make([]byte, 1+len(blob))
	buf[0] = status
	copy(buf[1:], blob)
	return buf
}

// decodeRangeState deserializes a per-range column summary.
func decodeRangeState(attno uint16, b []byte) (*RangeColumn, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("brinbloom: empty range state for attribute %d", attno)
	}

	col := &RangeColumn{
		AttNum:   attno,
		AllNulls: b[0]&rangeStateAllNulls != 0,
		HasNulls: b[0]&rangeStateHasNulls != 0,
	}

	if col.AllNulls {
		if len(b) != 1 {
			return nil, fmt.Errorf("brinbloom: all-nulls range state with trailing bytes")
		}
		return col, nil
	}
	if len(b) == 1 {
		return col, nil // blind range, no filter
	}

	filter, err := DeserializeSummary(b[1:])
	if err != nil {
		return nil, err
	}
	col.Summary = filter
	return col, nil
}
