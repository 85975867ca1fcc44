package brinbloom

import (
	"encoding/binary"
	"fmt"
)

// On-disk summary layout, little-endian, byte-packed:
//
//	+--------+------+------------------------------------------+
//	| offset | size | field                                    |
//	+--------+------+------------------------------------------+
//	|      0 |    4 | total length of the blob, header included |
//	|      4 |    2 | flags (reserved, zero)                   |
//	|      6 |    1 | nhashes (k)                              |
//	|      7 |    4 | nbits (m) — unaligned                    |
//	|     11 |    4 | nbits_set                                |
//	|     15 |  m/8 | bitmap, bit 0 = LSB of byte 0            |
//	+--------+------+------------------------------------------+
//
// nbits lands at offset 7, so readers must not assume natural alignment;
// everything here goes through byte-wise binary.LittleEndian accessors.
const summaryHeaderLen = 15

// Serialize encodes the filter as a single length-prefixed blob suitable
// for storage as one index tuple value.
func (f *BloomFilter) Serialize() []byte {
	total := summaryHeaderLen + len(f.data)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], f.flags)
	buf[6] = f.nhashes
	binary.LittleEndian.PutUint32(buf[7:11], f.nbits)
	binary.LittleEndian.PutUint32(buf[11:15], f.nbitsSet)
	copy(buf[summaryHeaderLen:], f.data)

	return buf
}

// DeserializeSummary decodes a blob produced by Serialize. The stored
// nbits and nbits_set are authoritative; structural inconsistencies wrap
// ErrBadSummary.
func DeserializeSummary(buf []byte) (*BloomFilter, error) {
	if len(buf) < summaryHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrBadSummary, len(buf), summaryHeaderLen)
	}

	total := binary.LittleEndian.Uint32(buf[0:4])
	if int(total) != len(buf) {
		return nil, fmt.Errorf("%w: length header %d != blob size %d", ErrBadSummary, total, len(buf))
	}

	f := &BloomFilter{
		flags:    binary.LittleEndian.Uint16(buf[4:6]),
		nhashes:  buf[6],
		nbits:    binary.LittleEndian.Uint32(buf[7:11]),
		nbitsSet: binary.LittleEndian.Uint32(buf[11:15]),
	}

	// No flag bits are defined yet; reject rather than misread a future
	// format (a sparse bitmap would change the layout below).
	if f.flags != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%04x", ErrBadSummary, f.flags)
	}
	if f.nhashes == 0 {
		return nil, fmt.Errorf("%w: zero hash count", ErrBadSummary)
	}
	if f.nbits == 0 || f.nbits%8 != 0 {
		return nil, fmt.Errorf("%w: bit count %d not a positive multiple of 8", ErrBadSummary, f.nbits)
	}
	nbytes := int(f.nbits / 8)
	if len(buf) != summaryHeaderLen+nbytes {
		return nil, fmt.Errorf("%w: %d bitmap bytes for %d bits", ErrBadSummary, len(buf)-summaryHeaderLen, f.nbits)
	}
	if f.nbitsSet > f.nbits {
		return nil, fmt.Errorf("%w: %d bits set exceeds %d bits", ErrBadSummary, f.nbitsSet, f.nbits)
	}

	f.data = make([]byte, nbytes)
	copy(f.data, buf[summaryHeaderLen:])

	return f, nil
}

// String renders the summary metadata for humans. The bitmap itself is
// not rendered — it is meaningless noise at any size worth looking at.
func (f *BloomFilter) String() string {
	return fmt.Sprintf("{mode: hashed  nhashes: %d  nbits: %d  nbits_set: %d}",
		f.nhashes, f.nbits, f.nbitsSet)
}

// ParseSummaryText rejects textual summary input. Summaries only exist in
// binary form; the String rendering is informational output with no parser.
func ParseSummaryText(string) (*BloomFilter, error) {
	return nil, ErrTextInputNotSupported
}
