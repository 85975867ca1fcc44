package brinbloom

import (
	"fmt"
	"math"
	"math/bits"
)

// BloomFilter summarizes the set of value hashes seen in one page range.
//
// The filter stores 32-bit value hashes, never the original values: each
// hash is expanded into k probe positions with the double-hashing scheme
// (h1 + i*h2) mod m, where h1 and h2 are seeded 64-bit hashes of the value
// hash. Two base hashes suffice for any k (Kirsch & Mitzenmacher 2006).
//
// nbits and nhashes are frozen at construction. nbitsSet is a maintained
// popcount cache, kept exact by add and unionWith. flags is reserved (a
// future sparse representation would claim a bit there) and is always zero.
type BloomFilter struct {
	flags    uint16
	nhashes  uint8
	nbits    uint32
	nbitsSet uint32
	data     []byte
}

// NewBloomFilter sizes and allocates a filter for ndistinct expected
// values at the target false-positive rate. The bit count comes from the
// standard bloom formula m = -n*ln(p) / (ln 2)^2, rounded up to whole
// bytes; k = round(ln 2 * m / n) with at least one probe.
//
// A filter whose bitmap exceeds maxBytes fails with ErrFilterTooLarge. The
// size is never quietly reduced: probing depends on the exact bit count,
// and a full filter's bitmap is near-random, so compression downstream
// cannot be counted on to make an oversized filter fit.
func NewBloomFilter(ndistinct int, falsePositiveRate float64, maxBytes int) (*BloomFilter, error) {
	if ndistinct <= 0 {
		return nil, fmt.Errorf("%w: ndistinct must be positive, got %d", ErrOptionOutOfRange, ndistinct)
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		return nil, fmt.Errorf("%w: false positive rate %g outside (0, 1)", ErrOptionOutOfRange, falsePositiveRate)
	}

	nbits := int(math.Ceil(-(float64(ndistinct) * math.Log(falsePositiveRate)) / (math.Ln2 * math.Ln2)))

	// Round m up to whole bytes.
	nbytes := (nbits + 7) / 8
	nbits = nbytes * 8

	if nbytes > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes needed, %d available", ErrFilterTooLarge, nbytes, maxBytes)
	}

	k := roundHalfUp(math.Ln2 * float64(nbits) / float64(ndistinct))
	if k < 1 {
		k = 1
	}

	return &BloomFilter{
		nhashes: uint8(k),
		nbits:   uint32(nbits),
		data:    make([]byte, nbytes),
	}, nil
}

// roundHalfUp is portable round-half-up, spelled out by hand. The legacy
// formula predates a dependable math.Round and the stored format depends
// on reproducing it exactly (math.Round differs on negative inputs, which
// cannot occur here, but pinning the exact helper keeps k drift-proof).
func roundHalfUp(x float64) float64 {
	if x-math.Floor(x) >= 0.5 {
		return math.Ceil(x)
	}
	return math.Floor(x)
}

// bloomNDistinct derives the expected distinct count used for sizing from
// the index options and range geometry. Negative option values are
// relative to the maximum possible tuples in the range; the result is
// floored at minNDistinctPerRange and capped at that same maximum, since
// sizing for more values than the range can hold is pure waste.
func bloomNDistinct(geo Geometry, opts BloomOptions) int {
	maxtuples := float64(geo.MaxTuplesPerPage) * float64(geo.PagesPerRange)

	ndistinct := opts.NDistinctPerRange
	if ndistinct < 0 {
		ndistinct = -ndistinct * maxtuples
	}

	ndistinct = math.Max(ndistinct, minNDistinctPerRange)
	ndistinct = math.Min(ndistinct, maxtuples)

	return int(ndistinct)
}

// probePos returns the i-th probe position for the given base hashes.
func (f *BloomFilter) probePos(h1, h2 uint64, i int) uint32 {
	return uint32((h1 + uint64(i)*h2) % uint64(f.nbits))
}

// baseHashes derives the two per-value base hashes, pre-reduced mod nbits.
func (f *BloomFilter) baseHashes(value uint32) (uint64, uint64) {
	h1 := hashUint32Seeded(value, bloomSeed1) % uint64(f.nbits)
	h2 := hashUint32Seeded(value, bloomSeed2) % uint64(f.nbits)
	return h1, h2
}

// add sets the k probe bits for a value hash. It reports whether any bit
// was newly set, so callers can skip re-serializing an unchanged summary.
func (f *BloomFilter) add(value uint32) bool {
	h1, h2 := f.baseHashes(value)

	updated := false
	for i := 0; i < int(f.nhashes); i++ {
		h := f.probePos(h1, h2, i)
		byteIdx := h / 8
		mask := byte(1) << (h % 8)

		if f.data[byteIdx]&mask == 0 {
			f.data[byteIdx] |= mask
			f.nbitsSet++
			updated = true
		}
	}
	return updated
}

// contains probes the k bits for a value hash. False means the value was
// definitely never added; true means it may have been.
func (f *BloomFilter) contains(value uint32) bool {
	h1, h2 := f.baseHashes(value)

	for i := 0; i < int(f.nhashes); i++ {
		h := f.probePos(h1, h2, i)
		if f.data[h/8]&(byte(1)<<(h%8)) == 0 {
			return false
		}
	}
	return true
}

// unionWith ORs other's bitmap into f. Both filters must have been sized
// identically — same bit count, probe count and flags. A mismatch is a
// bug in the caller (ranges with different parameters can never merge),
// not a runtime condition, so it panics.
//
// The popcount cache is recomputed from the merged bitmap; summing the two
// originals would double-count overlapping bits.
func (f *BloomFilter) unionWith(other *BloomFilter) {
	if f.nbits != other.nbits || f.nhashes != other.nhashes || f.flags != other.flags {
		panic(fmt.Sprintf("brinbloom: union of incompatible filters (m=%d/%d k=%d/%d flags=%d/%d)",
			f.nbits, other.nbits, f.nhashes, other.nhashes, f.flags, other.flags))
	}
	if f.nbits == 0 || f.nbits%8 != 0 {
		panic(fmt.Sprintf("brinbloom: union of filter with invalid bit count %d", f.nbits))
	}

	for i := range f.data {
		f.data[i] |= other.data[i]
	}
	f.nbitsSet = popcount(f.data)
}

// NBits returns the bitmap length in bits.
func (f *BloomFilter) NBits() uint32 { return f.nbits }

// NHashes returns the number of probes per value.
func (f *BloomFilter) NHashes() uint8 { return f.nhashes }

// BitsSet returns the cached popcount of the bitmap.
func (f *BloomFilter) BitsSet() uint32 { return f.nbitsSet }

func popcount(data []byte) uint32 {
	var n int
	for _, b := range data {
		n += bits.OnesCount8(b)
	}
	return uint32(n)
}
