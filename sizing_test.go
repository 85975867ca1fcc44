package brinbloom

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizing(t *testing.T) {
	// n=100, p=0.01: m = ceil(459.43.../0.4804...) = 959 bits, rounded up
	// to 120 bytes = 960 bits; k = round(0.693*960/100) = 7.
	f, err := NewBloomFilter(100, 0.01, DefaultMaxSummaryBytes)
	require.NoError(t, err)
	assert.Equal(t, uint32(960), f.NBits())
	assert.Equal(t, uint8(7), f.NHashes())
	assert.Equal(t, uint32(0), f.BitsSet())
	assert.Len(t, f.data, 120)
}

func TestSizingOversizeRejected(t *testing.T) {
	// 10M distinct at 0.01% would need megabytes of bitmap; an 8kB
	// per-tuple budget must reject it outright rather than shrink it.
	f, err := NewBloomFilter(10_000_000, 0.0001, 8192)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFilterTooLarge))
	assert.Nil(t, f)
}

func TestSizingBadParameters(t *testing.T) {
	_, err := NewBloomFilter(0, 0.01, DefaultMaxSummaryBytes)
	assert.Error(t, err)
	_, err = NewBloomFilter(100, 0, DefaultMaxSummaryBytes)
	assert.Error(t, err)
	_, err = NewBloomFilter(100, 1, DefaultMaxSummaryBytes)
	assert.Error(t, err)
}

func TestSizingKRounding(t *testing.T) {
	// The k formula uses hand-rolled round-half-up; both boundary sides
	// are pinned so no implementation drifts to banker's rounding.
	assert.Equal(t, 3.0, roundHalfUp(2.5))
	assert.Equal(t, 4.0, roundHalfUp(3.5))
	assert.Equal(t, 2.0, roundHalfUp(2.4999999))
	assert.Equal(t, 3.0, roundHalfUp(2.5000001))
	assert.Equal(t, 2.0, roundHalfUp(2.0))
}

func TestSizingNDistinctClamping(t *testing.T) {
	geo := Geometry{PagesPerRange: 128}.withDefaults()
	maxtuples := MaxTuplesPerPage * 128

	// Negative option: fraction of the range's max tuple count.
	n := bloomNDistinct(geo, BloomOptions{NDistinctPerRange: -0.1, FalsePositiveRate: 0.01})
	assert.Equal(t, maxtuples/10, n)

	// Positive option: absolute, floored at the minimum.
	n = bloomNDistinct(geo, BloomOptions{NDistinctPerRange: 3, FalsePositiveRate: 0.01})
	assert.Equal(t, minNDistinctPerRange, n)

	// Capped at the maximum possible tuples in the range.
	n = bloomNDistinct(geo, BloomOptions{NDistinctPerRange: 10_000_000, FalsePositiveRate: 0.01})
	assert.Equal(t, maxtuples, n)

	// Single-page range: cap applies to the tiny maximum too.
	tiny := Geometry{PagesPerRange: 1}.withDefaults()
	n = bloomNDistinct(tiny, BloomOptions{NDistinctPerRange: -1.0, FalsePositiveRate: 0.01})
	assert.Equal(t, MaxTuplesPerPage, n)
}

func TestBloomOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultBloomOptions().Validate())

	cases := []struct {
		name string
		opts BloomOptions
	}{
		{"zero ndistinct", BloomOptions{NDistinctPerRange: 0, FalsePositiveRate: 0.01}},
		{"ndistinct below -1", BloomOptions{NDistinctPerRange: -1.5, FalsePositiveRate: 0.01}},
		{"fpr too small", BloomOptions{NDistinctPerRange: -0.1, FalsePositiveRate: 0.00001}},
		{"fpr too large", BloomOptions{NDistinctPerRange: -0.1, FalsePositiveRate: 0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrOptionOutOfRange))
		})
	}

	// Boundary values are legal.
	assert.NoError(t, BloomOptions{NDistinctPerRange: -1.0, FalsePositiveRate: 0.0001}.Validate())
	assert.NoError(t, BloomOptions{NDistinctPerRange: 1, FalsePositiveRate: 0.25}.Validate())
}
