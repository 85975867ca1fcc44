package brinbloom

import (
	"fmt"
	"math"
)

// BloomOptions are the two index-level knobs controlling filter sizing.
// They are validated once at index creation and persisted in the catalog;
// every summary of the index is sized from the same pair.
type BloomOptions struct {
	// NDistinctPerRange is the expected number of distinct values per
	// page range. Positive values are absolute counts; negative values
	// are a fraction (0, 1] of the maximum possible tuples per range.
	// Zero is not a valid setting — use DefaultBloomOptions.
	NDistinctPerRange float64 `msgpack:"n_distinct_per_range"`

	// FalsePositiveRate is the target probability that a summary matches
	// a value that was never added, in [0.0001, 0.25].
	FalsePositiveRate float64 `msgpack:"false_positive_rate"`
}

// DefaultBloomOptions returns the default sizing: 10% of the range's
// maximum tuple count distinct, 1% false positives.
func DefaultBloomOptions() BloomOptions {
	return BloomOptions{
		NDistinctPerRange: defaultNDistinctPerRange,
		FalsePositiveRate: defaultFalsePositiveRate,
	}
}

func (o BloomOptions) isZero() bool {
	return o.NDistinctPerRange == 0 && o.FalsePositiveRate == 0
}

// Validate checks both options against their allowed ranges. Violations
// wrap ErrOptionOutOfRange.
func (o BloomOptions) Validate() error {
	if o.NDistinctPerRange == 0 {
		return fmt.Errorf("%w: n_distinct_per_range must not be zero", ErrOptionOutOfRange)
	}
	if o.NDistinctPerRange < -1.0 || o.NDistinctPerRange > math.MaxInt32 {
		return fmt.Errorf("%w: n_distinct_per_range %g outside [-1, %d]",
			ErrOptionOutOfRange, o.NDistinctPerRange, math.MaxInt32)
	}
	if o.FalsePositiveRate < minFalsePositiveRate || o.FalsePositiveRate > maxFalsePositiveRate {
		return fmt.Errorf("%w: false_positive_rate %g outside [%g, %g]",
			ErrOptionOutOfRange, o.FalsePositiveRate, minFalsePositiveRate, maxFalsePositiveRate)
	}
	return nil
}
