package brinbloom

import (
	"errors"
	"log/slog"
)

// Sentinel errors. All surfaced errors wrap one of these, so callers can
// classify failures with errors.Is.
var (
	// ErrFilterTooLarge is returned when the sized bloom filter would not
	// fit into a single index tuple. The sizer never shrinks a filter to
	// fit, because probing relies on the exact bit count.
	ErrFilterTooLarge = errors.New("brinbloom: bloom filter too large for one index tuple")

	// ErrOptionOutOfRange is returned when index options fail validation.
	ErrOptionOutOfRange = errors.New("brinbloom: index option out of range")

	// ErrUnsupportedStrategy is returned by Consistent for any scan key
	// that is not an equality key. Bloom summaries support only equality.
	ErrUnsupportedStrategy = errors.New("brinbloom: unsupported scan strategy")

	// ErrTextInputNotSupported is returned when a summary is fed in as
	// text. Summaries are binary-only; the textual form is output-only.
	ErrTextInputNotSupported = errors.New("brinbloom: cannot accept summary text input")

	// ErrMissingHashProc is returned when no hash function is registered
	// for an attribute's column type. The failure is latched per attribute
	// so repeated lookups don't retry.
	ErrMissingHashProc = errors.New("brinbloom: no hash function for column type")

	// ErrBadSummary is returned when a serialized summary fails
	// structural validation during deserialization.
	ErrBadSummary = errors.New("brinbloom: malformed summary")

	// ErrClosed is returned by engine operations after Close.
	ErrClosed = errors.New("brinbloom: engine is closed")
)

// EqualStrategy is the only operator strategy a bloom summary can answer.
const EqualStrategy uint16 = 1

// Seeds for the two base hashes h1 and h2 combined via (h1 + i*h2) to
// generate the k probe positions. These are part of the on-disk contract:
// changing either one invalidates every stored summary, so they must never
// change without a format version bump.
const (
	bloomSeed1 uint32 = 0x71d924af
	bloomSeed2 uint32 = 0xba48b314
)

const (
	// minNDistinctPerRange floors the expected distinct count used for
	// sizing. Below ~16 entries the 15-byte summary header is about as
	// large as the bitmap itself, so smaller filters gain nothing.
	minNDistinctPerRange = 16

	defaultNDistinctPerRange = -0.1 // 10% of the range's max tuple count

	minFalsePositiveRate     = 0.0001
	maxFalsePositiveRate     = 0.25
	defaultFalsePositiveRate = 0.01
)

const (
	// MaxTuplesPerPage is the most heap tuples an 8kB page can hold.
	// Together with PagesPerRange it bounds the distinct count per range.
	MaxTuplesPerPage = 291

	// DefaultPagesPerRange is the number of heap pages summarized by one
	// index entry.
	DefaultPagesPerRange = 128

	// DefaultMaxSummaryBytes is the per-index-tuple budget for one
	// serialized filter: an 8kB page minus page and tuple overhead.
	DefaultMaxSummaryBytes = 8096
)

// ScanKey is one condition of an index scan: attribute number (1-based),
// operator strategy, and the comparison argument.
type ScanKey struct {
	AttNum   uint16
	Strategy uint16
	Argument any
}

// Equal builds an equality scan key for the given attribute.
func Equal(attno uint16, value any) ScanKey {
	return ScanKey{AttNum: attno, Strategy: EqualStrategy, Argument: value}
}

// RangeColumn is the per-(attribute, page range) summary state. It starts
// in the AllNulls state with no filter; the first non-null AddValue
// allocates the filter and clears AllNulls. Nulls never enter the filter —
// HasNulls only records that one was seen.
type RangeColumn struct {
	AttNum   uint16
	AllNulls bool
	HasNulls bool
	Summary  *BloomFilter
}

// NewRangeColumn returns a fresh column summary in the AllNulls state.
func NewRangeColumn(attno uint16) *RangeColumn {
	return &RangeColumn{AttNum: attno, AllNulls: true}
}

// ColumnSpec describes one indexed column: a name and the type name used
// to resolve its hash function from the type registry.
type ColumnSpec struct {
	Name string `msgpack:"name"`
	Type string `msgpack:"type"`
}

// Geometry carries the engine-supplied range layout the sizer needs.
type Geometry struct {
	PagesPerRange    uint32
	MaxTuplesPerPage int
	MaxSummaryBytes  int
}

// withDefaults fills in zero fields.
func (g Geometry) withDefaults() Geometry {
	if g.PagesPerRange == 0 {
		g.PagesPerRange = DefaultPagesPerRange
	}
	if g.MaxTuplesPerPage <= 0 {
		g.MaxTuplesPerPage = MaxTuplesPerPage
	}
	if g.MaxSummaryBytes <= 0 {
		g.MaxSummaryBytes = DefaultMaxSummaryBytes
	}
	return g
}

// Options configures an Engine.
type Options struct {
	// Columns defines the indexed row schema. Required on first open;
	// ignored on reopen (the persisted catalog wins).
	Columns []ColumnSpec

	// PagesPerRange is the number of heap pages summarized per range.
	PagesPerRange uint32

	// RowsPerPage is how many rows the engine packs into one heap page.
	// Must not exceed MaxTuplesPerPage.
	RowsPerPage int

	// Bloom holds the per-index filter options. Zero value means defaults.
	Bloom BloomOptions

	// Registry maps column type names to hash functions. Nil means the
	// built-in registry.
	Registry TypeRegistry

	// WorkerPoolSize is the number of goroutines used by Rebuild.
	WorkerPoolSize int

	// NoSync disables fsync after each commit for faster writes.
	NoSync bool
	// ReadOnly opens the store in read-only mode.
	ReadOnly bool
	// MmapSize is the initial mmap size for the store file in bytes.
	MmapSize int

	// Logger receives structured operational logs. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults; Columns must still be set.
func DefaultOptions() Options {
	return Options{
		PagesPerRange:  DefaultPagesPerRange,
		RowsPerPage:    100,
		WorkerPoolSize: 4,
		MmapSize:       64 * 1024 * 1024,
	}
}

// Stats holds point-in-time engine statistics.
type Stats struct {
	RowCount      uint64 `json:"row_count"`
	PageCount     uint64 `json:"page_count"`
	RangeCount    uint64 `json:"range_count"`
	DiskSizeBytes int64  `json:"disk_size_bytes"`
}

// RangeCandidate is one page range a scan could not rule out. Pages
// [StartPage, EndPage] may contain matching rows and must be rechecked.
type RangeCandidate struct {
	StartPage uint32
	EndPage   uint32
}
