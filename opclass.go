package brinbloom

import (
	"fmt"
)

// SummaryStorageType names the designated type of the single stored
// summary column, as reported by OpcInfo.
const SummaryStorageType = "brin_bloom_summary"

// OpcInfo is the static opclass descriptor: one stored summary column,
// with null tracking handled by the caller (nulls never reach the
// filter itself).
type OpcInfo struct {
	NStored      int
	RegularNulls bool
	StorageType  string
}

// procCacheEntry caches one attribute's resolved hash function. A failed
// lookup latches missing so it is reported once and never retried.
type procCacheEntry struct {
	hash    HashFunc
	missing bool
}

// Desc is the opclass-side descriptor for one index: column schema, range
// geometry, sizing options and the per-attribute hash procedure cache. It
// lives for the duration of a build or scan and is not safe for concurrent
// mutation — the engine serializes access, as it does for summaries.
type Desc struct {
	columns []ColumnSpec
	geo     Geometry
	opts    BloomOptions
	reg     TypeRegistry
	procs   []procCacheEntry
}

// NewDesc validates the options and builds a descriptor. attno is 1-based
// everywhere, following the scan-key convention.
func NewDesc(columns []ColumnSpec, geo Geometry, opts BloomOptions, reg TypeRegistry) (*Desc, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("brinbloom: index needs at least one column")
	}
	if opts.isZero() {
		opts = DefaultBloomOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = DefaultTypeRegistry()
	}
	return &Desc{
		columns: columns,
		geo:     geo.withDefaults(),
		opts:    opts,
		reg:     reg,
		procs:   make([]procCacheEntry, len(columns)),
	}, nil
}

// Columns returns the indexed column schema.
func (d *Desc) Columns() []ColumnSpec { return d.columns }

// Geometry returns the range geometry the descriptor was built with.
func (d *Desc) Geometry() Geometry { return d.geo }

// Options returns the validated bloom options.
func (d *Desc) Options() BloomOptions { return d.opts }

// OpcInfo returns the static descriptor for an attribute.
func (d *Desc) OpcInfo(attno uint16) *OpcInfo {
	return &OpcInfo{
		NStored:      1,
		RegularNulls: true,
		StorageType:  SummaryStorageType,
	}
}

// hashProc resolves the hash function for an attribute through the cache.
func (d *Desc) hashProc(attno uint16) (HashFunc, error) {
	if attno == 0 || int(attno) > len(d.columns) {
		return nil, fmt.Errorf("brinbloom: attribute %d out of range", attno)
	}
	entry := &d.procs[attno-1]

	if entry.missing {
		return nil, fmt.Errorf("%w: %q (attribute %d)", ErrMissingHashProc, d.columns[attno-1].Type, attno)
	}
	if entry.hash == nil {
		fn, ok := d.reg[d.columns[attno-1].Type]
		if !ok {
			entry.missing = true
			return nil, fmt.Errorf("%w: %q (attribute %d)", ErrMissingHashProc, d.columns[attno-1].Type, attno)
		}
		entry.hash = fn
	}
	return entry.hash, nil
}

// warmProcCache resolves every attribute's hash function up front, latching
// misses. Afterwards hashProc only reads the cache, so a warmed descriptor
// can serve concurrent readers (rebuilds fan AddValue out across workers).
func (d *Desc) warmProcCache() {
	for i := range d.columns {
		d.hashProc(uint16(i + 1))
	}
}

// AddValue folds one non-null value into the column's summary, allocating
// the filter on the first call for a range. It reports whether the summary
// changed, so the engine can skip re-serializing it.
//
// Nulls must be filtered out by the caller before this point; the filter
// has no null representation.
func (d *Desc) AddValue(col *RangeColumn, value any) (bool, error) {
	hashFn, err := d.hashProc(col.AttNum)
	if err != nil {
		return false, err
	}

	updated := false

	// First non-null value for this range: size and allocate the filter.
	if col.AllNulls {
		filter, err := NewBloomFilter(bloomNDistinct(d.geo, d.opts),
			d.opts.FalsePositiveRate, d.geo.MaxSummaryBytes)
		if err != nil {
			return false, err
		}
		col.Summary = filter
		col.AllNulls = false
		updated = true
	}

	if col.Summary.add(hashFn(value)) {
		updated = true
	}
	return updated, nil
}

// Consistent decides whether the column's page range might satisfy all
// scan keys. Only equality keys are answerable from a bloom summary; any
// other strategy fails with ErrUnsupportedStrategy. The check
// short-circuits on the first key the filter rules out.
//
// Callers guarantee the column is active: all-nulls ranges are filtered
// out before consistency is consulted.
func (d *Desc) Consistent(col *RangeColumn, keys []ScanKey) (bool, error) {
	for _, key := range keys {
		if key.Strategy != EqualStrategy {
			return false, fmt.Errorf("%w: strategy %d", ErrUnsupportedStrategy, key.Strategy)
		}

		hashFn, err := d.hashProc(key.AttNum)
		if err != nil {
			return false, err
		}
		if !col.Summary.contains(hashFn(key.Argument)) {
			return false, nil
		}
	}
	return true, nil
}

// Union merges b's summary into a, leaving b untouched. Both columns must
// be active (callers never union all-nulls ranges) and their
// filters identically sized; violations panic in unionWith. Union commutes
// and associates, which range-merge maintenance relies on.
func (d *Desc) Union(a, b *RangeColumn) {
	a.Summary.unionWith(b.Summary)
	if b.HasNulls {
		a.HasNulls = true
	}
}
