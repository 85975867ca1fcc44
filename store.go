package brinbloom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// Bucket names used in bbolt.
var (
	bucketMeta   = []byte("meta")   // catalog + counters
	bucketHeap   = []byte("heap")   // page(4BE)+line(2BE) → encoded row
	bucketRanges = []byte("ranges") // attno(2BE)+rangeStart(4BE) → range state
)

// allBuckets is the list of all buckets to create on initialization.
var allBuckets = [][]byte{
	bucketMeta,
	bucketHeap,
	bucketRanges,
}

// Meta keys.
var (
	metaCatalog   = []byte("catalog")
	metaNextRowID = []byte("next_row_id")
)

// catalog is the persisted index definition. Written on first open,
// authoritative afterwards: reopening with different Options does not
// change an existing index, because every stored summary was sized from
// these values.
type catalog struct {
	Columns       []ColumnSpec `msgpack:"columns"`
	PagesPerRange uint32       `msgpack:"pages_per_range"`
	RowsPerPage   uint32       `msgpack:"rows_per_page"`
	Bloom         BloomOptions `msgpack:"bloom"`
}

// Engine is an embedded heap + block-range bloom index over a single
// bbolt file. Rows are appended to fixed-capacity heap pages; each
// contiguous run of PagesPerRange pages is summarized, per indexed column,
// by one bloom filter. Equality scans consult the summaries first and
// touch only the heap pages of ranges the filters could not rule out.
//
// Concurrency model:
//   - Reads (Scan, FetchRows, SummaryText) run in bbolt View transactions
//     and can proceed in parallel.
//   - Writes (InsertRow, Rebuild) are serialized by bbolt's single-writer
//     lock, which is also what keeps summary mutation single-threaded.
type Engine struct {
	opts    Options
	path    string
	db      *bolt.DB
	desc    *Desc
	cat     catalog
	pool    *workerPool
	log     *slog.Logger
	metrics *Metrics

	mu        sync.Mutex  // only used in Close() to prevent double-close
	closed    atomic.Bool // checked by every operation without locking
	nextRowID atomic.Uint64

	procWarned sync.Map // attno → struct{}; missing-proc warning emitted once
}

// Open creates or opens an index store at the given file path.
func Open(path string, opts Options) (*Engine, error) {
	def := DefaultOptions()
	if opts.PagesPerRange == 0 {
		opts.PagesPerRange = def.PagesPerRange
	}
	if opts.RowsPerPage <= 0 {
		opts.RowsPerPage = def.RowsPerPage
	}
	if opts.RowsPerPage > MaxTuplesPerPage {
		return nil, fmt.Errorf("brinbloom: rows per page %d exceeds page capacity %d",
			opts.RowsPerPage, MaxTuplesPerPage)
	}
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = def.WorkerPoolSize
	}
	if opts.MmapSize <= 0 {
		opts.MmapSize = def.MmapSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("brinbloom: failed to create directory %s: %w", dir, err)
		}
	}

	boltOpts := *bolt.DefaultOptions
	boltOpts.NoSync = opts.NoSync
	boltOpts.ReadOnly = opts.ReadOnly
	boltOpts.InitialMmapSize = opts.MmapSize

	db, err := bolt.Open(path, 0600, &boltOpts)
	if err != nil {
		return nil, fmt.Errorf("brinbloom: failed to open store at %s: %w", path, err)
	}

	e := &Engine{
		opts: opts,
		path: path,
		db:   db,
		log:  logger,
	}

	if err := e.initCatalog(); err != nil {
		db.Close()
		return nil, err
	}

	e.desc, err = NewDesc(e.cat.Columns,
		Geometry{PagesPerRange: e.cat.PagesPerRange}, e.cat.Bloom, opts.Registry)
	if err != nil {
		db.Close()
		return nil, err
	}

	e.pool = newWorkerPool(opts.WorkerPoolSize)
	e.metrics = newMetrics(e)

	e.log.Info("index store opened",
		"path", path,
		"columns", len(e.cat.Columns),
		"pages_per_range", e.cat.PagesPerRange,
		"rows_per_page", e.cat.RowsPerPage,
		"n_distinct_per_range", e.cat.Bloom.NDistinctPerRange,
		"false_positive_rate", e.cat.Bloom.FalsePositiveRate,
		"rows", e.nextRowID.Load(),
	)

	return e, nil
}

// initCatalog loads the persisted catalog, or writes one from Options on
// first open. Also loads the row counter.
func (e *Engine) initCatalog() error {
	load := func(raw, counter []byte) error {
		if err := msgpack.Unmarshal(raw, &e.cat); err != nil {
			return fmt.Errorf("brinbloom: corrupt catalog: %w", err)
		}
		e.nextRowID.Store(decodeUint64(counter))
		return nil
	}

	if e.opts.ReadOnly {
		return e.db.View(func(tx *bolt.Tx) error {
			meta := tx.Bucket(bucketMeta)
			if meta == nil || meta.Get(metaCatalog) == nil {
				return fmt.Errorf("brinbloom: read-only open of uninitialized store %s", e.path)
			}
			return load(meta.Get(metaCatalog), meta.Get(metaNextRowID))
		})
	}

	return e.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("brinbloom: failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(metaCatalog); raw != nil {
			return load(raw, meta.Get(metaNextRowID))
		}

		// First open: the catalog comes from Options.
		if len(e.opts.Columns) == 0 {
			return fmt.Errorf("brinbloom: Columns required when creating a new index store")
		}
		bloom := e.opts.Bloom
		if bloom.isZero() {
			bloom = DefaultBloomOptions()
		}
		if err := bloom.Validate(); err != nil {
			return err
		}

		e.cat = catalog{
			Columns:       e.opts.Columns,
			PagesPerRange: e.opts.PagesPerRange,
			RowsPerPage:   uint32(e.opts.RowsPerPage),
			Bloom:         bloom,
		}
		raw, err := msgpack.Marshal(&e.cat)
		if err != nil {
			return err
		}
		if err := meta.Put(metaCatalog, raw); err != nil {
			return err
		}
		return meta.Put(metaNextRowID, encodeUint64(0))
	})
}

// Close stops the worker pool and closes the store. The row counter needs
// no flush here: every insert persists it in its own transaction.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Swap(true) {
		return nil
	}
	e.pool.stop()
	return e.db.Close()
}

// Desc exposes the opclass descriptor (for direct use of the four verbs).
func (e *Engine) Desc() *Desc { return e.desc }

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) isClosed() bool { return e.closed.Load() }

// rowLocation maps a row ID to its heap page and line number.
func (e *Engine) rowLocation(rowID uint64) (uint32, uint16) {
	rpp := uint64(e.cat.RowsPerPage)
	return uint32(rowID / rpp), uint16(rowID % rpp)
}

// pageCount returns the number of heap pages in use.
func (e *Engine) pageCount() uint64 {
	rows := e.nextRowID.Load()
	rpp := uint64(e.cat.RowsPerPage)
	return (rows + rpp - 1) / rpp
}

// rangeOf returns the first page of the range containing page.
func (e *Engine) rangeOf(page uint32) uint32 {
	return page - page%e.cat.PagesPerRange
}

// InsertRow appends a row to the heap and folds its values into the range
// summaries of every indexed column, all in one transaction. A nil value
// is a null: it never enters a filter, only sets the range's has-nulls
// flag. Summaries are re-serialized only when they actually changed.
func (e *Engine) InsertRow(vals []any) (uint64, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	if len(vals) != len(e.cat.Columns) {
		return 0, fmt.Errorf("brinbloom: row has %d values, index has %d columns",
			len(vals), len(e.cat.Columns))
	}

	enc, err := encodeRow(vals)
	if err != nil {
		return 0, fmt.Errorf("brinbloom: failed to encode row: %w", err)
	}

	rowID := e.nextRowID.Add(1) - 1
	page, line := e.rowLocation(rowID)
	rangeStart := e.rangeOf(page)

	err = e.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHeap).Put(encodeHeapKey(page, line), enc); err != nil {
			return err
		}

		rb := tx.Bucket(bucketRanges)
		for i := range e.cat.Columns {
			attno := uint16(i + 1)
			key := encodeRangeKey(attno, rangeStart)

			var col *RangeColumn
			raw := rb.Get(key)
			if raw != nil {
				var err error
				col, err = decodeRangeState(attno, raw)
				if err != nil {
					return err
				}
			} else {
				col = NewRangeColumn(attno)
			}

			changed, err := e.addToColumn(col, vals[i])
			if err != nil {
				return err
			}
			if raw == nil || changed {
				if err := rb.Put(key, encodeRangeState(col)); err != nil {
					return err
				}
				e.metrics.SummaryWrites.Add(1)
			}
		}

		// Concurrent inserts can commit in the opposite order of their
		// row IDs. Only ever advance the stored counter, or a reopen
		// could hand out a heap key that is already in use.
		meta := tx.Bucket(bucketMeta)
		if stored := decodeUint64(meta.Get(metaNextRowID)); rowID+1 > stored {
			return meta.Put(metaNextRowID, encodeUint64(rowID+1))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.metrics.RowsInserted.Add(1)
	return rowID, nil
}

// addToColumn routes one value into a per-range column summary. A missing
// hash function skips the value (the summary stays valid, just blind to
// it) — the range then degrades to an always-candidate, never to a wrong
// negative.
func (e *Engine) addToColumn(col *RangeColumn, value any) (bool, error) {
	if value == nil {
		if col.HasNulls {
			return false, nil
		}
		col.HasNulls = true
		return true, nil
	}

	wasAllNulls := col.AllNulls
	changed, err := e.desc.AddValue(col, value)
	if err != nil {
		if errors.Is(err, ErrMissingHashProc) {
			e.warnMissingProc(col.AttNum, err)
			// The value exists but cannot be summarized. Record the range
			// as active-but-blind (no filter) so equality scans never
			// prune it as all-nulls.
			if col.AllNulls {
				col.AllNulls = false
				return true, nil
			}
			return false, nil
		}
		return false, err
	}

	e.metrics.ValuesAdded.Add(1)
	if wasAllNulls {
		e.metrics.SummariesCreated.Add(1)
	}
	return changed, nil
}

func (e *Engine) warnMissingProc(attno uint16, err error) {
	e.metrics.MissingProcErrors.Add(1)
	if _, loaded := e.procWarned.LoadOrStore(attno, struct{}{}); !loaded {
		e.log.Warn("index column has no hash function; its summaries cannot prune",
			"attno", attno, "err", err)
	}
}

// Scan returns the page ranges the summaries could not rule out for the
// given equality keys. With no keys, every range is a candidate. Ranges
// whose summary is missing (never written, or blind due to a missing hash
// function) are candidates too — pruning is only ever an optimization.
func (e *Engine) Scan(keys []ScanKey) ([]RangeCandidate, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}

	if err := e.checkScanKeys(keys); err != nil {
		return nil, err
	}
	perAtt := make(map[uint16][]ScanKey)
	for _, key := range keys {
		perAtt[key.AttNum] = append(perAtt[key.AttNum], key)
	}

	pages := e.pageCount()
	ppr := uint64(e.cat.PagesPerRange)
	start := time.Now()

	var candidates []RangeCandidate
	err := e.db.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRanges)

		for rangeStart := uint64(0); rangeStart < pages; rangeStart += ppr {
			e.metrics.RangesScanned.Add(1)

			match := true
			for attno, attKeys := range perAtt {
				raw := rb.Get(encodeRangeKey(attno, uint32(rangeStart)))
				if raw == nil {
					continue // no summary, cannot prune
				}
				col, err := decodeRangeState(attno, raw)
				if err != nil {
					return err
				}

				// An all-nulls range holds no non-null values at
				// all; equality cannot match there.
				if col.AllNulls {
					match = false
					break
				}
				if col.Summary == nil {
					continue // blind range, cannot prune
				}

				e.metrics.ConsistentChecks.Add(1)
				ok, err := e.desc.Consistent(col, attKeys)
				if err != nil {
					if errors.Is(err, ErrMissingHashProc) {
						e.warnMissingProc(attno, err)
						continue // cannot prune without a hash
					}
					return err
				}
				if !ok {
					match = false
					break
				}
			}

			if match {
				end := rangeStart + ppr - 1
				if end >= pages {
					end = pages - 1
				}
				candidates = append(candidates, RangeCandidate{
					StartPage: uint32(rangeStart),
					EndPage:   uint32(end),
				})
				e.metrics.RangesMatched.Add(1)
			} else {
				e.metrics.RangesPruned.Add(1)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("range scan",
		"keys", len(keys),
		"ranges", (pages+ppr-1)/ppr,
		"candidates", len(candidates),
		"elapsed", time.Since(start),
	)

	return candidates, nil
}

// FetchRows reads the heap pages of the candidate ranges and rechecks the
// scan keys against the actual values, discarding bloom false positives.
func (e *Engine) FetchRows(keys []ScanKey, candidates []RangeCandidate) ([][]any, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if err := e.checkScanKeys(keys); err != nil {
		return nil, err
	}

	var rows [][]any
	err := e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHeap).Cursor()

		for _, cand := range candidates {
			for k, v := c.Seek(encodeHeapKey(cand.StartPage, 0)); k != nil; k, v = c.Next() {
				page, _ := decodeHeapKey(k)
				if page > cand.EndPage {
					break
				}

				vals, err := decodeRow(v)
				if err != nil {
					return err
				}
				e.metrics.RowsRechecked.Add(1)

				ok, err := e.rowMatches(vals, keys)
				if err != nil {
					return err
				}
				if ok {
					rows = append(rows, vals)
				} else {
					e.metrics.RecheckRejected.Add(1)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// checkScanKeys validates strategies and attribute numbers before any key
// is used to index into rows or summaries.
func (e *Engine) checkScanKeys(keys []ScanKey) error {
	for _, key := range keys {
		if key.Strategy != EqualStrategy {
			return fmt.Errorf("%w: strategy %d", ErrUnsupportedStrategy, key.Strategy)
		}
		if key.AttNum == 0 || int(key.AttNum) > len(e.cat.Columns) {
			return fmt.Errorf("brinbloom: scan key attribute %d out of range", key.AttNum)
		}
	}
	return nil
}

// rowMatches applies all equality keys to a decoded row.
func (e *Engine) rowMatches(vals []any, keys []ScanKey) (bool, error) {
	for _, key := range keys {
		if key.Strategy != EqualStrategy {
			return false, fmt.Errorf("%w: strategy %d", ErrUnsupportedStrategy, key.Strategy)
		}
		if !valuesEqual(vals[key.AttNum-1], key.Argument) {
			return false, nil
		}
	}
	return true, nil
}

// Query runs a full equality scan: summary pruning, then heap recheck.
func (e *Engine) Query(keys []ScanKey) ([][]any, error) {
	candidates, err := e.Scan(keys)
	if err != nil {
		return nil, err
	}
	return e.FetchRows(keys, candidates)
}

// Rebuild re-summarizes every range from the heap, replacing whatever the
// ranges bucket holds. Ranges are built concurrently on the worker pool;
// within a range, each page is summarized into a partial column which is
// then merged in with Union. Union is commutative and associative, so the
// page merge order doesn't matter.
func (e *Engine) Rebuild(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}

	pages := e.pageCount()
	ppr := uint64(e.cat.PagesPerRange)
	nRanges := int((pages + ppr - 1) / ppr)
	start := time.Now()

	// Workers share the descriptor; resolve its proc cache before fanning
	// out so none of them writes to it.
	e.desc.warmProcCache()

	results := make([][]*RangeColumn, nRanges)
	tasks := make([]buildTask, nRanges)
	for i := range tasks {
		rangeIdx := i
		tasks[i] = func() error {
			cols, err := e.buildRange(uint32(uint64(rangeIdx)*ppr), pages)
			if err != nil {
				return err
			}
			results[rangeIdx] = cols
			return nil
		}
	}

	if err := e.pool.runAll(ctx, tasks); err != nil {
		return err
	}

	err := e.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRanges)
		for rangeIdx, cols := range results {
			rangeStart := uint32(uint64(rangeIdx) * ppr)
			for i, col := range cols {
				attno := uint16(i + 1)
				if err := rb.Put(encodeRangeKey(attno, rangeStart), encodeRangeState(col)); err != nil {
					return err
				}
				e.metrics.SummaryWrites.Add(1)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.metrics.Rebuilds.Add(1)
	e.log.Info("index rebuilt",
		"ranges", nRanges,
		"pages", pages,
		"elapsed", time.Since(start),
	)
	return nil
}

// buildRange summarizes one page range from the heap: a fresh partial
// column per page, merged into the per-range columns.
func (e *Engine) buildRange(rangeStart uint32, totalPages uint64) ([]*RangeColumn, error) {
	nCols := len(e.cat.Columns)

	cols := make([]*RangeColumn, nCols)
	for i := range cols {
		cols[i] = NewRangeColumn(uint16(i + 1))
	}

	rangeEnd := uint64(rangeStart) + uint64(e.cat.PagesPerRange) // exclusive
	if rangeEnd > totalPages {
		rangeEnd = totalPages
	}

	err := e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHeap).Cursor()

		for page := uint64(rangeStart); page < rangeEnd; page++ {
			partials := make([]*RangeColumn, nCols)
			for i := range partials {
				partials[i] = NewRangeColumn(uint16(i + 1))
			}

			for k, v := c.Seek(encodeHeapKey(uint32(page), 0)); k != nil; k, v = c.Next() {
				p, _ := decodeHeapKey(k)
				if uint64(p) != page {
					break
				}
				vals, err := decodeRow(v)
				if err != nil {
					return err
				}
				for i := 0; i < nCols; i++ {
					if _, err := e.addToColumn(partials[i], vals[i]); err != nil {
						return err
					}
				}
			}

			for i := 0; i < nCols; i++ {
				e.mergeColumns(cols[i], partials[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cols, nil
}

// mergeColumns folds a partial column into dst. Union requires both sides
// active, so empty and blind partials are handled here, outside the core
// verb. A blind partial (values present but no hash function) poisons the
// whole range: without a complete summary it must stay an always-candidate.
func (e *Engine) mergeColumns(dst, src *RangeColumn) {
	if src.HasNulls {
		dst.HasNulls = true
	}
	if src.AllNulls {
		return
	}
	if src.Summary == nil || (!dst.AllNulls && dst.Summary == nil) {
		dst.AllNulls = false
		dst.Summary = nil
		return
	}
	if dst.AllNulls {
		dst.Summary = src.Summary
		dst.AllNulls = false
		return
	}
	e.desc.Union(dst, src)
}

// rangeState loads one range's column summary, or nil if never written.
func (e *Engine) rangeState(attno uint16, rangeStart uint32) (*RangeColumn, error) {
	var col *RangeColumn
	err := e.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRanges).Get(encodeRangeKey(attno, rangeStart))
		if raw == nil {
			return nil
		}
		var err error
		col, err = decodeRangeState(attno, raw)
		return err
	})
	return col, err
}

// SummaryText renders one range's summary metadata for inspection.
func (e *Engine) SummaryText(attno uint16, rangeStart uint32) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}

	col, err := e.rangeState(attno, rangeStart)
	if err != nil {
		return "", err
	}
	if col == nil {
		return "", fmt.Errorf("brinbloom: no summary for attribute %d range %d", attno, rangeStart)
	}
	if col.AllNulls {
		return "(all nulls)", nil
	}
	if col.Summary == nil {
		return "(no filter)", nil
	}
	return col.Summary.String(), nil
}

// Stats returns point-in-time engine statistics.
func (e *Engine) Stats() Stats {
	rows := e.nextRowID.Load()
	pages := e.pageCount()
	ppr := uint64(e.cat.PagesPerRange)

	st := Stats{
		RowCount:   rows,
		PageCount:  pages,
		RangeCount: (pages + ppr - 1) / ppr,
	}
	if fi, err := os.Stat(e.path); err == nil {
		st.DiskSizeBytes = fi.Size()
	}
	return st
}
