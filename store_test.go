package brinbloom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func testEngineOptions() Options {
	opts := DefaultOptions()
	opts.Columns = []ColumnSpec{
		{Name: "id", Type: "int"},
		{Name: "city", Type: "string"},
	}
	opts.PagesPerRange = 2
	opts.RowsPerPage = 10
	opts.NoSync = true
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func newTestEngine(t *testing.T, opts Options) (*Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	eng, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, path
}

// loadClustered inserts n rows where the city column changes every
// clusterRows rows, so each page range sees few distinct cities.
func loadClustered(t *testing.T, eng *Engine, n, clusterRows int) {
	t.Helper()
	for i := 0; i < n; i++ {
		city := fmt.Sprintf("c%d", i/clusterRows)
		if _, err := eng.InsertRow([]any{int64(i), city}); err != nil {
			t.Fatalf("InsertRow(%d): %v", i, err)
		}
	}
}

func TestEngineInsertAndQuery(t *testing.T) {
	eng, _ := newTestEngine(t, testEngineOptions())

	// 200 rows, city changes every 40 rows: 10 ranges of 20 rows, each
	// range holding exactly one city.
	loadClustered(t, eng, 200, 40)

	st := eng.Stats()
	if st.RowCount != 200 || st.PageCount != 20 || st.RangeCount != 10 {
		t.Fatalf("stats = %+v", st)
	}

	keys := []ScanKey{Equal(2, "c0")}
	candidates, err := eng.Scan(keys)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// "c0" lives in ranges 0 and 1 only; anything more is a false
	// positive, and more than a couple means pruning is broken.
	if len(candidates) < 2 || len(candidates) > 4 {
		t.Errorf("got %d candidate ranges, want 2 (plus rare false positives)", len(candidates))
	}

	rows, err := eng.FetchRows(keys, candidates)
	if err != nil {
		t.Fatalf("FetchRows: %v", err)
	}
	if len(rows) != 40 {
		t.Errorf("got %d rows for city c0, want 40", len(rows))
	}
	for _, row := range rows {
		if s, _ := row[1].(string); s != "c0" {
			t.Fatalf("recheck leaked row %v", row)
		}
	}

	// Combined keys: id = 7 AND city = c0.
	rows, err = eng.Query([]ScanKey{Equal(1, int64(7)), Equal(2, "c0")})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows for id=7 AND city=c0, want 1", len(rows))
	}
}

func TestEngineScanNoKeys(t *testing.T) {
	eng, _ := newTestEngine(t, testEngineOptions())
	loadClustered(t, eng, 100, 20)

	candidates, err := eng.Scan(nil)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(candidates)) != eng.Stats().RangeCount {
		t.Errorf("keyless scan must return every range, got %d", len(candidates))
	}
}

func TestEngineNulls(t *testing.T) {
	eng, _ := newTestEngine(t, testEngineOptions())

	// Range 0 (pages 0-1, rows 0-19): city entirely null.
	for i := 0; i < 20; i++ {
		if _, err := eng.InsertRow([]any{int64(i), nil}); err != nil {
			t.Fatal(err)
		}
	}
	// Range 1: real values.
	for i := 20; i < 40; i++ {
		if _, err := eng.InsertRow([]any{int64(i), "a"}); err != nil {
			t.Fatal(err)
		}
	}

	// Equality can never match an all-nulls range.
	candidates, err := eng.Scan([]ScanKey{Equal(2, "a")})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range candidates {
		if c.StartPage == 0 {
			t.Error("all-nulls range must be pruned from an equality scan")
		}
	}

	rows, err := eng.FetchRows([]ScanKey{Equal(2, "a")}, candidates)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 20 {
		t.Errorf("got %d rows, want 20", len(rows))
	}

	// The all-nulls state is recorded, not lost.
	col, err := eng.rangeState(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if col == nil || !col.AllNulls || !col.HasNulls {
		t.Errorf("range 0 state = %+v, want all-nulls + has-nulls", col)
	}
}

func TestEngineReopen(t *testing.T) {
	opts := testEngineOptions()
	path := filepath.Join(t.TempDir(), "index.db")

	eng, err := Open(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	loadClustered(t, eng, 100, 20)
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen without Columns: the persisted catalog is authoritative.
	reopened, err := Open(path, Options{
		NoSync: true,
		Logger: opts.Logger,
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Stats().RowCount; got != 100 {
		t.Fatalf("row count after reopen = %d, want 100", got)
	}

	rows, err := reopened.Query([]ScanKey{Equal(2, "c1")})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 20 {
		t.Errorf("got %d rows after reopen, want 20", len(rows))
	}

	// Inserts keep working against the reloaded catalog.
	if _, err := reopened.InsertRow([]any{int64(100), "c5"}); err != nil {
		t.Fatal(err)
	}
}

func TestEngineRebuildMatchesIncremental(t *testing.T) {
	eng, _ := newTestEngine(t, testEngineOptions())
	loadClustered(t, eng, 200, 40)

	// Snapshot the incrementally built summaries.
	type snap struct {
		attno uint16
		start uint32
		blob  []byte
	}
	var before []snap
	for attno := uint16(1); attno <= 2; attno++ {
		for start := uint32(0); start < 20; start += 2 {
			col, err := eng.rangeState(attno, start)
			if err != nil {
				t.Fatal(err)
			}
			if col == nil || col.AllNulls {
				t.Fatalf("attr %d range %d missing before rebuild", attno, start)
			}
			before = append(before, snap{attno, start, col.Summary.Serialize()})
		}
	}

	if err := eng.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	// Adds commute and union is exact, so a from-scratch rebuild must
	// reproduce the incremental summaries byte for byte.
	for _, s := range before {
		col, err := eng.rangeState(s.attno, s.start)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(col.Summary.Serialize(), s.blob) {
			t.Errorf("attr %d range %d: rebuild diverged from incremental build", s.attno, s.start)
		}
	}

	if got := eng.Metrics().Rebuilds.Load(); got != 1 {
		t.Errorf("rebuild counter = %d, want 1", got)
	}

	// Queries still work on rebuilt summaries.
	rows, err := eng.Query([]ScanKey{Equal(2, "c2")})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 40 {
		t.Errorf("got %d rows after rebuild, want 40", len(rows))
	}
}

func TestEngineRebuildCancellation(t *testing.T) {
	eng, _ := newTestEngine(t, testEngineOptions())
	loadClustered(t, eng, 100, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := eng.Rebuild(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestEngineMissingHashProcDegrades(t *testing.T) {
	opts := testEngineOptions()
	opts.Registry = TypeRegistry{"int": hashIntValue} // no "string"

	eng, _ := newTestEngine(t, opts)
	loadClustered(t, eng, 100, 20)

	// The string column cannot prune, so every range is a candidate...
	candidates, err := eng.Scan([]ScanKey{Equal(2, "c0")})
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(candidates)) != eng.Stats().RangeCount {
		t.Errorf("blind column must not prune: %d candidates", len(candidates))
	}

	// ...but the recheck still produces exact results.
	rows, err := eng.FetchRows([]ScanKey{Equal(2, "c0")}, candidates)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 20 {
		t.Errorf("got %d rows, want 20", len(rows))
	}

	if eng.Metrics().MissingProcErrors.Load() == 0 {
		t.Error("missing hash procedure must be counted")
	}

	// A blind range has no filter; its rendering must say so, not crash.
	text, err := eng.SummaryText(2, 0)
	if err != nil {
		t.Fatalf("SummaryText on blind range: %v", err)
	}
	if text != "(no filter)" {
		t.Errorf("blind range rendering = %q", text)
	}

	// The int column still prunes normally.
	candidates, err = eng.Scan([]ScanKey{Equal(1, int64(3))})
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(candidates)) >= eng.Stats().RangeCount {
		t.Error("intact column must still prune")
	}
}

func TestEngineErrors(t *testing.T) {
	eng, _ := newTestEngine(t, testEngineOptions())

	if _, err := eng.InsertRow([]any{int64(1)}); err == nil {
		t.Error("row width mismatch must fail")
	}

	if _, err := eng.Scan([]ScanKey{{AttNum: 1, Strategy: 3, Argument: int64(1)}}); !errors.Is(err, ErrUnsupportedStrategy) {
		t.Errorf("want ErrUnsupportedStrategy, got %v", err)
	}

	if _, err := eng.Scan([]ScanKey{Equal(9, int64(1))}); err == nil {
		t.Error("out-of-range attribute must fail")
	}

	// FetchRows validates keys too: a bad attribute number must be an
	// error, not an index panic during the recheck.
	if _, err := eng.FetchRows([]ScanKey{Equal(9, int64(1))}, []RangeCandidate{{StartPage: 0, EndPage: 1}}); err == nil {
		t.Error("fetch with out-of-range attribute must fail")
	}
	if _, err := eng.FetchRows([]ScanKey{Equal(0, int64(1))}, nil); err == nil {
		t.Error("fetch with zero attribute must fail")
	}

	eng.Close()
	if _, err := eng.InsertRow([]any{int64(1), "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
	if _, err := eng.Scan(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}

func TestEngineConcurrentInserts(t *testing.T) {
	opts := testEngineOptions()
	path := filepath.Join(t.TempDir(), "index.db")

	eng, err := Open(path, opts)
	if err != nil {
		t.Fatal(err)
	}

	const workers = 4
	const perWorker = 50
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := eng.InsertRow([]any{int64(w*perWorker + i), "x"}); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	if got := eng.Stats().RowCount; got != workers*perWorker {
		t.Fatalf("row count = %d, want %d", got, workers*perWorker)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}

	// Whatever order the inserts committed in, the persisted counter must
	// cover every committed row: a low counter would hand out an existing
	// heap key on the next insert and silently overwrite a row.
	reopened, err := Open(path, Options{NoSync: true, Logger: opts.Logger})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if got := reopened.Stats().RowCount; got != workers*perWorker {
		t.Fatalf("row count after reopen = %d, want %d", got, workers*perWorker)
	}
	if _, err := reopened.InsertRow([]any{int64(999), "y"}); err != nil {
		t.Fatal(err)
	}
	rows, err := reopened.Query(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != workers*perWorker+1 {
		t.Fatalf("got %d rows, want %d", len(rows), workers*perWorker+1)
	}
}

func TestEngineOpenValidation(t *testing.T) {
	dir := t.TempDir()

	// New store without a schema.
	_, err := Open(filepath.Join(dir, "a.db"), Options{NoSync: true})
	if err == nil {
		t.Error("creating a store without Columns must fail")
	}

	// Out-of-range bloom options surface at open (parse) time.
	opts := testEngineOptions()
	opts.Bloom = BloomOptions{NDistinctPerRange: -0.1, FalsePositiveRate: 0.9}
	_, err = Open(filepath.Join(dir, "b.db"), opts)
	if !errors.Is(err, ErrOptionOutOfRange) {
		t.Errorf("want ErrOptionOutOfRange, got %v", err)
	}

	// Rows per page above the physical page capacity.
	opts = testEngineOptions()
	opts.RowsPerPage = MaxTuplesPerPage + 1
	_, err = Open(filepath.Join(dir, "c.db"), opts)
	if err == nil {
		t.Error("rows per page beyond page capacity must fail")
	}
}

func TestEngineSummaryText(t *testing.T) {
	eng, _ := newTestEngine(t, testEngineOptions())
	loadClustered(t, eng, 40, 20)

	text, err := eng.SummaryText(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text, "{mode: hashed  nhashes: ") {
		t.Errorf("unexpected rendering: %s", text)
	}

	if _, err := eng.SummaryText(2, 9999); err == nil {
		t.Error("missing range must be reported")
	}
}

func TestEngineMetrics(t *testing.T) {
	eng, _ := newTestEngine(t, testEngineOptions())
	loadClustered(t, eng, 60, 20)

	if _, err := eng.Query([]ScanKey{Equal(2, "c0")}); err != nil {
		t.Fatal(err)
	}

	m := eng.Metrics()
	if m.RowsInserted.Load() != 60 {
		t.Errorf("rows inserted = %d", m.RowsInserted.Load())
	}
	if m.ValuesAdded.Load() != 120 { // two non-null columns per row
		t.Errorf("values added = %d", m.ValuesAdded.Load())
	}
	if m.RangesScanned.Load() == 0 || m.ConsistentChecks.Load() == 0 {
		t.Error("scan metrics not recorded")
	}

	snap := m.Snapshot()
	if snap["rows_current"].(uint64) != 60 {
		t.Errorf("snapshot rows_current = %v", snap["rows_current"])
	}

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()
	for _, want := range []string{
		"brinbloom_rows_inserted_total 60",
		"# TYPE brinbloom_ranges_pruned_total counter",
		"brinbloom_rows_current",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prometheus output missing %q", want)
		}
	}
}
