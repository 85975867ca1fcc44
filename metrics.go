package brinbloom

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Metrics holds operational counters for the engine.
// All fields are atomic — safe for concurrent reads/writes with zero
// contention. The struct is intentionally dependency-free; Prometheus
// exposition format is generated manually so the library doesn't pull in
// prometheus/client_golang.
type Metrics struct {
	// Write path
	RowsInserted     atomic.Uint64 // heap rows appended
	ValuesAdded      atomic.Uint64 // non-null values folded into summaries
	SummariesCreated atomic.Uint64 // filters allocated (first value in a range)
	SummaryWrites    atomic.Uint64 // summaries re-serialized because they changed

	// Scan path
	RangesScanned     atomic.Uint64 // ranges examined by Scan
	RangesMatched     atomic.Uint64 // ranges the summaries could not rule out
	RangesPruned      atomic.Uint64 // ranges eliminated without touching the heap
	ConsistentChecks  atomic.Uint64 // Consistent invocations
	RowsRechecked     atomic.Uint64 // heap rows re-read from candidate ranges
	RecheckRejected   atomic.Uint64 // rechecked rows that were bloom false positives
	MissingProcErrors atomic.Uint64 // operations degraded by a missing hash function

	// Maintenance
	Rebuilds atomic.Uint64 // full index rebuilds completed

	// Internal reference to the engine for pulling live gauges.
	engine *Engine
}

func newMetrics(e *Engine) *Metrics {
	return &Metrics{engine: e}
}

// Snapshot returns a point-in-time copy of all metrics as a map.
func (m *Metrics) Snapshot() map[string]any {
	snap := map[string]any{
		"rows_inserted_total":       m.RowsInserted.Load(),
		"values_added_total":        m.ValuesAdded.Load(),
		"summaries_created_total":   m.SummariesCreated.Load(),
		"summary_writes_total":      m.SummaryWrites.Load(),
		"ranges_scanned_total":      m.RangesScanned.Load(),
		"ranges_matched_total":      m.RangesMatched.Load(),
		"ranges_pruned_total":       m.RangesPruned.Load(),
		"consistent_checks_total":   m.ConsistentChecks.Load(),
		"rows_rechecked_total":      m.RowsRechecked.Load(),
		"recheck_rejected_total":    m.RecheckRejected.Load(),
		"missing_proc_errors_total": m.MissingProcErrors.Load(),
		"rebuilds_total":            m.Rebuilds.Load(),
	}

	// Pull live gauges from the engine.
	if m.engine != nil {
		st := m.engine.Stats()
		snap["rows_current"] = st.RowCount
		snap["pages_current"] = st.PageCount
		snap["ranges_current"] = st.RangeCount
		snap["disk_size_bytes"] = st.DiskSizeBytes
	}

	return snap
}

// WritePrometheus writes all metrics in Prometheus text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	pCounter(w, "brinbloom_rows_inserted_total", "Total heap rows inserted", m.RowsInserted.Load())
	pCounter(w, "brinbloom_values_added_total", "Total values added to range summaries", m.ValuesAdded.Load())
	pCounter(w, "brinbloom_summaries_created_total", "Total bloom filters allocated", m.SummariesCreated.Load())
	pCounter(w, "brinbloom_summary_writes_total", "Total summary re-serializations", m.SummaryWrites.Load())
	pCounter(w, "brinbloom_ranges_scanned_total", "Total page ranges examined by scans", m.RangesScanned.Load())
	pCounter(w, "brinbloom_ranges_matched_total", "Total page ranges returned as candidates", m.RangesMatched.Load())
	pCounter(w, "brinbloom_ranges_pruned_total", "Total page ranges eliminated by summaries", m.RangesPruned.Load())
	pCounter(w, "brinbloom_consistent_checks_total", "Total summary consistency checks", m.ConsistentChecks.Load())
	pCounter(w, "brinbloom_rows_rechecked_total", "Total candidate heap rows rechecked", m.RowsRechecked.Load())
	pCounter(w, "brinbloom_recheck_rejected_total", "Total rechecked rows rejected as false positives", m.RecheckRejected.Load())
	pCounter(w, "brinbloom_missing_proc_errors_total", "Total operations degraded by a missing hash function", m.MissingProcErrors.Load())
	pCounter(w, "brinbloom_rebuilds_total", "Total index rebuilds", m.Rebuilds.Load())

	if m.engine != nil {
		st := m.engine.Stats()
		pGauge(w, "brinbloom_rows_current", "Current heap row count", float64(st.RowCount))
		pGauge(w, "brinbloom_pages_current", "Current heap page count", float64(st.PageCount))
		pGauge(w, "brinbloom_ranges_current", "Current summarized range count", float64(st.RangeCount))
		pGauge(w, "brinbloom_disk_size_bytes", "Store file size in bytes", float64(st.DiskSizeBytes))
	}
}

// ---------------------------------------------------------------------------
// Prometheus text format helpers
// ---------------------------------------------------------------------------

func pCounter(w io.Writer, name, help string, val uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, val)
}

func pGauge(w io.Writer, name, help string, val float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, val)
}
