// Command brinbloom — minimal quickstart showing the index end to end:
// insert rows, scan with an equality key, inspect pruning and summaries.
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"

	brinbloom "github.com/brindb/brinbloom"
)

var cities = []string{
	"Ankara", "Berlin", "Lisbon", "Oslo", "Prague",
	"Riga", "Sofia", "Tallinn", "Vienna", "Zagreb",
}

func main() {
	fmt.Println("=== brinbloom Quickstart ===")
	fmt.Println()

	path := "./quickstart.db"
	os.Remove(path)

	eng, err := brinbloom.Open(path, brinbloom.Options{
		Columns: []brinbloom.ColumnSpec{
			{Name: "id", Type: "int"},
			{Name: "city", Type: "string"},
		},
		PagesPerRange: 4,
		RowsPerPage:   100,
		NoSync:        true, // demo data, durability doesn't matter
	})
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		eng.Close()
		os.Remove(path)
	}()

	// Load rows. Cities cluster: each range sees only a couple of them,
	// which is what makes the summaries selective.
	const total = 20000
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < total; i++ {
		cluster := (i * len(cities)) / total
		city := cities[cluster]
		if rng.Intn(20) == 0 {
			city = cities[rng.Intn(len(cities))] // a few strays per range
		}
		if _, err := eng.InsertRow([]any{int64(i), city}); err != nil {
			log.Fatal(err)
		}
	}

	st := eng.Stats()
	fmt.Printf("Loaded %d rows into %d pages (%d ranges)\n\n", st.RowCount, st.PageCount, st.RangeCount)

	// Equality scan: the summaries prune ranges that never saw the city.
	keys := []brinbloom.ScanKey{brinbloom.Equal(2, "Oslo")}

	candidates, err := eng.Scan(keys)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("city = \"Oslo\": %d of %d ranges are candidates\n", len(candidates), st.RangeCount)

	rows, err := eng.FetchRows(keys, candidates)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("matching rows after recheck: %d\n\n", len(rows))

	// Inspect the first candidate range's summary.
	if len(candidates) > 0 {
		text, err := eng.SummaryText(2, candidates[0].StartPage)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("summary of range starting at page %d:\n  %s\n\n", candidates[0].StartPage, text)
	}

	fmt.Println("Metrics:")
	eng.Metrics().WritePrometheus(os.Stdout)
}
