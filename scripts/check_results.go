//go:build ignore

// Check_results validates the CSV written by loadtest.go. It checks for
// duplicate connection indices and, when weights are given, compares the
// per-backend share with the share the weights predict.
//
// Usage:
//
//	go run scripts/check_results.go --csv results.csv --expected 5000
//	go run scripts/check_results.go --csv results.csv --weights backend-7076=1,backend-7077=2 --tolerance 0.02
//
// Exit codes:
//
//	0 - Verification passed
//	2 - File errors or malformed CSV
//	3 - Duplicate indices found
//	4 - Distribution outside tolerance
package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

func main() {
	csvPath := pflag.String("csv", "results.csv", "path to the CSV produced by loadtest")
	expected := pflag.Int("expected", 0, "expected number of rows (optional)")
	weightsArg := pflag.String("weights", "", "comma separated backend=weight pairs")
	tolerance := pflag.Float64("tolerance", 0.02, "allowed absolute deviation of each backend share")
	pflag.Parse()

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open csv: %v\n", err)
		os.Exit(2)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read csv: %v\n", err)
		os.Exit(2)
	}

	if len(rows) == 0 {
		fmt.Fprintf(os.Stderr, "csv empty\n")
		os.Exit(2)
	}

	// header: idx,timestamp,backend,duration_ms
	if len(rows[0]) < 4 {
		fmt.Fprintf(os.Stderr, "unexpected csv header: %v\n", rows[0])
		os.Exit(2)
	}

	idxSeen := map[int]bool{}
	counts := map[string]int{}

	for i := 1; i < len(rows); i++ {
		row := rows[i]
		if len(row) < 4 {
			fmt.Fprintf(os.Stderr, "malformed row %d: %v\n", i, row)
			os.Exit(2)
		}
		idx, err := strconv.Atoi(row[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid idx at row %d: %v\n", i, err)
			os.Exit(2)
		}
		if idxSeen[idx] {
			fmt.Printf("DUPLICATE idx=%d at csv row %d\n", idx, i)
		}
		idxSeen[idx] = true
		counts[row[2]]++
	}

	totalRows := len(rows) - 1
	fmt.Printf("Total rows: %d  Unique idx: %d\n", totalRows, len(idxSeen))

	if *expected > 0 && totalRows != *expected {
		fmt.Printf("Warning: total rows (%d) != expected (%d)\n", totalRows, *expected)
	}

	if totalRows != len(idxSeen) {
		fmt.Printf("ERROR: found %d duplicate indices\n", totalRows-len(idxSeen))
		os.Exit(3)
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Per-backend counts:")
	for _, name := range names {
		fmt.Printf("  %s -> %d\n", name, counts[name])
	}

	if *weightsArg != "" {
		weights, err := parseWeights(*weightsArg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --weights: %v\n", err)
			os.Exit(2)
		}
		if !checkDistribution(counts, weights, totalRows, *tolerance) {
			os.Exit(4)
		}
	}

	fmt.Println("Verification passed.")
}

func parseWeights(arg string) (map[string]int, error) {
	weights := make(map[string]int)
	for _, pair := range strings.Split(arg, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("%q is not name=weight", pair)
		}
		w, err := strconv.Atoi(value)
		if err != nil || w < 1 {
			return nil, fmt.Errorf("%q has an invalid weight", pair)
		}
		weights[name] = w
	}
	return weights, nil
}

func checkDistribution(counts, weights map[string]int, total int, tolerance float64) bool {
	sumWeights := 0
	for _, w := range weights {
		sumWeights += w
	}

	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	ok := true
	fmt.Println("Distribution against weights:")
	for _, name := range names {
		want := float64(weights[name]) / float64(sumWeights)
		got := float64(counts[name]) / float64(total)
		status := "ok"
		if math.Abs(got-want) > tolerance {
			status = "OUT OF TOLERANCE"
			ok = false
		}
		fmt.Printf("  %s want=%.3f got=%.3f %s\n", name, want, got, status)
	}
	return ok
}
