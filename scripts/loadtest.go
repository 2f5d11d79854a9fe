//go:build ignore

// Loadtest opens many client connections against the load balancer, sends a
// line on each and tallies the replies per backend. It measures throughput,
// latency percentiles and the distribution across backends.
//
// Usage:
//
//	go run scripts/loadtest.go --addr localhost:9000 --concurrency 10 --requests 1000
//	go run scripts/loadtest.go --addr localhost:9000 --requests 5000 --csv results.csv --out summary.json
//
// Each reply is classified as:
//   - the backend name, taken from the first word of the body of a
//     "Response from server" block
//   - "error-<code>" for a "Backend Service Error: <code>" reply
//   - "closed" when the connection closed without a reply (no healthy backend)
//   - "failed" when the connection could not be made or read
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type result struct {
	idx      int
	at       time.Time
	outcome  string
	duration time.Duration
}

type outcomeStats struct {
	Count int64   `json:"count"`
	Share float64 `json:"share"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

type summary struct {
	Address     string                   `json:"address"`
	Requests    int                      `json:"requests"`
	Concurrency int                      `json:"concurrency"`
	Elapsed     string                   `json:"elapsed"`
	Throughput  float64                  `json:"throughput_rps"`
	Outcomes    map[string]*outcomeStats `json:"outcomes"`
}

func main() {
	addr := pflag.String("addr", "localhost:9000", "load balancer address")
	concurrency := pflag.Int("concurrency", 10, "number of concurrent workers")
	requests := pflag.Int("requests", 100, "total number of connections to open")
	line := pflag.String("line", "hello", "line sent on each connection")
	timeout := pflag.Duration("timeout", 10*time.Second, "per-connection timeout")
	outJSON := pflag.String("out", "", "write a JSON summary to this file")
	outCSV := pflag.String("csv", "", "write per-connection rows to this file")
	verbose := pflag.BoolP("verbose", "v", false, "print every reply classification")
	pflag.Parse()

	jobs := make(chan int)
	results := make([]result, *requests)

	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			for idx := range jobs {
				res := exchange(ctx, *addr, *line, *timeout)
				res.idx = idx
				results[idx] = res
				if *verbose {
					fmt.Printf("#%d %s %s\n", idx, res.outcome, res.duration)
				}
			}
			return nil
		})
	}

	for i := 0; i < *requests; i++ {
		jobs <- i
	}
	close(jobs)

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	elapsed := time.Since(start)
	sum := summarize(results, *addr, *concurrency, elapsed)
	printSummary(sum)

	if *outCSV != "" {
		if err := writeCSV(*outCSV, results); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write csv: %v\n", err)
			os.Exit(1)
		}
	}

	if *outJSON != "" {
		data, err := json.MarshalIndent(sum, "", "  ")
		if err == nil {
			err = os.WriteFile(*outJSON, data, 0o644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to write summary: %v\n", err)
			os.Exit(1)
		}
	}
}

func exchange(ctx context.Context, addr, line string, timeout time.Duration) result {
	start := time.Now()
	res := result{at: start, outcome: "failed"}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		res.duration = time.Since(start)
		return res
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		res.duration = time.Since(start)
		return res
	}

	reply, err := io.ReadAll(conn)
	res.duration = time.Since(start)
	if err != nil && len(reply) == 0 {
		return res
	}

	res.outcome = classify(string(reply))
	return res
}

func classify(reply string) string {
	switch {
	case reply == "":
		return "closed"
	case strings.HasPrefix(reply, "Backend Service Error: "):
		return "error-" + strings.TrimSpace(strings.TrimPrefix(reply, "Backend Service Error: "))
	case strings.HasPrefix(reply, "\nResponse from server: "):
		_, body, found := strings.Cut(reply, "\n\n")
		if !found {
			return "unknown"
		}
		if fields := strings.Fields(body); len(fields) > 0 {
			return fields[0]
		}
		return "empty-body"
	default:
		return "unknown"
	}
}

func summarize(results []result, addr string, concurrency int, elapsed time.Duration) summary {
	latencies := make(map[string][]time.Duration)
	for _, r := range results {
		latencies[r.outcome] = append(latencies[r.outcome], r.duration)
	}

	sum := summary{
		Address:     addr,
		Requests:    len(results),
		Concurrency: concurrency,
		Elapsed:     elapsed.String(),
		Throughput:  float64(len(results)) / elapsed.Seconds(),
		Outcomes:    make(map[string]*outcomeStats),
	}

	for outcome, durations := range latencies {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		sum.Outcomes[outcome] = &outcomeStats{
			Count: int64(len(durations)),
			Share: float64(len(durations)) / float64(len(results)),
			P50Ms: millis(percentile(durations, 0.50)),
			P95Ms: millis(percentile(durations, 0.95)),
			P99Ms: millis(percentile(durations, 0.99)),
		}
	}

	return sum
}

func printSummary(sum summary) {
	fmt.Printf("%d connections to %s in %s (%.1f/s, %d workers)\n",
		sum.Requests, sum.Address, sum.Elapsed, sum.Throughput, sum.Concurrency)

	outcomes := make([]string, 0, len(sum.Outcomes))
	for o := range sum.Outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)

	for _, o := range outcomes {
		s := sum.Outcomes[o]
		fmt.Printf("  %-24s %6d  %5.1f%%  p50=%.1fms p95=%.1fms p99=%.1fms\n",
			o, s.Count, s.Share*100, s.P50Ms, s.P95Ms, s.P99Ms)
	}
}

func writeCSV(path string, results []result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)

	if err := w.Write([]string{"idx", "timestamp", "backend", "duration_ms"}); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			strconv.Itoa(r.idx),
			r.at.Format(time.RFC3339Nano),
			r.outcome,
			strconv.FormatFloat(millis(r.duration), 'f', 3, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
