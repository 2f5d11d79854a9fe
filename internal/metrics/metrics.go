package metrics

import (
	"slices"
	"sync"
	"time"
)

// maxSamples bounds the response time window kept per backend.
const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	connections   int64
	rejected      int64
	dropped       int64
	selections    map[string]int64
	responses     map[string]int64
	failures      map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	healthStatus  map[string]bool
	startTime     time.Time
}

type Snapshot struct {
	Connections int64                     `json:"connections"`
	Rejected    int64                     `json:"rejected"`
	Dropped     int64                     `json:"dropped_events"`
	Uptime      string                    `json:"uptime"`
	Strategy    string                    `json:"strategy"`
	Backends    map[string]BackendMetrics `json:"backends"`
}

type BackendMetrics struct {
	Selections  int64         `json:"selections"`
	Responses   int64         `json:"responses"`
	Failures    int64         `json:"failures"`
	Healthy     bool          `json:"healthy"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes,omitempty"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		selections:    make(map[string]int64),
		responses:     make(map[string]int64),
		failures:      make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		healthStatus:  make(map[string]bool),
		startTime:     time.Now(),
	}
}

func (m *Metrics) IncrementConnections() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connections++
}

func (m *Metrics) RecordRejected() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejected++
}

func (m *Metrics) RecordDropped() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dropped++
}

func (m *Metrics) RecordBackendSelection(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[backend]++
}

// RecordResponse stores one proxied exchange. Any status outside 2xx counts
// as a failure.
func (m *Metrics) RecordResponse(backend string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responses[backend]++
	if statusCode < 200 || statusCode > 299 {
		m.failures[backend]++
	}

	samples := append(m.responseTimes[backend], duration)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	m.responseTimes[backend] = samples

	if m.statusCodes[backend] == nil {
		m.statusCodes[backend] = make(map[int]int64)
	}
	m.statusCodes[backend][statusCode]++
}

func (m *Metrics) UpdateHealthStatus(backend string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[backend] = healthy
}

func (m *Metrics) Snapshot(strategy string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Connections: m.connections,
		Rejected:    m.rejected,
		Dropped:     m.dropped,
		Uptime:      time.Since(m.startTime).Round(time.Second).String(),
		Strategy:    strategy,
		Backends:    make(map[string]BackendMetrics),
	}

	known := make(map[string]struct{})
	for _, keys := range []map[string]int64{m.selections, m.responses} {
		for backend := range keys {
			known[backend] = struct{}{}
		}
	}
	for backend := range m.healthStatus {
		known[backend] = struct{}{}
	}

	for backend := range known {
		bm := BackendMetrics{
			Selections: m.selections[backend],
			Responses:  m.responses[backend],
			Failures:   m.failures[backend],
			Healthy:    m.healthStatus[backend],
		}

		if codes := m.statusCodes[backend]; len(codes) > 0 {
			bm.StatusCodes = make(map[int]int64, len(codes))
			for code, n := range codes {
				bm.StatusCodes[code] = n
			}
		}

		if durations := m.responseTimes[backend]; len(durations) > 0 {
			sorted := slices.Clone(durations)
			slices.Sort(sorted)

			bm.AvgResponse = average(sorted)
			bm.P50Response = percentile(sorted, 0.50)
			bm.P95Response = percentile(sorted, 0.95)
			bm.P99Response = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
