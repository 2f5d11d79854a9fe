package metrics_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

var _ = Describe("Collector", func() {
	const addr = "localhost:7076"

	var (
		collector *metrics.Collector
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, logger.Discard())
	})

	AfterEach(func() {
		cancel()
	})

	selections := func() int64 {
		return collector.Snapshot("round-robin").Backends[addr].Selections
	}

	Describe("event processing", func() {
		BeforeEach(func() {
			go func() { _ = collector.Run(ctx) }()
		})

		It("should count accepted connections", func() {
			Expect(collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionAccepted})).To(BeTrue())

			Eventually(func() int64 {
				return collector.Snapshot("round-robin").Connections
			}).Should(Equal(int64(1)))
		})

		It("should count selections", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendSelected, Backend: addr})
			Eventually(selections).Should(Equal(int64(1)))
		})

		It("should count rejected connections", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventNoBackend})

			Eventually(func() int64 {
				return collector.Snapshot("round-robin").Rejected
			}).Should(Equal(int64(1)))
		})

		It("should record completed responses", func() {
			collector.Emit(metrics.MetricEvent{
				Type:       metrics.EventResponseCompleted,
				Backend:    addr,
				Duration:   100 * time.Millisecond,
				StatusCode: 200,
			})

			Eventually(func() metrics.BackendMetrics {
				return collector.Snapshot("round-robin").Backends[addr]
			}).Should(And(
				HaveField("Responses", int64(1)),
				HaveField("AvgResponse", 100*time.Millisecond),
			))
		})

		It("should record health reports through Update", func() {
			collector.Update(backend.New("localhost", 7076, 1, true))

			Eventually(func() bool {
				return collector.Snapshot("round-robin").Backends[addr].Healthy
			}).Should(BeTrue())

			collector.Update(backend.New("localhost", 7076, 1, false))

			Eventually(func() bool {
				return collector.Snapshot("round-robin").Backends[addr].Healthy
			}).Should(BeFalse())
		})
	})

	Describe("Emit", func() {
		It("should drop and count events when the buffer is full", func() {
			collector = metrics.NewCollector(1, logger.Discard())

			Expect(collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionAccepted})).To(BeTrue())
			Expect(collector.Emit(metrics.MetricEvent{Type: metrics.EventConnectionAccepted})).To(BeFalse())

			Expect(collector.Snapshot("round-robin").Dropped).To(Equal(int64(1)))
		})
	})

	Describe("Run", func() {
		It("should drain buffered events on cancellation", func() {
			for i := 0; i < 5; i++ {
				collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendSelected, Backend: addr})
			}
			cancel()

			Expect(collector.Run(ctx)).To(Succeed())
			Expect(selections()).To(Equal(int64(5)))
		})
	})

	Describe("StatsHandler", func() {
		It("should serve the snapshot as JSON", func() {
			go func() { _ = collector.Run(ctx) }()
			collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendSelected, Backend: addr})
			Eventually(selections).Should(Equal(int64(1)))

			rec := httptest.NewRecorder()
			collector.StatsHandler("weighted-round-robin").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			var snap metrics.Snapshot
			Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.Strategy).To(Equal("weighted-round-robin"))
			Expect(snap.Backends[addr].Selections).To(Equal(int64(1)))
		})
	})

	Describe("PrometheusHandler", func() {
		It("should export the collected series", func() {
			go func() { _ = collector.Run(ctx) }()
			collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendSelected, Backend: addr})
			collector.Emit(metrics.MetricEvent{
				Type:       metrics.EventResponseCompleted,
				Backend:    addr,
				Duration:   10 * time.Millisecond,
				StatusCode: 404,
			})
			collector.Update(backend.New("localhost", 7076, 1, true))

			Eventually(func() bool {
				return collector.Snapshot("round-robin").Backends[addr].Healthy
			}).Should(BeTrue())

			server := httptest.NewServer(collector.PrometheusHandler())
			defer server.Close()

			res, err := http.Get(server.URL)
			Expect(err).NotTo(HaveOccurred())
			defer res.Body.Close()

			body, err := io.ReadAll(res.Body)
			Expect(err).NotTo(HaveOccurred())

			Expect(string(body)).To(And(
				ContainSubstring(`tcp_lb_backend_selections_total{backend="localhost:7076"} 1`),
				ContainSubstring(`tcp_lb_backend_responses_total{backend="localhost:7076",code="404"} 1`),
				ContainSubstring(`tcp_lb_backend_healthy{backend="localhost:7076"} 1`),
				ContainSubstring("tcp_lb_connections_accepted_total 0"),
				ContainSubstring("go_goroutines"),
			))
		})

		It("should keep registries separate per collector", func() {
			other := metrics.NewCollector(10, logger.Discard())
			Expect(other.PrometheusHandler()).NotTo(BeNil())
			Expect(collector.PrometheusHandler()).NotTo(BeNil())
		})
	})
})
