package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tcp_lb"

// Prometheus holds the exported collectors. Each instance owns its registry,
// so several can coexist in one process.
type Prometheus struct {
	registry *prometheus.Registry

	connections prometheus.Counter
	rejected    prometheus.Counter
	dropped     prometheus.Counter
	selections  *prometheus.CounterVec
	responses   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	healthy     *prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Prometheus{
		registry: registry,
		connections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted client connections",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections closed because no healthy backend was available",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_events_dropped_total",
			Help:      "Metric events dropped because the collector buffer was full",
		}),
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "selections_total",
			Help:      "Number of times a backend was chosen for a connection",
		}, []string{"backend"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "responses_total",
			Help:      "Backend responses by status code",
		}, []string{"backend", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "response_duration_seconds",
			Help:      "Time spent fetching the backend response",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		healthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "healthy",
			Help:      "1 when the last health probe succeeded, 0 otherwise",
		}, []string{"backend"}),
	}
}

func (p *Prometheus) observeResponse(backend string, d time.Duration, statusCode int) {
	p.responses.WithLabelValues(backend, strconv.Itoa(statusCode)).Inc()
	p.duration.WithLabelValues(backend).Observe(d.Seconds())
}

func (p *Prometheus) setHealth(backend string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1
	}
	p.healthy.WithLabelValues(backend).Set(value)
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
