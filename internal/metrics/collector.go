package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

type EventType string

const (
	EventConnectionAccepted EventType = "connection_accepted"
	EventBackendSelected    EventType = "backend_selected"
	EventNoBackend          EventType = "no_backend"
	EventResponseCompleted  EventType = "response_completed"
	EventHealthReported     EventType = "health_reported"
)

type MetricEvent struct {
	Type      EventType
	Timestamp time.Time
	// Backend is the backend address, host:port.
	Backend    string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
}

// Emitter accepts events without blocking. It reports false when the event
// was dropped.
type Emitter interface {
	Emit(event MetricEvent) bool
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(MetricEvent) bool { return false }

type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *Prometheus
	logger     *slog.Logger
}

func NewCollector(bufferSize int, log *slog.Logger) *Collector {
	if bufferSize < 0 {
		bufferSize = 0
	}

	return &Collector{
		eventCh:    make(chan MetricEvent, bufferSize),
		metrics:    NewMetrics(),
		prometheus: NewPrometheus(),
		logger:     logger.WithComponent(log, "metrics"),
	}
}

// Emit queues event for processing.
func (c *Collector) Emit(event MetricEvent) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
		return true
	default:
		c.metrics.RecordDropped()
		c.prometheus.dropped.Inc()
		c.logger.Debug("Metric event dropped", slog.String("type", string(event.Type)))
		return false
	}
}

// Update records the post-check state of b.
func (c *Collector) Update(b backend.Backend) {
	c.Emit(MetricEvent{
		Type:    EventHealthReported,
		Backend: b.Address(),
		Healthy: b.Healthy,
	})
}

// Run processes events until ctx is cancelled, then drains what is still
// buffered.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return nil
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventConnectionAccepted:
		c.prometheus.connections.Inc()
		c.metrics.IncrementConnections()

	case EventBackendSelected:
		c.prometheus.selections.WithLabelValues(event.Backend).Inc()
		c.metrics.RecordBackendSelection(event.Backend)

	case EventNoBackend:
		c.prometheus.rejected.Inc()
		c.metrics.RecordRejected()

	case EventResponseCompleted:
		c.prometheus.observeResponse(event.Backend, event.Duration, event.StatusCode)
		c.metrics.RecordResponse(event.Backend, event.Duration, event.StatusCode)

	case EventHealthReported:
		c.prometheus.setHealth(event.Backend, event.Healthy)
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy)

	default:
		c.logger.Warn("Unknown metric event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(strategy string) Snapshot {
	return c.metrics.Snapshot(strategy)
}

// PrometheusHandler serves the collector's private Prometheus registry.
func (c *Collector) PrometheusHandler() http.Handler {
	return c.prometheus.Handler()
}
