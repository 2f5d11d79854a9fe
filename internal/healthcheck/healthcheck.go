package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

const defaultInterval = 5 * time.Second

// Observer receives the post-check state of each probed backend.
type Observer interface {
	Update(b backend.Backend)
}

// Registry is the part of the backend registry the monitor needs.
type Registry interface {
	List() []backend.Backend
	UpdateHealth(candidate *backend.Backend) (bool, error)
}

type Options struct {
	// Interval is the pause between two full sweeps.
	Interval time.Duration
	// Timeout bounds a single probe. Zero means no per-probe bound.
	Timeout time.Duration
}

// Monitor probes backends periodically. It is the subject side of the
// observer relationship: observers are called synchronously, in
// subscription order, so a slow observer delays the rest of the sweep.
type Monitor struct {
	registry Registry
	fetcher  backend.Fetcher
	opts     Options
	logger   *slog.Logger

	mutex     sync.Mutex
	observers []Observer
}

func NewMonitor(registry Registry, fetcher backend.Fetcher, opts Options, log *slog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}

	return &Monitor{
		registry: registry,
		fetcher:  fetcher,
		opts:     opts,
		logger:   logger.WithComponent(log, "healthcheck"),
	}
}

// Subscribe adds o to the notification list.
func (m *Monitor) Subscribe(o Observer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.observers = append(m.observers, o)
}

// Unsubscribe removes the first registration of o.
func (m *Monitor) Unsubscribe(o Observer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, existing := range m.observers {
		if existing == o {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			return
		}
	}
}

// Notify passes b to every observer.
func (m *Monitor) Notify(b backend.Backend) {
	m.mutex.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mutex.Unlock()

	for _, o := range observers {
		o.Update(b)
	}
}

// Run sweeps immediately, then once per interval, until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Health monitor started",
		slog.Duration("interval", m.opts.Interval),
		slog.Duration("timeout", m.opts.Timeout))
	defer m.logger.Info("Health monitor stopped")

	timer := time.NewTimer(m.opts.Interval)
	defer timer.Stop()

	for {
		m.Sweep(ctx)

		timer.Reset(m.opts.Interval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// Sweep checks every backend once, in registry order. It returns early when
// ctx is cancelled; the backend being probed at that moment is left as is.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, b := range m.registry.List() {
		if ctx.Err() != nil {
			return
		}

		healthy, completed := m.check(ctx, b)
		if !completed {
			return
		}

		checked := b.WithHealth(healthy)

		changed, err := m.registry.UpdateHealth(&checked)
		if err != nil {
			m.logger.Error("Failed to record health",
				slog.String("server", checked.Address()),
				slog.Any("err", err))
		}

		if changed {
			if healthy {
				m.logger.Info("Server is back up", slog.String("server", checked.Address()))
			} else {
				m.logger.Warn("Server is down", slog.String("server", checked.Address()))
			}
		}

		m.Notify(checked)
	}
}

// check probes b. completed is false when the probe was cut short by ctx.
func (m *Monitor) check(ctx context.Context, b backend.Backend) (healthy, completed bool) {
	probeCtx := ctx
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	res, err := m.probe(probeCtx, b)
	if err != nil {
		if ctx.Err() != nil {
			return false, false
		}

		m.logger.Warn(fmt.Sprintf("%s:%d is currently NOT available.", b.Host, b.Port),
			slog.String("host", b.Host),
			slog.Int("port", b.Port),
			slog.Any("err", err))
		return false, true
	}

	if !res.Success() {
		m.logger.Warn(fmt.Sprintf("%s:%d is currently NOT available.", b.Host, b.Port),
			slog.String("host", b.Host),
			slog.Int("port", b.Port),
			slog.Int("status", res.StatusCode))
		return false, true
	}

	return true, true
}

func (m *Monitor) probe(ctx context.Context, b backend.Backend) (res *backend.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()

	res, err = m.fetcher.Get(ctx, b.Host, b.Port)
	if err == nil && res == nil {
		err = fmt.Errorf("probe returned no response")
	}
	return res, err
}
