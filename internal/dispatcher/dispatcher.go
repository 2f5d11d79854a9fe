package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/handler"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

var (
	ErrAlreadyListening = errors.New("dispatcher already listening")
	ErrNotListening     = errors.New("dispatcher not listening")
)

const maxAcceptDelay = time.Second

type State int32

const (
	StateIdle State = iota
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Options struct {
	// Address is the TCP listen address, for example ":9000".
	Address string
	// MaxInFlight bounds concurrently served connections. Zero is unbounded.
	MaxInFlight int64
	// AcceptRate is the number of accepts allowed per second. Zero is unbounded.
	AcceptRate  float64
	AcceptBurst int
}

type Balancer interface {
	Next() (backend.Backend, error)
}

type ConnectionHandler interface {
	Handle(ctx context.Context, conn net.Conn, b backend.Backend)
}

type HealthRecorder interface {
	UpdateHealth(candidate *backend.Backend) (bool, error)
}

type Dispatcher struct {
	opts     Options
	registry HealthRecorder
	balancer Balancer
	handler  ConnectionHandler
	events   metrics.Emitter
	logger   *slog.Logger

	limiter  *rate.Limiter
	inFlight *semaphore.Weighted

	mutex    sync.Mutex
	listener net.Listener
	state    atomic.Int32
	active   sync.WaitGroup
}

func New(opts Options, registry HealthRecorder, balancer Balancer, h ConnectionHandler, events metrics.Emitter, log *slog.Logger) *Dispatcher {
	if events == nil {
		events = metrics.Discard{}
	}

	d := &Dispatcher{
		opts:     opts,
		registry: registry,
		balancer: balancer,
		handler:  h,
		events:   events,
		logger:   logger.WithComponent(log, "dispatcher"),
	}

	if opts.AcceptRate > 0 {
		burst := opts.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), burst)
	}

	if opts.MaxInFlight > 0 {
		d.inFlight = semaphore.NewWeighted(opts.MaxInFlight)
	}

	return d
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Addr returns the bound address, or nil before Listen.
func (d *Dispatcher) Addr() net.Addr {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Listen binds the TCP listener.
func (d *Dispatcher) Listen() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.State() != StateIdle {
		return ErrAlreadyListening
	}

	ln, err := net.Listen("tcp", d.opts.Address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", d.opts.Address, err)
	}

	d.listener = ln
	d.state.Store(int32(StateListening))

	d.logger.Info("Load balancer listening",
		slog.String("address", ln.Addr().String()),
		slog.Int64("max_in_flight", d.opts.MaxInFlight),
		slog.Float64("accept_rate", d.opts.AcceptRate))

	return nil
}

// Run binds the listener and serves until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Listen(); err != nil {
		return err
	}
	return d.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled. It closes the listener
// and waits for in-flight connections before returning.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.mutex.Lock()
	ln := d.listener
	d.mutex.Unlock()

	if ln == nil || d.State() != StateListening {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	defer func() {
		_ = ln.Close()
		d.active.Wait()
		d.state.Store(int32(StateStopped))
		d.logger.Info("Load balancer stopped")
	}()

	var delay time.Duration

	for {
		if err := d.admit(ctx); err != nil {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			d.release()

			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			delay = nextDelay(delay)
			d.logger.Error("Failed to accept connection",
				slog.Any("err", err),
				slog.Duration("retry_in", delay))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		delay = 0
		d.dispatch(ctx, conn)
	}
}

// Update records the post-check state of b in the registry.
func (d *Dispatcher) Update(b backend.Backend) {
	changed, err := d.registry.UpdateHealth(&b)
	if err != nil {
		d.logger.Error("Failed to apply health update",
			slog.String("backend", b.Address()),
			slog.Any("err", err))
		return
	}

	if changed {
		d.logger.Info("Backend health updated",
			slog.String("backend", b.Address()),
			slog.Bool("healthy", b.Healthy))
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, conn net.Conn) {
	id := handler.NewConnID()
	log := d.logger.With(
		slog.String("conn_id", id),
		slog.String("client", conn.RemoteAddr().String()))

	log.Debug("Connection accepted")
	d.events.Emit(metrics.MetricEvent{Type: metrics.EventConnectionAccepted})

	chosen, err := d.balancer.Next()
	if err != nil {
		log.Warn("No healthy backend available, closing connection", slog.Any("err", err))
		d.events.Emit(metrics.MetricEvent{Type: metrics.EventNoBackend})
		_ = conn.Close()
		d.release()
		return
	}

	log.Info("Backend selected", slog.String("backend", chosen.Address()))
	d.events.Emit(metrics.MetricEvent{
		Type:    metrics.EventBackendSelected,
		Backend: chosen.Address(),
	})

	handlerCtx := handler.WithConnID(context.WithoutCancel(ctx), id)

	d.active.Add(1)
	go func() {
		defer d.active.Done()
		defer d.release()
		defer func() {
			if r := recover(); r != nil {
				log.Error("Connection task panicked", slog.Any("panic", r))
				_ = conn.Close()
			}
		}()

		d.handler.Handle(handlerCtx, conn, chosen)
	}()
}

// admit waits for the rate limiter and an in-flight slot.
func (d *Dispatcher) admit(ctx context.Context) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if d.inFlight != nil {
		if err := d.inFlight.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	return nil
}

func (d *Dispatcher) release() {
	if d.inFlight != nil {
		d.inFlight.Release(1)
	}
}

func nextDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return 5 * time.Millisecond
	}

	delay *= 2
	if delay > maxAcceptDelay {
		delay = maxAcceptDelay
	}
	return delay
}
