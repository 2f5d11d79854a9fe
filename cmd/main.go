package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/tcp-load-balancer/config"
	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/dispatcher"
	"github.com/angeloszaimis/tcp-load-balancer/internal/handler"
	"github.com/angeloszaimis/tcp-load-balancer/internal/healthcheck"
	"github.com/angeloszaimis/tcp-load-balancer/internal/httpserver"
	"github.com/angeloszaimis/tcp-load-balancer/internal/loadbalancer"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
	"github.com/angeloszaimis/tcp-load-balancer/internal/strategy"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

const metricsBufferSize = 1000

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Server.Environment == config.EnvDev, cfg.Server.Environment)
	if cfg.File != "" {
		log.Info("Loaded config file", slog.String("file", cfg.File))
	}

	app, err := newApp(cfg, log)
	if err != nil {
		log.Error("Failed to initialize load balancer",
			slog.String("strategy", cfg.Strategy.Type),
			slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.start(); err != nil {
		log.Error("Error starting load balancer", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info(fmt.Sprintf("Running the load balancer with a health check every %dms", cfg.HealthCheck.IntervalMs),
		slog.Int("port", cfg.Server.Port),
		slog.String("strategy", cfg.Strategy.Type),
		slog.Int("backends", len(cfg.Backends)))

	if err := app.serve(ctx); err != nil {
		log.Error("Load balancer stopped with error", slog.Any("err", err))
		cancel()
		os.Exit(1)
	}

	log.Info("Shut down gracefully")
}

// app holds the wired components of one load balancer process.
type app struct {
	registry   *registry.Registry
	collector  *metrics.Collector
	monitor    *healthcheck.Monitor
	dispatcher *dispatcher.Dispatcher
	admin      *httpserver.Server
	logger     *slog.Logger
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	reg := initializeRegistry(cfg)

	strat, err := buildStrategy(cfg.Strategy.Type, reg)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(metricsBufferSize, log)

	connHandler := handler.NewConnectionHandler(
		backend.NewHTTPClient(cfg.BackendTimeout()),
		collector,
		log,
		cfg.ClientTimeout(),
	)

	balancer := loadbalancer.NewLoadBalancer(strat)

	d := dispatcher.New(dispatcher.Options{
		Address:     cfg.ListenAddress(),
		MaxInFlight: cfg.Dispatcher.MaxInFlight,
		AcceptRate:  cfg.Dispatcher.AcceptRate,
		AcceptBurst: cfg.Dispatcher.AcceptBurst,
	}, reg, balancer, connHandler, collector, log)

	monitor := healthcheck.NewMonitor(reg, backend.NewHTTPClient(cfg.HealthCheckTimeout()), healthcheck.Options{
		Interval: cfg.HealthCheckInterval(),
		Timeout:  cfg.HealthCheckTimeout(),
	}, log)
	monitor.Subscribe(d)
	monitor.Subscribe(collector)

	a := &app{
		registry:   reg,
		collector:  collector,
		monitor:    monitor,
		dispatcher: d,
		logger:     log,
	}

	if cfg.Admin.Address != "" {
		a.admin, err = httpserver.New(cfg.Admin.Address, setupRouter(collector, reg, balancer.LoadBalancerStrategy().Kind()))
		if err != nil {
			return nil, fmt.Errorf("admin server: %w", err)
		}
	}

	return a, nil
}

// start binds the client listener so bind errors surface before any loop runs.
func (a *app) start() error {
	return a.dispatcher.Listen()
}

// serve runs every loop until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.collector.Run(ctx) })
	g.Go(func() error { return a.monitor.Run(ctx) })
	g.Go(func() error { return a.dispatcher.Serve(ctx) })

	if a.admin != nil {
		g.Go(func() error {
			a.logger.Info("Admin server listening", slog.String("address", a.admin.Addr()))
			return a.admin.Run(ctx)
		})
	}

	return g.Wait()
}

func initializeRegistry(cfg *config.Config) *registry.Registry {
	backends := make([]backend.Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		backends = append(backends, backend.New(bc.Host, bc.Port, bc.Weight, bc.Healthy))
	}

	return registry.New(backends)
}

func buildStrategy(name string, reg *registry.Registry) (strategy.Strategy, error) {
	kind, err := strategy.ParseKind(name)
	if err != nil {
		return nil, err
	}

	return strategy.New(kind, reg)
}
