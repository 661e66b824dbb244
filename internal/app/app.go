package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vk/phaseline/internal/config"
	"github.com/vk/phaseline/internal/coordinator"
	"github.com/vk/phaseline/internal/ctxlog"
	"github.com/vk/phaseline/internal/executor"
	"github.com/vk/phaseline/internal/metrics"
	"github.com/vk/phaseline/internal/respool"
	"github.com/vk/phaseline/internal/store"
	"github.com/vk/phaseline/internal/ticket"
	"github.com/vk/phaseline/internal/worklock"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	cfg      *config.Config
	appCfg   *Config
	store    *store.Store
	pool     *respool.Pool
	coord    *coordinator.Coordinator
	registry *prometheus.Registry
}

// NewApp is the constructor for the main application. It loads the HCL
// configuration and wires every component. A failure to load or wire is a
// fatal startup error and panics; the entrypoint recovers and converts it
// into a clean exit.
func NewApp(outW io.Writer, appCfg *Config) *App {
	logger := newLogger(appCfg.LogLevel, appCfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	cfg, err := config.Load(appCfg.ConfigPath)
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("Configuration loaded.", "features", len(cfg.Features))

	st, err := store.Open(ctx, cfg.Scheduler.QueuePath)
	if err != nil {
		panic(fmt.Errorf("failed to open queue store: %w", err))
	}

	pool, err := respool.Open(ctx, respool.Options{
		Path:     cfg.Scheduler.PoolPath,
		Capacity: cfg.Scheduler.Pool.Capacity,
		BasePort: cfg.Scheduler.Pool.BasePort,
		Stride:   cfg.Scheduler.Pool.Stride,
	})
	if err != nil {
		panic(fmt.Errorf("failed to open resource pool: %w", err))
	}
	logger.Debug("Resource pool opened.", "allocated", pool.Status().Allocated, "total", pool.Status().Total)

	tickets := ticket.NewRestClient(cfg.Scheduler.Tickets.BaseURL, cfg.Scheduler.Tickets.Timeout)

	spawner, err := executor.NewLocalSpawner(executor.LocalOptions{
		Command: cfg.Scheduler.Executor.Command,
		WorkDir: cfg.Scheduler.Executor.WorkDir,
		LogDir:  cfg.Scheduler.Executor.LogDir,
		Timeout: cfg.Scheduler.Executor.Timeout,
	})
	if err != nil {
		panic(fmt.Errorf("failed to configure executor: %w", err))
	}

	registry := prometheus.NewRegistry()
	coord := coordinator.New(st, pool, worklock.New(st), tickets, spawner, spawner,
		metrics.New(registry), coordinator.Options{
			TickInterval:     cfg.Scheduler.TickInterval,
			TicketTimeout:    cfg.Scheduler.Tickets.Timeout,
			TicketRetryLimit: cfg.Scheduler.Tickets.RetryLimit,
			StuckReadyAge:    cfg.Scheduler.StuckReadyAge,
			StaleAllocAge:    cfg.Scheduler.StaleAllocAge,
		})

	return &App{
		outW:     outW,
		logger:   logger,
		cfg:      cfg,
		appCfg:   appCfg,
		store:    st,
		pool:     pool,
		coord:    coord,
		registry: registry,
	}
}

// Coordinator returns the app's coordinator. This is primarily for testing.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coord
}
