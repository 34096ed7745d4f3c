// Package app wires the shared services together and runs the supervisor
// until shutdown.
package app

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/energy"
	"github.com/heatpilot/heatpilot/internal/eventlog"
	"github.com/heatpilot/heatpilot/internal/log"
	"github.com/heatpilot/heatpilot/internal/metrics"
	"github.com/heatpilot/heatpilot/internal/supervisor"
	"github.com/heatpilot/heatpilot/internal/tsdb"
	"github.com/heatpilot/heatpilot/internal/weather"
	"github.com/heatpilot/heatpilot/internal/worker"
	"github.com/heatpilot/heatpilot/pkg/config"
)

// Options is the process configuration collected by main.
type Options struct {
	ProfilesDir  string
	BuildingsDir string
	EnergyDir    string
	ListenAddr   string
	DryRun       bool
	PollOffset   time.Duration
}

// App represents the main application.
type App struct {
	opts   Options
	logger *zap.SugaredLogger
}

// New creates a new application instance.
func New(opts Options, logger *zap.SugaredLogger) *App {
	return &App{opts: opts, logger: logger}
}

// Run starts the application and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := eventlog.New(os.Getenv("SEQ_URL"), os.Getenv("SEQ_API_KEY"), "heatpilot", a.logger)
	defer events.Close()

	store, err := tsdb.New(tsdb.Config{
		URL:    os.Getenv("INFLUXDB_URL"),
		Token:  os.Getenv("INFLUXDB_TOKEN"),
		Org:    os.Getenv("INFLUXDB_ORG"),
		Bucket: os.Getenv("INFLUXDB_BUCKET"),
	}, events, a.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	weatherClient := weather.NewClient()
	cache := weather.NewCache(weatherClient, a.logger)

	provider := config.NewProvider(a.opts.ProfilesDir, a.opts.BuildingsDir)
	pipeline, err := a.buildEnergyPipeline(provider, store, events)
	if err != nil {
		return err
	}

	services := worker.Services{
		Provider: provider,
		Store:    store,
		Weather:  cache,
		Events:   events,
		Pipeline: pipeline,
		DryRun:   a.opts.DryRun,
	}

	sup := supervisor.New(provider, a.opts.ProfilesDir, a.opts.BuildingsDir,
		services, weatherClient, a.opts.PollOffset, a.logger)

	metricsServer := metrics.NewServer(a.opts.ListenAddr, sup, a.logger)
	metricsServer.Start()

	wg.Add(1)
	go sup.Run(ctx, &wg)

	log.Info("Application started successfully")
	if a.opts.DryRun {
		log.Info("Dry-run mode: learned values will not be written back to entity records")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}

	cancel()

	log.Info("waiting for all workers to terminate...")
	wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	metricsServer.Stop(stopCtx)
	stopCancel()

	log.Info("shutdown complete")
	return nil
}

// buildEnergyPipeline assembles the daily import/separate/calibrate chain.
// The energy directory defaults to a sibling of the config directories.
func (a *App) buildEnergyPipeline(provider *config.Provider, store *tsdb.Client, events *eventlog.Sink) (*energy.Pipeline, error) {
	energyDir := a.opts.EnergyDir
	if energyDir == "" {
		energyDir = "energy"
	}

	mapping, err := provider.MeterMapping()
	if err != nil {
		return nil, err
	}

	importer := energy.NewImporter(
		filepath.Join(energyDir, "inbox"),
		filepath.Join(energyDir, "archive"),
		filepath.Join(energyDir, "failed"),
		mapping, store, a.logger)
	separator := energy.NewSeparator(store, a.logger)
	calibrator := energy.NewCalibrator(store, provider, a.opts.DryRun, a.logger)

	return energy.NewPipeline(importer, separator, calibrator, events, a.logger), nil
}
