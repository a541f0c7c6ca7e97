// Command netwatch watches connectivity transitions for diagnostics.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsegrid/relink/config"
	"github.com/pulsegrid/relink/internal/bus"
	"github.com/pulsegrid/relink/internal/connectivity"
	"github.com/pulsegrid/relink/internal/observability"
	"github.com/pulsegrid/relink/internal/pending"
	"github.com/pulsegrid/relink/internal/retry"
	"github.com/pulsegrid/relink/lib/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to YAML configuration (defaults to environment overrides)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	logger := log.New(os.Stderr, "netwatch ", log.LstdFlags|log.Lmsgprefix)
	observability.SetLogger(&observability.StdLogger{Verbose: *verbose})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s target=%s", cfg.Environment, cfg.Probe.Target)

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	messages := bus.NewMemoryBus(bus.MemoryConfig{BufferSize: cfg.Bus.BufferSize})
	defer messages.Close()

	publisher := connectivity.NewPublisher(cfg.Bus.BufferSize)
	defer publisher.Close()

	service := connectivity.NewService(connectivity.ServiceConfig{BufferSize: cfg.Bus.BufferSize}, publisher, messages)
	defer service.Close()

	engine := retry.NewEngine(cfg.Retry, messages, service)
	defer engine.Close()

	var journal *pending.Journal
	if cfg.Pending.JournalPath != "" {
		journal, err = pending.OpenJournal(ctx, cfg.Pending.JournalPath)
		if err != nil {
			logger.Fatalf("open pending journal: %v", err)
		}
		defer func() { _ = journal.Close() }()
	}
	manager, err := pending.NewManager(pending.ManagerConfig{Pending: cfg.Pending}, messages, journal)
	if err != nil {
		logger.Fatalf("initialise pending manager: %v", err)
	}
	defer manager.Close()

	probe := connectivity.NewDialProbe(connectivity.DialProbeConfig{
		Target:   cfg.Probe.Target,
		Interval: cfg.Probe.Interval,
	}, publisher)
	probe.Start()
	defer probe.Stop()

	if cfg.Probe.HealthURL != "" {
		errorChan := make(chan error, 8)
		health := connectivity.NewHealthProbe(ctx, cfg.Probe.HealthURL, publisher, errorChan)
		if err := health.Start(); err != nil {
			logger.Printf("health probe start: %v", err)
		}
		defer health.Stop()
		go func() {
			for err := range errorChan {
				logger.Printf("health probe: %v", err)
			}
		}()
	}

	id, snapshots := service.Subscribe(ctx)
	defer service.Unsubscribe(id)

	logger.Printf("watching connectivity transitions; press Ctrl-C to stop")
	for {
		select {
		case <-ctx.Done():
			logger.Printf("shutting down")
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			logger.Printf("status=%s reason=%s source=%s offline=%t pending=%d",
				snapshot.Status, snapshot.Reason, snapshot.Source, snapshot.Offline(), manager.Len())
			if snapshot.Failure != nil {
				logger.Printf("  failure: %v", snapshot.Failure)
			}
		}
	}
}

func loadConfig(path string) (config.App, error) {
	if path == "" {
		return config.FromEnv(), nil
	}
	cfg, err := config.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return config.FromEnv(), nil
	}
	return cfg, err
}
