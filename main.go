package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"optionflow/config"
	"optionflow/internal/chain"
	"optionflow/internal/channel"
	"optionflow/internal/dashboard"
	"optionflow/internal/metrics"
	"optionflow/internal/pipeline"
	"optionflow/internal/scheduler"
	"optionflow/internal/state"
	"optionflow/internal/store"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/reader"
	"optionflow/reader/binance"
	"optionflow/reader/bybit"
	"optionflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Optionflow.Name,
		"version":     cfg.Optionflow.Version,
		"environment": config.AppEnvironment(),
		"assets":      cfg.Assets,
		"expiries":    cfg.Expiries.All(),
	}).Info("starting optionflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg, log); err != nil {
		log.WithError(err).Error("optionflow stopped with error")
		os.Exit(1)
	}
	log.Info("optionflow stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *logger.Log) error {
	mainLog := log.WithComponent("main")

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}
	if cfg.Metrics.Prometheus {
		metrics.Init()
	}

	assets := make([]models.Asset, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		asset, err := models.ParseAsset(a)
		if err != nil {
			return err
		}
		assets = append(assets, asset)
	}
	expiries := cfg.Expiries.All()
	namespace := cfg.Optionflow.Namespace

	sessionReset, err := cfg.Jobs.SessionReset()
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, namespace)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			mainLog.WithError(err).Warn("failed to close store")
		}
	}()

	client, err := newSourceClient(cfg.Source)
	if err != nil {
		return err
	}

	cache := chain.New(client, st, namespace, assets, expiries)
	if err := cache.Warm(ctx); err != nil {
		mainLog.WithError(err).Warn("failed to warm chain cache from store")
	}

	tracker := state.New(st, namespace, assets)
	if err := tracker.Load(ctx); err != nil {
		mainLog.WithError(err).Warn("failed to load tracker state from store")
	}

	channels := channel.NewChannels(cfg.Channels.PublishedBuffer)
	publisher := writer.NewPublisher(st, namespace, cfg.Storage.WriteTimeout, channels)

	channels.StartMetricsReporting(ctx, cfg.Logging.ReportInterval)

	var sinks []channel.Sink

	var archive *writer.Archive
	if cfg.Archive.S3.Enabled {
		archive, err = writer.NewArchive(ctx, cfg.Archive, cfg.Optionflow.Version)
		if err != nil {
			return fmt.Errorf("create snapshot archive: %w", err)
		}
		archive.Start(ctx)
		sinks = append(sinks, archive)
	} else {
		mainLog.Info("S3 archive disabled; skipping archive sink")
	}

	var notifier *writer.Notifier
	if cfg.Notify.Nats.Enabled {
		notifier, err = writer.NewNotifier(ctx, cfg.Notify.Nats)
		if err != nil {
			mainLog.WithError(err).Warn("NATS unavailable; snapshot notifications disabled")
		} else {
			sinks = append(sinks, notifier)
		}
	}

	dispatcher := channel.NewDispatcher(channels.Published, cfg.Storage.WriteTimeout, sinks...)
	dispatcher.Start(ctx)

	pipe := pipeline.New(pipeline.Config{
		Namespace:    namespace,
		Assets:       assets,
		Expiries:     expiries,
		SessionReset: sessionReset,
	}, client, cache, tracker, publisher, st)
	if err := pipe.Seed(ctx); err != nil {
		mainLog.WithError(err).Warn("failed to seed session volume from store")
	}

	sched := scheduler.New(scheduler.RealClock{}, scheduler.Options{
		RunOnStart:      cfg.Jobs.RunOnStart,
		StaleTolerance:  float64(cfg.Jobs.StaleTolerance),
		ShutdownTimeout: cfg.Jobs.ShutdownTimeout,
	})
	for _, job := range pipe.Jobs(cfg.Jobs.UnderlyingInterval(), cfg.Jobs.IVInterval(), cfg.Jobs.VolumeInterval(), cfg.Jobs.ChainInterval()) {
		if err := sched.Register(job); err != nil {
			return err
		}
	}

	srv, err := dashboard.NewServer(cfg.Dashboard, log, dashboard.Sources{
		Jobs:           sched,
		States:         tracker,
		Channels:       channels,
		Assets:         assets,
		Ping:           st.Ping,
		RunInterval:    min(cfg.Jobs.UnderlyingInterval(), cfg.Jobs.IVInterval(), cfg.Jobs.VolumeInterval()),
		StaleTolerance: float64(cfg.Jobs.StaleTolerance),
	})
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx, cfg.Optionflow.Name); err != nil {
				mainLog.WithError(err).Error("status server stopped")
			}
		}()
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	mainLog.WithFields(logger.Fields{
		"jobs":    len(sched.Status()),
		"sinks":   len(sinks),
		"primary": client.Primary(),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	mainLog.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	mainLog.Info("starting graceful shutdown")
	var shutdownErr error
	if err := sched.Stop(); err != nil {
		mainLog.WithError(err).Warn("scheduler did not drain in time")
		shutdownErr = err
	}

	cancel()
	channels.Close()
	dispatcher.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.Jobs.ShutdownTimeout)
	defer flushCancel()
	if archive != nil {
		mainLog.Info("flushing snapshot archive")
		if err := archive.Stop(flushCtx); err != nil {
			mainLog.WithError(err).Warn("final archive flush failed")
		}
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			mainLog.WithError(err).Warn("failed to drain NATS connection")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		mainLog.Info("graceful shutdown completed")
	case <-flushCtx.Done():
		mainLog.Warn("graceful shutdown timeout exceeded")
	}
	return shutdownErr
}

// openStore connects the shared store and checks it accepts a write.
func openStore(ctx context.Context, cfg *config.Config, namespace string) (store.Store, error) {
	var st store.Store
	switch cfg.Storage.Backend {
	case "memory":
		st = store.NewMemory()
	default:
		st = store.NewRedis(cfg.Storage.Redis)
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Storage.WriteTimeout)
	defer cancel()

	if err := st.Ping(probeCtx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%w: %w", models.ErrStoreWrite, err)
	}

	probe := namespace + "/_probe"
	want := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := st.Set(probeCtx, probe, want); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%w: probe write: %w", models.ErrStoreWrite, err)
	}
	got, err := st.Get(probeCtx, probe)
	if err != nil || !bytes.Equal(got, want) {
		_ = st.Close()
		return nil, fmt.Errorf("%w: probe read back mismatch: %v", models.ErrStoreWrite, err)
	}
	_ = st.Delete(probeCtx, probe)

	logger.GetLogger().WithComponent("store").WithField("backend", cfg.Storage.Backend).Info("store connected")
	return st, nil
}

// newSourceClient builds the exchange sources in primary-then-fallback order.
func newSourceClient(cfg config.SourceConfig) (*reader.Client, error) {
	sources := make([]reader.Source, 0, len(cfg.Order()))
	for _, name := range cfg.Order() {
		switch name {
		case "binance":
			sources = append(sources, binance.New(cfg.Binance, cfg.Timeout))
		case "bybit":
			sources = append(sources, bybit.New(cfg.Bybit, cfg.Timeout))
		default:
			return nil, fmt.Errorf("source %q is not supported", name)
		}
	}
	return reader.NewClient(cfg.Timeout, sources...)
}
