// Package main is the entry point for the cascata-core daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cascata/cascata/pkg/config"
	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/engine"
	"github.com/cascata/cascata/pkg/fingerprint"
	"github.com/cascata/cascata/pkg/graph"
	"github.com/cascata/cascata/pkg/logging"
	"github.com/cascata/cascata/pkg/modules"
	"github.com/cascata/cascata/pkg/orchestrator"
	"github.com/cascata/cascata/pkg/storage"
	"github.com/cascata/cascata/pkg/telemetry"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listenAddr := flag.String("listen", "", "Address to listen on (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error; overrides config)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	cfgProvider, err := config.NewFileProvider(*configPath, slog.Default())
	if err != nil {
		slog.Error("Failed to initialize config provider", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cfgProvider.Close(); err != nil {
			slog.Error("Failed to close config provider", "error", err)
		}
	}()

	cfg := cfgProvider.Snapshot()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *prettyLogs {
		cfg.Log.Pretty = true
	}

	logger := logging.NewLogger(cfg.Log)
	logger.Info("Starting cascata-core", "config", *configPath, "listen", cfg.ListenAddr)

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	metrics := telemetry.NewMetrics()

	backend, err := storage.OpenBadger(storage.BadgerConfig{
		Path:     cfg.Store.Path,
		InMemory: cfg.Store.InMemory,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("Failed to open playbook store", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewTieredStore(backend, storage.TieredConfig{
		CacheSize: cfg.Store.CacheSize,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to build tiered store", "error", err)
		os.Exit(1)
	}

	g := graph.New(logger)
	if err := g.Rebuild(ctx, store); err != nil {
		logger.Error("Failed to rebuild cascade graph", "error", err)
		os.Exit(1)
	}

	loader := modules.NewLoader(modules.NewStaticProvider(cfg.Modules.Catalog), modules.LoaderConfig{
		BudgetBytes: cfg.Modules.BudgetBytes,
		GracePeriod: cfg.Modules.GracePeriod,
		LoadTimeout: cfg.Modules.LoadTimeout,
		Metrics:     metrics,
		Logger:      logger,
	})

	policy, err := engine.NewPromotionPolicy(ctx, loadPolicySource(cfg.Engine.PromotionPolicyPath, logger))
	if err != nil {
		logger.Error("Failed to compile promotion policy", "error", err)
		os.Exit(1)
	}

	executor := engine.NewExecutor(engine.ExecutorConfig{
		Loader:          loader,
		Policy:          policy,
		Logger:          logger,
		ServiceEndpoint: cfg.Engine.ServiceEndpoint,
	})

	orch := orchestrator.New(store, g, executor, fingerprint.NewNoveltyTracker(), orchestrator.Config{
		MaxInFlight:    cfg.Orchestrator.MaxInFlight,
		QueueSize:      cfg.Orchestrator.QueueSize,
		CascadeWorkers: cfg.Orchestrator.CascadeWorkers,
		MaxDepth:       cfg.Orchestrator.MaxDepth,
		Threshold:      cfg.Orchestrator.Threshold,
		MaxFanout:      cfg.Orchestrator.MaxFanout,
		DefaultTimeout: cfg.Orchestrator.DefaultTimeout,
		DefaultMode:    domain.Mode(cfg.Orchestrator.DefaultMode),
		Metrics:        metrics,
		Logger:         logger,
	})

	ingestor := orchestrator.NewIngestor(store, g, logger)

	var bundleWatcher *config.BundleWatcher
	if cfg.BundleDir != "" {
		ingestBundle(ctx, ingestor, cfg.BundleDir, logger)
		bundleWatcher, err = config.NewBundleWatcher(cfg.BundleDir, func() {
			ingestBundle(context.Background(), ingestor, cfg.BundleDir, logger)
		}, logger)
		if err != nil {
			logger.Error("Failed to watch bundle directory", "dir", cfg.BundleDir, "error", err)
			os.Exit(1)
		}
	}

	api := orchestrator.NewAPI(orch, ingestor, store, g, metrics, logger)
	server := startServer(cfg.ListenAddr, api.Handler(), logger)

	waitForShutdown(server, logger)

	if bundleWatcher != nil {
		_ = bundleWatcher.Close()
	}
	orch.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := loader.Shutdown(shutdownCtx); err != nil {
		logger.Error("Loader shutdown error", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Error("Store close error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown error", "error", err)
	}
}

func loadPolicySource(path string, logger *slog.Logger) string {
	if path == "" {
		return ""
	}
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("Failed to read promotion policy, using built-in", "path", path, "error", err)
		return ""
	}
	return string(data)
}

func ingestBundle(ctx context.Context, ingestor *orchestrator.Ingestor, dir string, logger *slog.Logger) {
	result, err := ingestor.IngestBundleDir(ctx, dir)
	if err != nil {
		logger.Error("Bundle ingestion failed", "dir", dir, "error", err)
		return
	}
	logger.Info("Bundle ingested", "dir", dir, "accepted", result.Accepted, "rejected", len(result.Rejected))
}

func startServer(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	server := &http.Server{
		Handler:      otelhttp.NewHandler(handler, "cascata.core"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(server *http.Server, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
}
