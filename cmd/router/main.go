// Package main is the entry point for the AI backend router.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
	"github.com/vyrodovalexey/avllmrouter/internal/router"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	watchConfig bool
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("ROUTER_CONFIG_PATH", "configs/router.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("ROUTER_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("ROUTER_LOG_FORMAT", "json"),
		"Log format (json, console)")
	watchConfig := flag.Bool("watch-config", false,
		"Reload the configuration when the file changes")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		watchConfig: *watchConfig,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avllmrouter version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.RouterConfig {
	logger.Info("starting avllmrouter",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("backends", len(cfg.Backends)),
		observability.String("listenAddr", cfg.Server.ListenAddr),
		observability.Bool("cache", cfg.Cache.IsEnabled()),
	)

	return cfg
}

// application holds all application components.
type application struct {
	cfg    *config.RouterConfig
	router *router.Router
	server *Server
	tracer *observability.Tracer
}

// initApplication wires the routing engine and the HTTP surface.
func initApplication(cfg *config.RouterConfig, logger observability.Logger) *application {
	app := &application{cfg: cfg}

	if cfg.Tracing.Enabled {
		tracer, err := observability.NewTracer(observability.TracerConfig{
			ServiceName:  "avllmrouter",
			OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
			SamplingRate: cfg.Tracing.SamplingRate,
			Enabled:      true,
		})
		if err != nil {
			logger.Fatal("failed to initialize tracing", observability.Error(err))
		}
		app.tracer = tracer
	}

	engine, err := router.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize router", observability.Error(err))
	}
	app.router = engine
	app.server = NewServer(cfg.Server, engine, logger)

	return app
}

// run starts the application and blocks until a shutdown signal arrives.
func run(app *application, flags cliFlags, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.router.Start(ctx)

	var watcher *config.Watcher
	if flags.watchConfig {
		w, err := config.NewWatcher(flags.configPath, func(cfg *config.RouterConfig) {
			app.router.ApplyConfig(cfg)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Error("failed to create config watcher", observability.Error(err))
		} else if err := w.Start(ctx); err != nil {
			logger.Error("failed to start config watcher", observability.Error(err))
		} else {
			watcher = w
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", observability.Error(err))
		}
	}

	shutdown(app, watcher, logger)
}

// shutdown drains in-flight requests and releases resources.
func shutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	grace := time.Duration(app.cfg.Server.ShutdownGracePeriod)
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", observability.Error(err))
	}

	if err := app.router.Close(); err != nil {
		logger.Error("router shutdown failed", observability.Error(err))
	}

	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown failed", observability.Error(err))
		}
	}

	logger.Info("shutdown complete")
}
