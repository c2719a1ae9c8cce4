package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/gpubroker/internal/artifacts"
	"github.com/me/gpubroker/internal/config"
	"github.com/me/gpubroker/internal/events"
	"github.com/me/gpubroker/internal/logging"
	"github.com/me/gpubroker/internal/mirror"
	"github.com/me/gpubroker/internal/queue"
	"github.com/me/gpubroker/internal/registry"
	"github.com/me/gpubroker/internal/scheduler"
	"github.com/me/gpubroker/internal/server"
	"github.com/me/gpubroker/internal/store"
)

func main() {
	cfg := config.DefaultServerConfig()

	configFile := flag.String("config", "", "Path to server config file (YAML)")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.gpubroker/broker.db)")
	flag.BoolVar(&cfg.AllowAnonymous, "allow-anonymous", cfg.AllowAnonymous, "Allow unauthenticated access as anonymous user")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		// The file provides defaults; flags given on the command line win.
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "addr":
				cfg.Addr = f.Value.String()
			case "log-level":
				cfg.LogLevel = f.Value.String()
			case "log-format":
				cfg.LogFormat = f.Value.String()
			case "db":
				cfg.DBPath = f.Value.String()
			case "allow-anonymous":
				cfg.AllowAnonymous = f.Value.String() == "true"
			}
		})
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	// Resolve database path.
	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".gpubroker")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		dbPath = filepath.Join(dir, "broker.db")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", dbPath)

	schedCfg := scheduler.Config{
		TickInterval:     cfg.Scheduler.TickInterval,
		HeartbeatTimeout: cfg.Scheduler.HeartbeatTimeout,
		AckTimeout:       cfg.Scheduler.AckTimeout,
		MaxAttempts:      cfg.Scheduler.MaxAttempts,
	}

	q := queue.New(st, schedCfg.MaxAttempts, logger)
	reg := registry.New(st, logger)
	bus := events.NewBus(logger)

	var schedOpts []scheduler.Option
	if cfg.Redis.Enabled {
		m, err := mirror.New(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect redis: %v\n", err)
			os.Exit(1)
		}
		defer m.Close()
		schedOpts = append(schedOpts, scheduler.WithMirror(m))
		logger.Info("redis mirror enabled", "addr", cfg.Redis.Addr)
	}

	loop := scheduler.NewLoop(st, q, reg, bus, schedCfg, logger, schedOpts...)

	var serverOpts []server.Option
	if cfg.Artifacts.Bucket != "" {
		arts, err := artifacts.NewS3Store(context.Background(), cfg.Artifacts.Bucket, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "init artifact store: %v\n", err)
			os.Exit(1)
		}
		serverOpts = append(serverOpts, server.WithArtifacts(arts))
		logger.Info("artifact storage enabled", "bucket", cfg.Artifacts.Bucket)
	}

	srv := server.New(cfg, st, q, reg, loop, bus, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start scheduler in background.
	srv.StartScheduler(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop scheduler before HTTP server.
	if err := loop.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
