package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/gpubroker/internal/agent"
	"github.com/me/gpubroker/internal/logging"
)

func main() {
	var cfg agent.Config
	var spec agent.HostSpec

	// Server connection flags.
	flag.StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "Broker server URL")
	flag.StringVar(&cfg.Token, "token", os.Getenv("GPUBROKER_TOKEN"), "API token (or GPUBROKER_TOKEN env)")
	flag.StringVar(&cfg.HostID, "host-id", "", "Host identifier (default: hostname)")
	flag.StringVar(&cfg.WorkDir, "workdir", "", "Local working directory (default: $TMPDIR/gpubroker-agent)")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")

	// Hardware listing flags.
	flag.StringVar(&spec.GPUModel, "gpu-model", "", "GPU model name, e.g. \"RTX 4090\"")
	flag.IntVar(&spec.VRAMGB, "vram", 0, "VRAM per GPU in GB")
	flag.IntVar(&spec.GPUCount, "gpu-count", 1, "Number of GPUs")
	flag.Float64Var(&spec.PricePerHour, "price", 0, "Hourly price in dollars")
	flag.StringVar(&spec.Location, "location", "", "Host location, e.g. us-east")

	// Logging flags.
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logFormat)

	// Default host ID to hostname.
	if cfg.HostID == "" {
		h, err := os.Hostname()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine hostname; pass --host-id\n")
			os.Exit(1)
		}
		cfg.HostID = h
	}

	if spec.GPUModel == "" || spec.PricePerHour <= 0 {
		fmt.Fprintf(os.Stderr, "--gpu-model and --price are required\n")
		os.Exit(1)
	}

	a := agent.New(cfg, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		"server", cfg.ServerURL,
		"host_id", cfg.HostID,
		"gpu_model", spec.GPUModel,
		"price_per_hour", spec.PricePerHour,
	)

	if err := a.Run(ctx, spec); err != nil {
		fmt.Fprintf(os.Stderr, "agent error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("agent stopped")
}
