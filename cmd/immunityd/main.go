// Immunityd is the immunity daemon: it scores agent trajectory steps across
// the registered health vectors and repairs the ones that fail.
//
// It serves the REST API and Prometheus metrics over HTTP, optionally the MCP
// tools (at /mcp, or on stdio with -stdio), and optionally publishes outcome
// events and answers step requests over NATS.
//
// Usage:
//
//	# Start with ~/.config/immunity/config.yaml and IMMUNITY_* overrides
//	immunityd
//
//	# Serve MCP on stdio for an agent host
//	immunityd -stdio
//
//	# Print version information
//	immunityd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/immunity/config.yaml)")
	stdio := flag.Bool("stdio", false, "serve MCP on stdin/stdout instead of HTTP")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  immunityd [-config path] [-stdio]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  immunityd version                   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "immunityd: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, *stdio); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "immunityd: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("immunityd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run builds the daemon and serves until ctx is cancelled, then shuts down
// within the configured timeout.
func run(ctx context.Context, cfg *config.Config, stdio bool) error {
	tel, err := newTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := newLogger(cfg, stdio)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	for _, reason := range tel.Degraded() {
		logger.Warn("telemetry degraded", zap.String("reason", reason))
	}

	d, err := build(ctx, cfg, logger, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}

	serveErr := make(chan error, 1)
	if stdio {
		go func() { serveErr <- d.mcp.Run(ctx) }()
	} else {
		go func() { serveErr <- d.http.Start() }()
	}

	d.zap.Info("immunityd started",
		zap.String("version", version),
		zap.Bool("stdio", stdio),
		zap.Int("vectors", d.registry.Snapshot().Len()),
		zap.String("patterns", cfg.Patterns.Backend),
		zap.String("synthesis", cfg.Synthesis.Provider),
		zap.Bool("nats", d.nc != nil),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := d.close(shutdownCtx, !stdio); err != nil {
		d.zap.Warn("shutdown incomplete", zap.Error(err))
	}
	d.zap.Info("immunityd stopped")

	if errors.Is(runErr, http.ErrServerClosed) {
		return nil
	}
	return runErr
}
