// Package main is the Agenthive entry point: one binary running the MCP
// tool surface, the WebSocket gateway and the HTTP probes over shared
// infrastructure.
//
// Exit codes: 0 clean shutdown, 1 runtime failure, 2 invalid
// configuration, 3 storage unavailable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/config"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/lifecycle"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "directory containing config.yaml")
	stdio := flag.Bool("stdio", false, "also serve an MCP stdio session on stdin/stdout")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		if errors.Is(err, config.ErrInvalid) {
			return 2
		}
		return 1
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agenthive...")

	app := lifecycle.New(cfg)
	if err := app.Start(context.Background()); err != nil {
		log.Error("Startup failed", zap.Error(err))
		if errors.Is(err, lifecycle.ErrStorage) {
			return 3
		}
		return 1
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if *stdio {
		// The stdio session ends when the parent closes our stdin; treat
		// that like a shutdown signal.
		stdioDone := make(chan error, 1)
		go func() { stdioDone <- app.MCP().ServeStdio() }()
		select {
		case sig := <-quit:
			log.Info("Received signal", zap.String("signal", sig.String()))
		case err := <-stdioDone:
			if err != nil {
				log.Warn("Stdio session ended", zap.Error(err))
			}
		}
	} else {
		sig := <-quit
		log.Info("Received signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown error", zap.Error(err))
		return 1
	}
	return 0
}
