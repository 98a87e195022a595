// Package main is the entry point for the orchd daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/orchestrator"
)

// Exit codes: 0 clean, 1 configuration error, 2 bridge port unavailable,
// 130/143 terminated by SIGINT/SIGTERM.
const (
	exitOK         = 0
	exitConfig     = 1
	exitBridgePort = 2
	exitSIGINT     = 130
	exitSIGTERM    = 143
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitConfig
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfig
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting orchd...")

	// 3. Build the orchestrator
	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Error("Failed to initialize orchestrator", zap.Error(err))
		return exitConfig
	}

	// 4. Start all subsystems
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		log.Error("Failed to start orchestrator", zap.Error(err))
		if orcerr.IsKind(err, orcerr.KindPortInUse) {
			return exitBridgePort
		}
		return exitConfig
	}

	// 5. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info("Shutting down orchd...", zap.String("signal", sig.String()))

	// 6. Graceful shutdown: cancel tasks, stop workers, drain servers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)

	switch sig {
	case syscall.SIGINT:
		return exitSIGINT
	case syscall.SIGTERM:
		return exitSIGTERM
	}
	return exitOK
}
