package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/INLOpen/nexusflow/checkpoint"
	"github.com/INLOpen/nexusflow/config"
	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/hooks"
	"github.com/INLOpen/nexusflow/oplog"
	"github.com/INLOpen/nexusflow/server"
	"github.com/INLOpen/nexusflow/worker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nexusflow",
	Short: "Durable execution core for WASM workers",
	Long: `nexusflow maintains per-worker operation logs, derives worker status
from them, and serves the read-only query API.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the oplog stores and the query API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	hookManager := hooks.NewHookManager(logger)

	store, err := oplog.OpenFileStore(oplog.FileStoreOptions{
		Dir:                cfg.Oplog.Dir,
		SyncMode:           oplog.SyncMode(cfg.Oplog.SyncMode),
		MaxSegmentSize:     cfg.Oplog.MaxSegmentSizeBytes,
		CompactionInterval: config.ParseDuration(cfg.Oplog.CompactionInterval, 10*time.Minute, logger),
		Logger:             logger,
		HookManager:        hookManager,
	})
	if err != nil {
		return fmt.Errorf("failed to open oplog store: %w", err)
	}
	defer store.Close()

	checkpoints, err := checkpoint.Open(checkpoint.Options{
		Dir:    cfg.Checkpoint.Dir,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	statuses, err := worker.NewStatusService(worker.StatusServiceOptions{
		Oplog:       store,
		Checkpoints: checkpoints,
		Hooks:       hookManager,
		DefaultRetry: core.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			MinDelay:    config.ParseDuration(cfg.Retry.MinDelay, 100*time.Millisecond, logger),
			MaxDelay:    config.ParseDuration(cfg.Retry.MaxDelay, 2*time.Second, logger),
			Multiplier:  cfg.Retry.Multiplier,
		},
		CacheCapacity: cfg.Status.CacheCapacity,
		ShardCount:    cfg.Status.ShardCount,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create status service: %w", err)
	}

	srv, err := server.New(server.Options{
		ListenAddress:   cfg.Server.ListenAddress,
		Statuses:        statuses,
		Oplog:           store,
		ReadTimeout:     config.ParseDuration(cfg.Server.ReadTimeout, 10*time.Second, logger),
		WriteTimeout:    config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second, logger),
		MetricsDisabled: !cfg.Server.MetricsEnabled,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create query api server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}
	return <-errCh
}
