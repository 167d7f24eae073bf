// Command yardwatch runs the snapshot ingestion and enrichment pipeline.
//
// Usage:
//
//	yardwatch -config yardwatch.yaml            # run the service
//	yardwatch -config yardwatch.yaml -retain    # one retention pass and exit
//	yardwatch -config yardwatch.yaml -capture   # one capture and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/yardwatch"
)

func main() {
	configPath := flag.String("config", "", "path to yardwatch.yaml config file")
	envFile := flag.String("env", ".env", "path to .env file with API keys")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	retainOnce := flag.Bool("retain", false, "run one retention pass and exit")
	captureOnce := flag.Bool("capture", false, "capture one snapshot and exit")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *envFile, *retainOnce, *captureOnce); err != nil {
		logger.Error("yardwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, envFile string, retainOnce, captureOnce bool) error {
	cfg, err := yardwatch.LoadConfigFile(configPath, envFile)
	if err != nil {
		return err
	}

	svc, err := yardwatch.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	switch {
	case retainOnce:
		res, err := svc.RetainOnce(ctx)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		fmt.Printf("deleted=%d kept=%d records_pruned=%d dry_run=%v\n",
			res.FilesDeleted, res.FilesKept, res.RecordsPruned, res.DryRun)
		return nil
	case captureOnce:
		path, err := svc.CaptureOnce(ctx)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		fmt.Println(path)
		return nil
	}

	return svc.Start(ctx)
}
