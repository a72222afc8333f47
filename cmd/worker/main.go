// Package main contains the entrypoint for the spam monitor worker.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spamshield/spamshield/internal/classifier"
	"github.com/spamshield/spamshield/internal/config"
	"github.com/spamshield/spamshield/internal/database"
	"github.com/spamshield/spamshield/internal/gateway"
	"github.com/spamshield/spamshield/internal/logger"
	"github.com/spamshield/spamshield/internal/monitor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all worker components, blocks until shutdown, and
// returns the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	gw := gateway.NewHTTPClient(cfg.Gateway, log)

	clf, err := classifier.New(ctx, cfg.Classifier, log)
	if err != nil {
		log.Error("Failed to initialize classifier", "backend", cfg.Classifier.Backend, "error", err)
		return 1
	}

	worker := monitor.NewWorker(cfg.Worker, cfg.Gateway, store, gw, clf, log)

	log.Info("Starting worker...")
	runErr := worker.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Worker stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Worker stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
