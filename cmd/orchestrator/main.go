// Package main contains the entrypoint for the fleet orchestrator.
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

	"github.com/google/uuid"

	"github.com/spamshield/spamshield/internal/config"
	"github.com/spamshield/spamshield/internal/database"
	"github.com/spamshield/spamshield/internal/logger"
	"github.com/spamshield/spamshield/internal/orchestrator"
	"github.com/spamshield/spamshield/internal/scheduler"
)

const heartbeatInterval = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes the orchestrator, blocks until shutdown, and returns the
// process exit code.
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

	instanceName := cfg.Orchestrator.InstanceName
	if instanceName == "" {
		instanceName = "orchestrator-" + uuid.NewString()[:8]
	}

	// MaxGroups zero keeps the orchestrator out of group placement while
	// still giving it a heartbeat row in the fleet table.
	hostname, _ := os.Hostname()
	instance := &database.BotInstance{
		InstanceName: instanceName,
		Hostname:     hostname,
		ProcessID:    os.Getpid(),
		Status:       database.InstanceStatusRunning,
		MaxGroups:    0,
	}
	if err := store.RegisterInstance(ctx, instance); err != nil {
		log.Error("Failed to register orchestrator instance", "error", err)
		return 1
	}

	reconciler := orchestrator.NewReconciler(store, instanceName, cfg.Orchestrator.HeartbeatTimeout, log)

	taskMap := map[string]scheduler.TaskFunc{
		scheduler.TaskReconcile:  scheduler.NewReconcileTask(reconciler),
		scheduler.TaskDailyStats: scheduler.NewDailyStatsTask(store, log),
		scheduler.TaskRetention:  scheduler.NewRetentionTask(store, cfg.Orchestrator.RetentionDays, log),
	}

	sched, err := scheduler.NewScheduler(log, &cfg.Scheduler, taskMap)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}
	if err := sched.Start(ctx); err != nil {
		log.Error("Failed to start scheduler", "error", err)
		return 1
	}

	// One immediate pass so a fresh fleet converges without waiting for
	// the first cron tick.
	if err := reconciler.Reconcile(ctx); err != nil {
		log.Warn("Initial reconciliation failed", "error", err)
	}

	log.Info("Orchestrator running", "instance_name", instanceName)
	runErr := heartbeatLoop(ctx, store, instanceName, log)

	if err := sched.Stop(); err != nil {
		log.Warn("Scheduler shutdown reported error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.SetInstanceStatus(shutdownCtx, instanceName, database.InstanceStatusStopped); err != nil {
		log.Warn("Failed to mark orchestrator stopped", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Orchestrator stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Orchestrator stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}

func heartbeatLoop(ctx context.Context, store database.Store, instanceName string, log *slog.Logger) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := store.Heartbeat(ctx, instanceName, 0, nil); err != nil {
				log.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}
