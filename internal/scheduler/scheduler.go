// Package scheduler runs the orchestrator's background tasks on cron
// schedules using gocron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/spamshield/spamshield/internal/config"
)

// TaskFunc is a schedulable unit of work.
type TaskFunc func(ctx context.Context) error

// Scheduler drives a registry of named tasks from cron expressions in
// the scheduler configuration.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       *config.SchedulerConfig
	taskMap   map[string]TaskFunc
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a scheduler over the given task registry.
func NewScheduler(logger *slog.Logger, cfg *config.SchedulerConfig, taskMap map[string]TaskFunc) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "scheduler")

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    log,
		cfg:       cfg,
		taskMap:   taskMap,
	}, nil
}

// Start registers every enabled task and begins running the schedule.
// Task invocations receive ctx, so cancelling the host process context
// cancels in-flight task work as well.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	scheduled := 0
	if s.cfg != nil {
		for taskName, taskConfig := range s.cfg.Tasks {
			if !taskConfig.Enabled {
				s.logger.Info("Skipping disabled task", "task_name", taskName)
				continue
			}
			if err := s.schedule(ctx, taskName, taskConfig.Schedule); err != nil {
				s.logger.Error("Failed to schedule task",
					"task_name", taskName, "schedule", taskConfig.Schedule, "error", err)
				continue
			}
			scheduled++
		}
	}

	if scheduled == 0 {
		s.logger.Warn("No scheduler tasks enabled")
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started", "tasks_scheduled", scheduled)

	return nil
}

func (s *Scheduler) schedule(ctx context.Context, name, cronExpr string) error {
	task, ok := s.taskMap[name]
	if !ok {
		return fmt.Errorf("task %q is not registered", name)
	}
	if cronExpr == "" {
		return fmt.Errorf("task %q has an empty schedule", name)
	}

	_, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(func() {
			s.run(ctx, name, task)
		}),
		gocron.WithName(name),
	)
	if err != nil {
		return err
	}

	s.logger.Info("Scheduled task", "task_name", name, "schedule", cronExpr)
	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, task TaskFunc) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Info("Running scheduled task", "task_name", name)
	start := time.Now()
	if err := task(ctx); err != nil {
		s.logger.Error("Scheduled task failed", "task_name", name, "error", err)
	}
	s.logger.Info("Finished scheduled task", "task_name", name, "duration", time.Since(start))
}

// Stop gracefully stops the scheduler, waiting for running jobs to complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped")
	}

	s.running = false
	return err
}
