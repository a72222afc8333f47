package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/spamshield/spamshield/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartSchedulesEnabledTasks(t *testing.T) {
	t.Parallel()

	cfg := &config.SchedulerConfig{
		Tasks: map[string]config.TaskConfig{
			"alpha":    {Enabled: true, Schedule: "0 3 * * *"},
			"disabled": {Enabled: false, Schedule: "* * * * *"},
		},
	}
	taskMap := map[string]TaskFunc{
		"alpha": func(ctx context.Context) error { return nil },
	}

	s, err := NewScheduler(discardLogger(), cfg, taskMap)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	}()

	if err := s.Start(ctx); err == nil {
		t.Error("second Start() should report the scheduler is already running")
	}

	jobs := s.scheduler.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("scheduled jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Name() != "alpha" {
		t.Errorf("job name = %q, want %q", jobs[0].Name(), "alpha")
	}
}

func TestScheduleRejectsBadTasks(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(discardLogger(), nil, map[string]TaskFunc{
		"known": func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ctx := context.Background()
	if err := s.schedule(ctx, "missing", "* * * * *"); err == nil {
		t.Error("schedule() should reject a task absent from the registry")
	}
	if err := s.schedule(ctx, "known", ""); err == nil {
		t.Error("schedule() should reject an empty cron expression")
	}
	if err := s.schedule(ctx, "known", "* * * * *"); err != nil {
		t.Errorf("schedule() error = %v", err)
	}
}

func TestRunSkipsAfterContextCancel(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(discardLogger(), nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	var calls atomic.Int32
	task := func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.run(ctx, "task", task)
	if got := calls.Load(); got != 1 {
		t.Fatalf("task calls = %d, want 1", got)
	}

	cancel()
	s.run(ctx, "task", task)
	if got := calls.Load(); got != 1 {
		t.Errorf("task calls after cancel = %d, want 1", got)
	}
}
