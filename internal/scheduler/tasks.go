package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spamshield/spamshield/internal/database"
	"github.com/spamshield/spamshield/internal/orchestrator"
)

// Task names as used in the scheduler config.
const (
	TaskReconcile  = "reconcile"
	TaskDailyStats = "daily_stats"
	TaskRetention  = "retention"
)

// NewReconcileTask returns the fleet reconciliation task.
func NewReconcileTask(r *orchestrator.Reconciler) TaskFunc {
	return func(ctx context.Context) error {
		return r.Reconcile(ctx)
	}
}

// NewDailyStatsTask returns the aggregation task. It recomputes today and
// yesterday on every run, so logs arriving late near midnight and replayed
// messages are folded in without double counting.
func NewDailyStatsTask(store database.Store, logger *slog.Logger) TaskFunc {
	log := logger.With("component", "daily_stats_task")

	return func(ctx context.Context) error {
		now := time.Now().UTC()
		days := []time.Time{now, now.AddDate(0, 0, -1)}

		var failed int
		for _, day := range days {
			groupIDs, err := store.ListGroupIDsWithActivity(ctx, day)
			if err != nil {
				return fmt.Errorf("failed to list groups for %s: %w", day.Format("2006-01-02"), err)
			}

			for _, groupID := range groupIDs {
				if err := store.RecomputeDailyStat(ctx, groupID, day); err != nil {
					log.ErrorContext(ctx, "Failed to recompute daily stat",
						"group_id", groupID, "date", day.Format("2006-01-02"), "error", err)
					failed++
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("daily stats recompute failed for %d groups", failed)
		}
		return nil
	}
}

// NewRetentionTask returns the data retention task.
func NewRetentionTask(store database.Store, retentionDays int, logger *slog.Logger) TaskFunc {
	log := logger.With("component", "retention_task")

	return func(ctx context.Context) error {
		deleted, err := store.CleanupOldData(ctx, retentionDays)
		if err != nil {
			return fmt.Errorf("retention cleanup failed: %w", err)
		}
		if deleted > 0 {
			log.InfoContext(ctx, "Retention cleanup done", "rows_deleted", deleted, "retention_days", retentionDays)
		}
		return nil
	}
}
