package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertMessageLog appends a processed-message record. The UNIQUE
// (group_id, message_id) constraint absorbs replays: a crash between
// logging and cursor advance re-delivers messages, and the second insert
// is a no-op. The returned flag reports whether a row was inserted.
func (s *sqlxStore) InsertMessageLog(ctx context.Context, entry *MessageLog) (bool, error) {
	if entry == nil {
		return false, fmt.Errorf("cannot save nil message log")
	}
	if entry.GroupID == "" || entry.MessageID == "" {
		return false, fmt.Errorf("message log must have group_id and message_id")
	}

	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO message_logs (
			group_id, message_id, sender_id, sender_name, message_text,
			has_attachments, attachment_types, is_spam, confidence_score,
			model_version, processing_time_ms, action_taken,
			deletion_successful, notification_sent, details,
			message_created_at, processed_at
		) VALUES (
			:group_id, :message_id, :sender_id, :sender_name, :message_text,
			:has_attachments, :attachment_types, :is_spam, :confidence_score,
			:model_version, :processing_time_ms, :action_taken,
			:deletion_successful, :notification_sent, :details,
			:message_created_at, :processed_at
		)
		ON CONFLICT (group_id, message_id) DO NOTHING
	`

	result, err := s.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting message log",
			"group_id", entry.GroupID, "message_id", entry.MessageID, "error", err)
		return false, fmt.Errorf("failed to insert message log (group %s, message %s): %w",
			entry.GroupID, entry.MessageID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not get affected row count for message log",
			"group_id", entry.GroupID, "message_id", entry.MessageID, "error", err)
		return false, nil
	}

	if affected == 0 {
		s.logger.DebugContext(ctx, "Duplicate message log absorbed",
			"group_id", entry.GroupID, "message_id", entry.MessageID)
		return false, nil
	}

	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return true, nil
}

// UpdateDeletionOutcome records the final result of a deletion attempt.
// Retries run asynchronously, so the log row exists before the outcome does.
func (s *sqlxStore) UpdateDeletionOutcome(ctx context.Context, groupID, messageID string, successful, notificationSent bool) error {
	if groupID == "" || messageID == "" {
		return fmt.Errorf("group_id and message_id cannot be empty")
	}

	query := `UPDATE message_logs SET deletion_successful = ?, notification_sent = ?
	          WHERE group_id = ? AND message_id = ?`

	result, err := s.db.ExecContext(ctx, query, successful, notificationSent, groupID, messageID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating deletion outcome",
			"group_id", groupID, "message_id", messageID, "error", err)
		return fmt.Errorf("failed to update deletion outcome (group %s, message %s): %w",
			groupID, messageID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("no message log for group %s, message %s", groupID, messageID)
	}

	return nil
}

// dailyAggregate holds the values recomputed from message logs.
type dailyAggregate struct {
	TotalMessages         int     `db:"total_messages"`
	SpamDetected          int     `db:"spam_detected"`
	SpamDeleted           int     `db:"spam_deleted"`
	AvgConfidenceScore    float64 `db:"avg_confidence_score"`
	AvgProcessingTimeMs   int     `db:"avg_processing_time_ms"`
	TotalProcessingTimeMs int     `db:"total_processing_time_ms"`
	DeletionFailures      int     `db:"deletion_failures"`
}

// RecomputeDailyStat rebuilds the (group, day) aggregate from scratch. The
// source rows (message_logs, system_events) are append-only, so running it
// twice produces identical values; false_positives is owned by the review
// surface and left untouched on update.
func (s *sqlxStore) RecomputeDailyStat(ctx context.Context, groupID string, day time.Time) error {
	if groupID == "" {
		return fmt.Errorf("group_id cannot be empty")
	}

	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	dateKey := dayStart.Format("2006-01-02")

	var agg dailyAggregate
	aggQuery := `
		SELECT
			COUNT(*) AS total_messages,
			COALESCE(SUM(CASE WHEN is_spam THEN 1 ELSE 0 END), 0) AS spam_detected,
			COALESCE(SUM(CASE WHEN is_spam AND action_taken = 'deleted' AND deletion_successful THEN 1 ELSE 0 END), 0) AS spam_deleted,
			COALESCE(AVG(CASE WHEN is_spam THEN confidence_score END), 0) AS avg_confidence_score,
			COALESCE(AVG(processing_time_ms), 0) AS avg_processing_time_ms,
			COALESCE(SUM(processing_time_ms), 0) AS total_processing_time_ms,
			COALESCE(SUM(CASE WHEN is_spam AND action_taken = 'deleted' AND NOT deletion_successful THEN 1 ELSE 0 END), 0) AS deletion_failures
		FROM message_logs
		WHERE group_id = ? AND processed_at >= ? AND processed_at < ?
	`
	if err := s.db.GetContext(ctx, &agg, aggQuery, groupID, dayStart, dayEnd); err != nil {
		s.logger.ErrorContext(ctx, "Error aggregating message logs",
			"group_id", groupID, "date", dateKey, "error", err)
		return fmt.Errorf("failed to aggregate logs for group %s on %s: %w", groupID, dateKey, err)
	}

	var apiErrors int
	errQuery := `SELECT COUNT(*) FROM system_events
	             WHERE event_type = ? AND entity_type = 'group' AND entity_id = ?
	               AND created_at >= ? AND created_at < ?`
	if err := s.db.GetContext(ctx, &apiErrors, errQuery, EventAPIError, groupID, dayStart, dayEnd); err != nil {
		s.logger.ErrorContext(ctx, "Error counting api errors",
			"group_id", groupID, "date", dateKey, "error", err)
		return fmt.Errorf("failed to count api errors for group %s on %s: %w", groupID, dateKey, err)
	}

	now := time.Now().UTC()
	upsert := `
		INSERT INTO daily_stats (
			created_at, updated_at, group_id, date, total_messages, spam_detected,
			spam_deleted, false_positives, avg_confidence_score,
			avg_processing_time_ms, total_processing_time_ms, api_errors, deletion_failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, date) DO UPDATE SET
			updated_at = excluded.updated_at,
			total_messages = excluded.total_messages,
			spam_detected = excluded.spam_detected,
			spam_deleted = excluded.spam_deleted,
			avg_confidence_score = excluded.avg_confidence_score,
			avg_processing_time_ms = excluded.avg_processing_time_ms,
			total_processing_time_ms = excluded.total_processing_time_ms,
			api_errors = excluded.api_errors,
			deletion_failures = excluded.deletion_failures
	`

	if _, err := s.db.ExecContext(ctx, upsert,
		now, now, groupID, dateKey,
		agg.TotalMessages, agg.SpamDetected, agg.SpamDeleted,
		agg.AvgConfidenceScore, agg.AvgProcessingTimeMs, agg.TotalProcessingTimeMs,
		apiErrors, agg.DeletionFailures); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting daily stat",
			"group_id", groupID, "date", dateKey, "error", err)
		return fmt.Errorf("failed to upsert daily stat for group %s on %s: %w", groupID, dateKey, err)
	}

	s.logger.DebugContext(ctx, "Daily stat recomputed",
		"group_id", groupID, "date", dateKey,
		"total_messages", agg.TotalMessages, "spam_detected", agg.SpamDetected)
	return nil
}

// GetDailyStat retrieves the aggregate for a (group, day). Returns nil, nil
// when no aggregate has been computed yet.
func (s *sqlxStore) GetDailyStat(ctx context.Context, groupID string, day time.Time) (*DailyStat, error) {
	if groupID == "" {
		return nil, fmt.Errorf("group_id cannot be empty")
	}

	dateKey := day.UTC().Format("2006-01-02")

	var stat DailyStat
	query := `SELECT id, created_at, updated_at, group_id, date, total_messages, spam_detected,
	                 spam_deleted, false_positives, avg_confidence_score,
	                 avg_processing_time_ms, total_processing_time_ms, api_errors, deletion_failures
	          FROM daily_stats WHERE group_id = ? AND date = ?`

	err := s.db.GetContext(ctx, &stat, query, groupID, dateKey)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting daily stat",
			"group_id", groupID, "date", dateKey, "error", err)
		return nil, fmt.Errorf("failed to get daily stat for group %s on %s: %w", groupID, dateKey, err)
	}

	return &stat, nil
}

// ListGroupIDsWithActivity returns group IDs that have message logs on the given day.
func (s *sqlxStore) ListGroupIDsWithActivity(ctx context.Context, day time.Time) ([]string, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	var groupIDs []string
	query := `SELECT DISTINCT group_id FROM message_logs
	          WHERE processed_at >= ? AND processed_at < ? ORDER BY group_id`

	if err := s.db.SelectContext(ctx, &groupIDs, query, dayStart, dayEnd); err != nil {
		s.logger.ErrorContext(ctx, "Error listing groups with activity", "error", err)
		return nil, fmt.Errorf("failed to list groups with activity: %w", err)
	}

	return groupIDs, nil
}

// LogSystemEvent appends an operational audit entry. Events are never
// updated or deleted inside the retention window.
func (s *sqlxStore) LogSystemEvent(ctx context.Context, event *SystemEvent) error {
	if event == nil {
		return fmt.Errorf("cannot log nil system event")
	}
	if event.EventType == "" {
		return fmt.Errorf("system event must have an event_type")
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	query := `
		INSERT INTO system_events (
			created_at, event_type, entity_type, entity_id,
			description, details, severity, instance_name
		) VALUES (
			:created_at, :event_type, :entity_type, :entity_id,
			:description, :details, :severity, :instance_name
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, event); err != nil {
		s.logger.ErrorContext(ctx, "Error logging system event",
			"event_type", event.EventType, "entity_id", event.EntityID, "error", err)
		return fmt.Errorf("failed to log system event %s: %w", event.EventType, err)
	}

	return nil
}

// CleanupOldData removes message logs and system events older than the
// retention window, in one transaction. Daily stats survive as the
// long-term record.
func (s *sqlxStore) CleanupOldData(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention_days must be positive, got %d", retentionDays)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for cleanup", "error", err)
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	logsResult, err := tx.ExecContext(ctx, `DELETE FROM message_logs WHERE processed_at < ?`, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting old message logs", "error", err)
		return 0, fmt.Errorf("failed to delete old message logs: %w", err)
	}
	logsCount, _ := logsResult.RowsAffected()

	eventsResult, err := tx.ExecContext(ctx, `DELETE FROM system_events WHERE created_at < ?`, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting old system events", "error", err)
		return 0, fmt.Errorf("failed to delete old system events: %w", err)
	}
	eventsCount, _ := eventsResult.RowsAffected()

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit cleanup transaction", "error", err)
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	total := logsCount + eventsCount
	s.logger.InfoContext(ctx, "Old data cleaned up",
		"cutoff", cutoff.Format("2006-01-02"),
		"message_logs_deleted", logsCount,
		"system_events_deleted", eventsCount)
	return total, nil
}

// ResolveModelVersion maps the "latest" alias to the newest active model
// version. Concrete versions pass through unchanged; when the catalog is
// empty the alias resolves to itself so the classifier backend decides.
func (s *sqlxStore) ResolveModelVersion(ctx context.Context, version string) (string, error) {
	if version != "" && version != "latest" {
		return version, nil
	}

	var resolved string
	query := `SELECT version FROM model_versions WHERE is_active
	          ORDER BY is_default DESC, created_at DESC LIMIT 1`

	err := s.db.GetContext(ctx, &resolved, query)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No model versions in catalog, keeping alias")
		return "latest", nil

	case err != nil:
		s.logger.ErrorContext(ctx, "Error resolving model version", "error", err)
		return "", fmt.Errorf("failed to resolve model version: %w", err)
	}

	return resolved, nil
}
