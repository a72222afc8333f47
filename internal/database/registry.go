package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// GetGroup retrieves a group by its platform group ID. Returns nil, nil if not found.
func (s *sqlxStore) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	if groupID == "" {
		return nil, fmt.Errorf("group_id cannot be empty")
	}

	var group Group
	query := `SELECT id, created_at, updated_at, group_id, group_name, status, owner_id, owner_name,
	                 member_count, last_checked, last_message_id, error_count, error_message
	          FROM groups WHERE group_id = ?`

	err := s.db.GetContext(ctx, &group, query, groupID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No group found", "group_id", groupID)
		return nil, nil

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting group", "group_id", groupID, "error", err)
		return nil, fmt.Errorf("failed to get group %s: %w", groupID, err)
	}

	return &group, nil
}

// ListGroupsByStatus retrieves all groups in one of the given statuses.
func (s *sqlxStore) ListGroupsByStatus(ctx context.Context, statuses ...string) ([]Group, error) {
	if len(statuses) == 0 {
		return nil, fmt.Errorf("at least one status is required")
	}

	query, args, err := sqlx.In(
		`SELECT id, created_at, updated_at, group_id, group_name, status, owner_id, owner_name,
		        member_count, last_checked, last_message_id, error_count, error_message
		 FROM groups WHERE status IN (?) ORDER BY group_id`, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build group query: %w", err)
	}

	var groups []Group
	if err := s.db.SelectContext(ctx, &groups, s.db.Rebind(query), args...); err != nil {
		s.logger.ErrorContext(ctx, "Error listing groups", "statuses", statuses, "error", err)
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	return groups, nil
}

// CreateGroup inserts a group and its default config if one doesn't exist.
func (s *sqlxStore) CreateGroup(ctx context.Context, group *Group) error {
	if group == nil {
		return fmt.Errorf("cannot save nil group")
	}
	if group.GroupID == "" {
		return fmt.Errorf("group must have a non-empty group_id")
	}

	now := time.Now().UTC()
	group.CreatedAt = now
	group.UpdatedAt = now
	if group.Status == "" {
		group.Status = GroupStatusActive
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for creating group",
			"group_id", group.GroupID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
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

	query := `
		INSERT INTO groups (
			created_at, updated_at, group_id, group_name, status, owner_id, owner_name,
			member_count, last_checked, last_message_id, error_count, error_message
		) VALUES (
			:created_at, :updated_at, :group_id, :group_name, :status, :owner_id, :owner_name,
			:member_count, :last_checked, :last_message_id, :error_count, :error_message
		)
	`

	result, err := tx.NamedExecContext(ctx, query, group)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating group", "group_id", group.GroupID, "error", err)
		return fmt.Errorf("failed to create group %s: %w", group.GroupID, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		group.ID = id
	}

	cfg := DefaultGroupConfig(group.GroupID)
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	cfgQuery := `
		INSERT INTO group_configs (
			created_at, updated_at, group_id, confidence_threshold, check_interval_seconds,
			auto_delete_spam, notify_on_removal, notify_admins, send_startup_message,
			max_message_age_hours, batch_size, rate_limit_per_minute,
			model_version, custom_keywords, whitelist_users
		) VALUES (
			:created_at, :updated_at, :group_id, :confidence_threshold, :check_interval_seconds,
			:auto_delete_spam, :notify_on_removal, :notify_admins, :send_startup_message,
			:max_message_age_hours, :batch_size, :rate_limit_per_minute,
			:model_version, :custom_keywords, :whitelist_users
		)
		ON CONFLICT (group_id) DO NOTHING
	`

	if _, err := tx.NamedExecContext(ctx, cfgQuery, cfg); err != nil {
		s.logger.ErrorContext(ctx, "Error creating default group config", "group_id", group.GroupID, "error", err)
		return fmt.Errorf("failed to create default config for group %s: %w", group.GroupID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "group_id", group.GroupID, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Group created", "group_id", group.GroupID, "group_name", group.GroupName)
	return nil
}

// SetGroupStatus updates the status and error message of a group.
func (s *sqlxStore) SetGroupStatus(ctx context.Context, groupID, status, errorMessage string) error {
	if groupID == "" {
		return fmt.Errorf("group_id cannot be empty")
	}

	query := `UPDATE groups SET status = ?, error_message = ?, updated_at = ? WHERE group_id = ?`

	result, err := s.db.ExecContext(ctx, query, status, errorMessage, time.Now().UTC(), groupID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating group status",
			"group_id", groupID, "status", status, "error", err)
		return fmt.Errorf("failed to update status for group %s: %w", groupID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("group %s not found", groupID)
	}

	s.logger.DebugContext(ctx, "Group status updated", "group_id", groupID, "status", status)
	return nil
}

// AdvanceGroupCursor records a successful check. The cursor only moves when
// lastMessageID is non-empty; an empty poll still refreshes last_checked and
// clears the consecutive error count.
func (s *sqlxStore) AdvanceGroupCursor(ctx context.Context, groupID, lastMessageID string) error {
	if groupID == "" {
		return fmt.Errorf("group_id cannot be empty")
	}

	now := time.Now().UTC()

	var err error
	if lastMessageID != "" {
		query := `UPDATE groups
		          SET last_checked = ?, last_message_id = ?, error_count = 0, error_message = '', updated_at = ?
		          WHERE group_id = ?`
		_, err = s.db.ExecContext(ctx, query, now, lastMessageID, now, groupID)
	} else {
		query := `UPDATE groups
		          SET last_checked = ?, error_count = 0, error_message = '', updated_at = ?
		          WHERE group_id = ?`
		_, err = s.db.ExecContext(ctx, query, now, now, groupID)
	}

	if err != nil {
		s.logger.ErrorContext(ctx, "Error advancing group cursor", "group_id", groupID, "error", err)
		return fmt.Errorf("failed to advance cursor for group %s: %w", groupID, err)
	}

	return nil
}

// RecordGroupError increments the group's consecutive error count and trips
// the group into 'error' status once threshold is reached.
func (s *sqlxStore) RecordGroupError(ctx context.Context, groupID, message string, threshold int) (bool, error) {
	if groupID == "" {
		return false, fmt.Errorf("group_id cannot be empty")
	}
	if threshold <= 0 {
		threshold = 5
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for recording group error",
			"group_id", groupID, "error", err)
		return false, fmt.Errorf("failed to begin transaction: %w", err)
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

	now := time.Now().UTC()

	query := `UPDATE groups SET error_count = error_count + 1, error_message = ?, updated_at = ? WHERE group_id = ?`
	if _, err := tx.ExecContext(ctx, query, message, now, groupID); err != nil {
		s.logger.ErrorContext(ctx, "Error incrementing group error count", "group_id", groupID, "error", err)
		return false, fmt.Errorf("failed to record error for group %s: %w", groupID, err)
	}

	var errorCount int
	if err := tx.GetContext(ctx, &errorCount, `SELECT error_count FROM groups WHERE group_id = ?`, groupID); err != nil {
		return false, fmt.Errorf("failed to read error count for group %s: %w", groupID, err)
	}

	tripped := errorCount >= threshold
	if tripped {
		statusQuery := `UPDATE groups SET status = ?, updated_at = ? WHERE group_id = ? AND status != ?`
		if _, err := tx.ExecContext(ctx, statusQuery, GroupStatusError, now, groupID, GroupStatusError); err != nil {
			return false, fmt.Errorf("failed to mark group %s as errored: %w", groupID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "group_id", groupID, "error", err)
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	if tripped {
		s.logger.WarnContext(ctx, "Group moved to error status",
			"group_id", groupID, "error_count", errorCount, "threshold", threshold)
	}
	return tripped, nil
}

// GetGroupConfig retrieves the config for a group, falling back to defaults
// when no row exists. Callers re-read this every cycle so edits apply
// without restarts.
func (s *sqlxStore) GetGroupConfig(ctx context.Context, groupID string) (*GroupConfig, error) {
	if groupID == "" {
		return nil, fmt.Errorf("group_id cannot be empty")
	}

	var config GroupConfig
	query := `SELECT id, created_at, updated_at, group_id, confidence_threshold, check_interval_seconds,
	                 auto_delete_spam, notify_on_removal, notify_admins, send_startup_message,
	                 max_message_age_hours, batch_size, rate_limit_per_minute,
	                 model_version, custom_keywords, whitelist_users
	          FROM group_configs WHERE group_id = ?`

	err := s.db.GetContext(ctx, &config, query, groupID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No config found for group, using defaults", "group_id", groupID)
		return DefaultGroupConfig(groupID), nil

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting group config", "group_id", groupID, "error", err)
		return nil, fmt.Errorf("failed to get config for group %s: %w", groupID, err)
	}

	return &config, nil
}

// SaveGroupConfig inserts or updates a group config.
func (s *sqlxStore) SaveGroupConfig(ctx context.Context, config *GroupConfig) error {
	if config == nil {
		return fmt.Errorf("cannot save nil group config")
	}
	if config.GroupID == "" {
		return fmt.Errorf("group config must have a non-empty group_id")
	}

	now := time.Now().UTC()
	config.UpdatedAt = now
	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}

	query := `
		INSERT INTO group_configs (
			created_at, updated_at, group_id, confidence_threshold, check_interval_seconds,
			auto_delete_spam, notify_on_removal, notify_admins, send_startup_message,
			max_message_age_hours, batch_size, rate_limit_per_minute,
			model_version, custom_keywords, whitelist_users
		) VALUES (
			:created_at, :updated_at, :group_id, :confidence_threshold, :check_interval_seconds,
			:auto_delete_spam, :notify_on_removal, :notify_admins, :send_startup_message,
			:max_message_age_hours, :batch_size, :rate_limit_per_minute,
			:model_version, :custom_keywords, :whitelist_users
		)
		ON CONFLICT (group_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			confidence_threshold = excluded.confidence_threshold,
			check_interval_seconds = excluded.check_interval_seconds,
			auto_delete_spam = excluded.auto_delete_spam,
			notify_on_removal = excluded.notify_on_removal,
			notify_admins = excluded.notify_admins,
			send_startup_message = excluded.send_startup_message,
			max_message_age_hours = excluded.max_message_age_hours,
			batch_size = excluded.batch_size,
			rate_limit_per_minute = excluded.rate_limit_per_minute,
			model_version = excluded.model_version,
			custom_keywords = excluded.custom_keywords,
			whitelist_users = excluded.whitelist_users
	`

	if _, err := s.db.NamedExecContext(ctx, query, config); err != nil {
		s.logger.ErrorContext(ctx, "Error saving group config", "group_id", config.GroupID, "error", err)
		return fmt.Errorf("failed to save config for group %s: %w", config.GroupID, err)
	}

	s.logger.DebugContext(ctx, "Group config saved", "group_id", config.GroupID)
	return nil
}
