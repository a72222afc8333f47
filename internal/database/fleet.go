package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegisterInstance inserts or resurrects a bot instance row keyed by
// instance_name. Re-registering an existing name resets its runtime fields,
// which covers a process restart reusing a persisted name.
func (s *sqlxStore) RegisterInstance(ctx context.Context, instance *BotInstance) error {
	if instance == nil {
		return fmt.Errorf("cannot register nil instance")
	}
	if instance.InstanceName == "" {
		return fmt.Errorf("instance must have a non-empty instance_name")
	}

	now := time.Now().UTC()
	instance.LastHeartbeat = now
	instance.StartedAt = now
	if instance.Status == "" {
		instance.Status = InstanceStatusStarting
	}

	query := `
		INSERT INTO bot_instances (
			instance_name, hostname, process_id, status, max_groups,
			current_groups, assigned_groups, last_heartbeat, started_at, version
		) VALUES (
			:instance_name, :hostname, :process_id, :status, :max_groups,
			:current_groups, :assigned_groups, :last_heartbeat, :started_at, :version
		)
		ON CONFLICT (instance_name) DO UPDATE SET
			hostname = excluded.hostname,
			process_id = excluded.process_id,
			status = excluded.status,
			max_groups = excluded.max_groups,
			current_groups = excluded.current_groups,
			assigned_groups = excluded.assigned_groups,
			last_heartbeat = excluded.last_heartbeat,
			started_at = excluded.started_at,
			version = excluded.version
	`

	if _, err := s.db.NamedExecContext(ctx, query, instance); err != nil {
		s.logger.ErrorContext(ctx, "Error registering instance",
			"instance_name", instance.InstanceName, "error", err)
		return fmt.Errorf("failed to register instance %s: %w", instance.InstanceName, err)
	}

	var id int64
	if err := s.db.GetContext(ctx, &id,
		`SELECT id FROM bot_instances WHERE instance_name = ?`, instance.InstanceName); err != nil {
		return fmt.Errorf("failed to read back instance %s: %w", instance.InstanceName, err)
	}
	instance.ID = id

	s.logger.InfoContext(ctx, "Instance registered",
		"instance_name", instance.InstanceName, "max_groups", instance.MaxGroups)
	return nil
}

// Heartbeat refreshes last_heartbeat and the instance's view of its load.
// Heartbeat staleness is the only signal the orchestrator has that a
// process died, so workers call this frequently.
func (s *sqlxStore) Heartbeat(ctx context.Context, instanceName string, currentGroups int, assignedGroups []string) error {
	if instanceName == "" {
		return fmt.Errorf("instance_name cannot be empty")
	}

	query := `UPDATE bot_instances
	          SET last_heartbeat = ?, status = ?, current_groups = ?, assigned_groups = ?
	          WHERE instance_name = ?`

	result, err := s.db.ExecContext(ctx, query,
		time.Now().UTC(), InstanceStatusRunning, currentGroups, JoinList(assignedGroups), instanceName)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error writing heartbeat", "instance_name", instanceName, "error", err)
		return fmt.Errorf("failed to write heartbeat for %s: %w", instanceName, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("instance %s not registered", instanceName)
	}

	return nil
}

// SetInstanceStatus updates the lifecycle status of an instance.
func (s *sqlxStore) SetInstanceStatus(ctx context.Context, instanceName, status string) error {
	if instanceName == "" {
		return fmt.Errorf("instance_name cannot be empty")
	}

	query := `UPDATE bot_instances SET status = ? WHERE instance_name = ?`
	if _, err := s.db.ExecContext(ctx, query, status, instanceName); err != nil {
		s.logger.ErrorContext(ctx, "Error updating instance status",
			"instance_name", instanceName, "status", status, "error", err)
		return fmt.Errorf("failed to update status for instance %s: %w", instanceName, err)
	}

	return nil
}

// ListInstances retrieves all bot instances.
func (s *sqlxStore) ListInstances(ctx context.Context) ([]BotInstance, error) {
	var instances []BotInstance
	query := `SELECT id, instance_name, hostname, process_id, status, max_groups,
	                 current_groups, assigned_groups, last_heartbeat, started_at, version
	          FROM bot_instances ORDER BY instance_name`

	if err := s.db.SelectContext(ctx, &instances, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing instances", "error", err)
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	return instances, nil
}

// ListActiveAssignments retrieves all assignments with status 'active'.
func (s *sqlxStore) ListActiveAssignments(ctx context.Context) ([]GroupAssignment, error) {
	var assignments []GroupAssignment
	query := `SELECT id, group_id, instance_id, status, assigned_at
	          FROM group_assignments WHERE status = ? ORDER BY group_id`

	if err := s.db.SelectContext(ctx, &assignments, query, AssignmentStatusActive); err != nil {
		s.logger.ErrorContext(ctx, "Error listing active assignments", "error", err)
		return nil, fmt.Errorf("failed to list active assignments: %w", err)
	}

	return assignments, nil
}

// ListAssignedGroupIDs retrieves the group IDs actively assigned to an instance.
func (s *sqlxStore) ListAssignedGroupIDs(ctx context.Context, instanceID int64) ([]string, error) {
	if instanceID == 0 {
		return nil, fmt.Errorf("instance_id cannot be zero")
	}

	var groupIDs []string
	query := `SELECT group_id FROM group_assignments
	          WHERE instance_id = ? AND status = ? ORDER BY group_id`

	if err := s.db.SelectContext(ctx, &groupIDs, query, instanceID, AssignmentStatusActive); err != nil {
		s.logger.ErrorContext(ctx, "Error listing assigned groups", "instance_id", instanceID, "error", err)
		return nil, fmt.Errorf("failed to list assigned groups for instance %d: %w", instanceID, err)
	}

	return groupIDs, nil
}

// SwapActiveAssignment makes instanceID the single active owner of the
// group. A partial unique index on (group_id) WHERE status = 'active'
// backs the invariant; the demote and insert happen in one transaction so
// no interleaving can observe two active owners. Returns false when the
// instance already owned the group and nothing was written.
func (s *sqlxStore) SwapActiveAssignment(ctx context.Context, groupID string, instanceID int64) (bool, error) {
	if groupID == "" {
		return false, fmt.Errorf("group_id cannot be empty")
	}
	if instanceID == 0 {
		return false, fmt.Errorf("instance_id cannot be zero")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for assignment swap",
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

	var currentOwner int64
	err = tx.GetContext(ctx, &currentOwner,
		`SELECT instance_id FROM group_assignments WHERE group_id = ? AND status = ?`,
		groupID, AssignmentStatusActive)

	switch {
	case err == nil && currentOwner == instanceID:
		// Already owned; the swap is a no-op so reconciliation stays idempotent.
		return false, nil

	case err == nil:
		demote := `UPDATE group_assignments SET status = ? WHERE group_id = ? AND status = ?`
		if _, err := tx.ExecContext(ctx, demote, AssignmentStatusReassigning, groupID, AssignmentStatusActive); err != nil {
			return false, fmt.Errorf("failed to demote previous assignment for group %s: %w", groupID, err)
		}

	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("failed to check current assignment for group %s: %w", groupID, err)
	}

	insert := `INSERT INTO group_assignments (group_id, instance_id, status, assigned_at)
	           VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, groupID, instanceID, AssignmentStatusActive, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("failed to assign group %s to instance %d: %w", groupID, instanceID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit assignment swap", "group_id", groupID, "error", err)
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Group assigned", "group_id", groupID, "instance_id", instanceID)
	return true, nil
}

// RevokeAssignment demotes the active assignment for a group, if any.
func (s *sqlxStore) RevokeAssignment(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("group_id cannot be empty")
	}

	query := `UPDATE group_assignments SET status = ? WHERE group_id = ? AND status = ?`
	if _, err := s.db.ExecContext(ctx, query, AssignmentStatusInactive, groupID, AssignmentStatusActive); err != nil {
		s.logger.ErrorContext(ctx, "Error revoking assignment", "group_id", groupID, "error", err)
		return fmt.Errorf("failed to revoke assignment for group %s: %w", groupID, err)
	}

	return nil
}

// DemoteAssignment marks the active assignment for a group as reassigning.
// Used when the owner is dead and no live instance can take the group yet;
// the row stops claiming ownership without losing the assignment history.
func (s *sqlxStore) DemoteAssignment(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("group_id cannot be empty")
	}

	query := `UPDATE group_assignments SET status = ? WHERE group_id = ? AND status = ?`
	if _, err := s.db.ExecContext(ctx, query, AssignmentStatusReassigning, groupID, AssignmentStatusActive); err != nil {
		s.logger.ErrorContext(ctx, "Error demoting assignment", "group_id", groupID, "error", err)
		return fmt.Errorf("failed to demote assignment for group %s: %w", groupID, err)
	}

	return nil
}

// DeleteAssignmentsByGroup removes all assignment rows for a group that is
// no longer present in the registry.
func (s *sqlxStore) DeleteAssignmentsByGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("group_id cannot be empty")
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM group_assignments WHERE group_id = ?`, groupID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting assignments", "group_id", groupID, "error", err)
		return fmt.Errorf("failed to delete assignments for group %s: %w", groupID, err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.logger.InfoContext(ctx, "Orphaned assignments removed", "group_id", groupID, "count", count)
	}
	return nil
}
