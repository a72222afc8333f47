package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spamshield/spamshield/internal/database"
)

// Fleet event types written to the system event log.
const (
	EventGroupAssigned      = "group_assigned"
	EventGroupReassigned    = "group_reassigned"
	EventAssignmentOrphaned = "assignment_orphaned"
	EventCapacityExhausted  = "assignment_capacity_exhausted"
)

// Reconciler converges group assignments with the registry and the live
// fleet. One instance runs it on a schedule; each pass is independent.
type Reconciler struct {
	store            database.Store
	instanceName     string
	heartbeatTimeout time.Duration
	logger           *slog.Logger

	// capacityExhausted remembers whether the previous pass left groups
	// unplaced, so the capacity event fires on the transition rather than
	// on every tick.
	capacityExhausted bool
}

// NewReconciler creates a reconciler writing events as instanceName.
func NewReconciler(store database.Store, instanceName string, heartbeatTimeout time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{
		store:            store,
		instanceName:     instanceName,
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger.With("component", "reconciler"),
	}
}

// Reconcile runs one pass: snapshot, plan, apply. A second pass over an
// unchanged fleet plans nothing and writes nothing.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	groups, err := r.store.ListGroupsByStatus(ctx,
		database.GroupStatusActive, database.GroupStatusInactive,
		database.GroupStatusPaused, database.GroupStatusError)
	if err != nil {
		return fmt.Errorf("failed to snapshot groups: %w", err)
	}

	instances, err := r.store.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot instances: %w", err)
	}

	assignments, err := r.store.ListActiveAssignments(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot assignments: %w", err)
	}

	plan := BuildPlan(PlanInput{
		Now:              time.Now().UTC(),
		HeartbeatTimeout: r.heartbeatTimeout,
		Groups:           groups,
		Instances:        instances,
		Assignments:      assignments,
	})

	if plan.Empty() && len(plan.Unplaceable) == 0 {
		r.capacityExhausted = false
		r.logger.DebugContext(ctx, "Fleet already converged",
			"groups", len(groups), "instances", len(instances))
		return nil
	}

	return r.apply(ctx, plan)
}

func (r *Reconciler) apply(ctx context.Context, plan Plan) error {
	for _, groupID := range plan.Orphans {
		if err := r.store.DeleteAssignmentsByGroup(ctx, groupID); err != nil {
			return fmt.Errorf("failed to remove orphaned assignment: %w", err)
		}
		r.logEvent(ctx, EventAssignmentOrphaned, groupID, database.SeverityWarning,
			fmt.Sprintf("removed assignments for unknown group %s", groupID), nil)
	}

	for _, groupID := range plan.Revoke {
		if err := r.store.RevokeAssignment(ctx, groupID); err != nil {
			return fmt.Errorf("failed to revoke assignment: %w", err)
		}
		r.logger.InfoContext(ctx, "Assignment revoked for non-active group", "group_id", groupID)
	}

	for _, groupID := range plan.Demote {
		if err := r.store.DemoteAssignment(ctx, groupID); err != nil {
			return fmt.Errorf("failed to demote assignment: %w", err)
		}
		r.logger.InfoContext(ctx, "Assignment of dead instance marked reassigning", "group_id", groupID)
	}

	for _, a := range plan.Assignments {
		changed, err := r.store.SwapActiveAssignment(ctx, a.GroupID, a.InstanceID)
		if err != nil {
			return fmt.Errorf("failed to assign group %s: %w", a.GroupID, err)
		}
		if !changed {
			continue
		}

		eventType := EventGroupAssigned
		description := fmt.Sprintf("group %s assigned to %s", a.GroupID, a.InstanceName)
		if a.PreviousInstanceID != 0 {
			eventType = EventGroupReassigned
			description = fmt.Sprintf("group %s reassigned to %s from dead instance", a.GroupID, a.InstanceName)
		}

		r.logEvent(ctx, eventType, a.GroupID, database.SeverityInfo, description, map[string]any{
			"instance_id":          a.InstanceID,
			"instance_name":        a.InstanceName,
			"previous_instance_id": a.PreviousInstanceID,
		})
	}

	if len(plan.Unplaceable) > 0 {
		r.logger.WarnContext(ctx, "Fleet capacity exhausted",
			"unplaceable_groups", len(plan.Unplaceable))
		// Unplaceable groups persist across passes; one event per episode
		// keeps the log from growing on every tick.
		if !r.capacityExhausted {
			r.logEvent(ctx, EventCapacityExhausted, "", database.SeverityWarning,
				fmt.Sprintf("%d active groups have no available instance", len(plan.Unplaceable)),
				map[string]any{"group_ids": plan.Unplaceable})
		}
	}
	r.capacityExhausted = len(plan.Unplaceable) > 0

	r.logger.InfoContext(ctx, "Reconciliation applied",
		"assigned", len(plan.Assignments),
		"revoked", len(plan.Revoke),
		"orphaned", len(plan.Orphans),
		"unplaceable", len(plan.Unplaceable))
	return nil
}

// logEvent appends a fleet event; event log failures are logged but never
// fail the reconciliation pass itself.
func (r *Reconciler) logEvent(ctx context.Context, eventType, groupID, severity, description string, details map[string]any) {
	event := &database.SystemEvent{
		EventType:    eventType,
		EntityType:   "group",
		EntityID:     groupID,
		Description:  description,
		Severity:     severity,
		InstanceName: r.instanceName,
	}
	if groupID == "" {
		event.EntityType = "fleet"
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			event.Details = string(raw)
		}
	}

	if err := r.store.LogSystemEvent(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "Failed to log fleet event",
			"event_type", eventType, "group_id", groupID, "error", err)
	}
}
