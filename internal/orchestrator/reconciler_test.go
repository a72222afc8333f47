package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spamshield/spamshield/internal/database"
	"github.com/spamshield/spamshield/internal/orchestrator"
)

func newReconcilerStore(t *testing.T) (database.Store, *sqlx.DB) {
	t.Helper()

	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return database.NewStore(db, nil), db
}

func mustCreateGroup(t *testing.T, store database.Store, groupID string) {
	t.Helper()
	group := &database.Group{GroupID: groupID, GroupName: "Group " + groupID}
	if err := store.CreateGroup(context.Background(), group); err != nil {
		t.Fatalf("failed to create group %s: %v", groupID, err)
	}
}

func registerWorker(t *testing.T, store database.Store, name string, maxGroups int) *database.BotInstance {
	t.Helper()
	instance := &database.BotInstance{InstanceName: name, MaxGroups: maxGroups}
	if err := store.RegisterInstance(context.Background(), instance); err != nil {
		t.Fatalf("failed to register instance %s: %v", name, err)
	}
	return instance
}

func staleHeartbeat(t *testing.T, db *sqlx.DB, instanceID int64) {
	t.Helper()
	_, err := db.Exec(`UPDATE bot_instances SET last_heartbeat = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), instanceID)
	if err != nil {
		t.Fatalf("failed to stale heartbeat for instance %d: %v", instanceID, err)
	}
}

func assignmentStatus(t *testing.T, db *sqlx.DB, groupID string) string {
	t.Helper()
	var status string
	err := db.Get(&status, `SELECT status FROM group_assignments WHERE group_id = ?`, groupID)
	if err != nil {
		t.Fatalf("failed to read assignment status for %s: %v", groupID, err)
	}
	return status
}

func countEvents(t *testing.T, db *sqlx.DB, eventType string) int {
	t.Helper()
	var n int
	err := db.Get(&n, `SELECT COUNT(*) FROM system_events WHERE event_type = ?`, eventType)
	if err != nil {
		t.Fatalf("failed to count %s events: %v", eventType, err)
	}
	return n
}

func TestReconcileDeadOwnerWithoutCapacity(t *testing.T) {
	t.Parallel()

	store, db := newReconcilerStore(t)
	ctx := context.Background()

	mustCreateGroup(t, store, "g1")
	dead := registerWorker(t, store, "worker-a", 5)
	if _, err := store.SwapActiveAssignment(ctx, "g1", dead.ID); err != nil {
		t.Fatalf("failed to seed assignment: %v", err)
	}
	staleHeartbeat(t, db, dead.ID)

	r := orchestrator.NewReconciler(store, "orchestrator-test", 5*time.Minute, nil)

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	// The dead owner's row must stop claiming the group.
	if got := assignmentStatus(t, db, "g1"); got != database.AssignmentStatusReassigning {
		t.Errorf("assignment status = %q, want %q", got, database.AssignmentStatusReassigning)
	}
	if got := countEvents(t, db, orchestrator.EventCapacityExhausted); got != 1 {
		t.Fatalf("capacity events after first pass = %d, want 1", got)
	}

	// Capacity stays exhausted; the event must not repeat every tick.
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() second pass error = %v", err)
	}
	if got := countEvents(t, db, orchestrator.EventCapacityExhausted); got != 1 {
		t.Errorf("capacity events after second pass = %d, want 1", got)
	}

	// A new worker absorbs the group.
	survivor := registerWorker(t, store, "worker-b", 5)
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() recovery pass error = %v", err)
	}
	assigned, err := store.ListAssignedGroupIDs(ctx, survivor.ID)
	if err != nil {
		t.Fatalf("ListAssignedGroupIDs() error = %v", err)
	}
	if len(assigned) != 1 || assigned[0] != "g1" {
		t.Fatalf("survivor assignments = %v, want [g1]", assigned)
	}

	// A converged pass re-arms the capacity event for the next episode.
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() converged pass error = %v", err)
	}
	staleHeartbeat(t, db, survivor.ID)
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() after second outage error = %v", err)
	}
	if got := countEvents(t, db, orchestrator.EventCapacityExhausted); got != 2 {
		t.Errorf("capacity events after second outage = %d, want 2", got)
	}
}
