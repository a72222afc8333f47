// Package orchestrator_test tests assignment planning.
package orchestrator_test

import (
	"testing"
	"time"

	"github.com/spamshield/spamshield/internal/database"
	"github.com/spamshield/spamshield/internal/orchestrator"
)

var planNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

const planTimeout = 5 * time.Minute

func activeGroup(id string) database.Group {
	return database.Group{GroupID: id, Status: database.GroupStatusActive}
}

func liveWorker(id int64, name string, maxGroups int) database.BotInstance {
	return database.BotInstance{
		ID:            id,
		InstanceName:  name,
		Status:        database.InstanceStatusRunning,
		MaxGroups:     maxGroups,
		LastHeartbeat: planNow.Add(-10 * time.Second),
	}
}

func deadWorker(id int64, name string, maxGroups int) database.BotInstance {
	w := liveWorker(id, name, maxGroups)
	w.LastHeartbeat = planNow.Add(-time.Hour)
	return w
}

func activeAssignment(groupID string, instanceID int64) database.GroupAssignment {
	return database.GroupAssignment{
		GroupID:    groupID,
		InstanceID: instanceID,
		Status:     database.AssignmentStatusActive,
	}
}

func buildPlan(groups []database.Group, instances []database.BotInstance, assignments []database.GroupAssignment) orchestrator.Plan {
	return orchestrator.BuildPlan(orchestrator.PlanInput{
		Now:              planNow,
		HeartbeatTimeout: planTimeout,
		Groups:           groups,
		Instances:        instances,
		Assignments:      assignments,
	})
}

func TestBuildPlanPlacement(t *testing.T) {
	t.Parallel()

	t.Run("Unassigned groups spread least-loaded", func(t *testing.T) {
		t.Parallel()

		plan := buildPlan(
			[]database.Group{activeGroup("g1"), activeGroup("g2"), activeGroup("g3")},
			[]database.BotInstance{liveWorker(1, "worker-a", 10), liveWorker(2, "worker-b", 10)},
			nil,
		)

		if len(plan.Assignments) != 3 {
			t.Fatalf("planned %d assignments, want 3", len(plan.Assignments))
		}

		load := map[int64]int{}
		for _, a := range plan.Assignments {
			load[a.InstanceID]++
			if a.PreviousInstanceID != 0 {
				t.Errorf("group %s reported previous owner %d, want none", a.GroupID, a.PreviousInstanceID)
			}
		}
		if load[1] != 2 || load[2] != 1 {
			t.Errorf("load split = %v, want worker-a:2 worker-b:1", load)
		}
	})

	t.Run("Name breaks load ties deterministically", func(t *testing.T) {
		t.Parallel()

		plan := buildPlan(
			[]database.Group{activeGroup("g1")},
			[]database.BotInstance{liveWorker(2, "worker-b", 10), liveWorker(1, "worker-a", 10)},
			nil,
		)

		if len(plan.Assignments) != 1 {
			t.Fatalf("planned %d assignments, want 1", len(plan.Assignments))
		}
		if plan.Assignments[0].InstanceName != "worker-a" {
			t.Errorf("tie broken to %s, want worker-a", plan.Assignments[0].InstanceName)
		}
	})

	t.Run("Capacity exhaustion leaves groups unplaceable", func(t *testing.T) {
		t.Parallel()

		plan := buildPlan(
			[]database.Group{activeGroup("g1"), activeGroup("g2"), activeGroup("g3")},
			[]database.BotInstance{liveWorker(1, "worker-a", 2)},
			nil,
		)

		if len(plan.Assignments) != 2 {
			t.Errorf("planned %d assignments, want 2", len(plan.Assignments))
		}
		if len(plan.Unplaceable) != 1 || plan.Unplaceable[0] != "g3" {
			t.Errorf("unplaceable = %v, want [g3]", plan.Unplaceable)
		}
	})

	t.Run("Orchestrator instance never receives groups", func(t *testing.T) {
		t.Parallel()

		orch := liveWorker(9, "orchestrator-1", 0)
		plan := buildPlan(
			[]database.Group{activeGroup("g1")},
			[]database.BotInstance{orch},
			nil,
		)

		if len(plan.Assignments) != 0 {
			t.Errorf("planned %d assignments to a zero-capacity fleet, want 0", len(plan.Assignments))
		}
		if len(plan.Unplaceable) != 1 {
			t.Errorf("unplaceable = %v, want [g1]", plan.Unplaceable)
		}
	})
}

func TestBuildPlanIdempotence(t *testing.T) {
	t.Parallel()

	groups := []database.Group{activeGroup("g1"), activeGroup("g2")}
	instances := []database.BotInstance{liveWorker(1, "worker-a", 10)}

	first := buildPlan(groups, instances, nil)
	if len(first.Assignments) != 2 {
		t.Fatalf("first pass planned %d assignments, want 2", len(first.Assignments))
	}

	// Feed the applied state back in; a converged fleet plans nothing.
	var assignments []database.GroupAssignment
	for _, a := range first.Assignments {
		assignments = append(assignments, activeAssignment(a.GroupID, a.InstanceID))
	}

	second := buildPlan(groups, instances, assignments)
	if !second.Empty() {
		t.Errorf("second pass planned writes: %+v", second)
	}
	if len(second.Unplaceable) != 0 {
		t.Errorf("second pass unplaceable = %v, want none", second.Unplaceable)
	}
}

func TestBuildPlanFailover(t *testing.T) {
	t.Parallel()

	t.Run("Groups of dead instance move to survivor", func(t *testing.T) {
		t.Parallel()

		plan := buildPlan(
			[]database.Group{activeGroup("g1"), activeGroup("g2")},
			[]database.BotInstance{deadWorker(1, "worker-a", 10), liveWorker(2, "worker-b", 10)},
			[]database.GroupAssignment{activeAssignment("g1", 1), activeAssignment("g2", 1)},
		)

		if len(plan.Assignments) != 2 {
			t.Fatalf("planned %d assignments, want 2", len(plan.Assignments))
		}
		for _, a := range plan.Assignments {
			if a.InstanceID != 2 {
				t.Errorf("group %s went to instance %d, want survivor 2", a.GroupID, a.InstanceID)
			}
			if a.PreviousInstanceID != 1 {
				t.Errorf("group %s previous owner = %d, want 1", a.GroupID, a.PreviousInstanceID)
			}
		}
	})

	t.Run("Dead owner with no capacity is demoted", func(t *testing.T) {
		t.Parallel()

		plan := buildPlan(
			[]database.Group{activeGroup("g1")},
			[]database.BotInstance{deadWorker(1, "worker-a", 10)},
			[]database.GroupAssignment{activeAssignment("g1", 1)},
		)

		if len(plan.Unplaceable) != 1 || plan.Unplaceable[0] != "g1" {
			t.Errorf("unplaceable = %v, want [g1]", plan.Unplaceable)
		}
		if len(plan.Demote) != 1 || plan.Demote[0] != "g1" {
			t.Errorf("demote = %v, want [g1]", plan.Demote)
		}
		if plan.Empty() {
			t.Error("plan with a demotion reported itself empty")
		}
	})

	t.Run("Unowned group with no capacity is only unplaceable", func(t *testing.T) {
		t.Parallel()

		plan := buildPlan(
			[]database.Group{activeGroup("g1")},
			[]database.BotInstance{deadWorker(1, "worker-a", 10)},
			nil,
		)

		if len(plan.Unplaceable) != 1 {
			t.Errorf("unplaceable = %v, want [g1]", plan.Unplaceable)
		}
		if len(plan.Demote) != 0 {
			t.Errorf("demote = %v, want none", plan.Demote)
		}
	})

	t.Run("Demotion is not replanned once applied", func(t *testing.T) {
		t.Parallel()

		demoted := activeAssignment("g1", 1)
		demoted.Status = database.AssignmentStatusReassigning

		plan := buildPlan(
			[]database.Group{activeGroup("g1")},
			[]database.BotInstance{deadWorker(1, "worker-a", 10)},
			[]database.GroupAssignment{demoted},
		)

		if len(plan.Demote) != 0 {
			t.Errorf("demote = %v, want none", plan.Demote)
		}
		if len(plan.Unplaceable) != 1 {
			t.Errorf("unplaceable = %v, want [g1]", plan.Unplaceable)
		}
	})

	t.Run("Stale heartbeat within timeout still counts as live", func(t *testing.T) {
		t.Parallel()

		almostStale := liveWorker(1, "worker-a", 10)
		almostStale.LastHeartbeat = planNow.Add(-planTimeout + time.Second)

		plan := buildPlan(
			[]database.Group{activeGroup("g1")},
			[]database.BotInstance{almostStale},
			[]database.GroupAssignment{activeAssignment("g1", 1)},
		)

		if !plan.Empty() {
			t.Errorf("live owner was reassigned: %+v", plan)
		}
	})

	t.Run("Stopping instance is drained", func(t *testing.T) {
		t.Parallel()

		stopping := liveWorker(1, "worker-a", 10)
		stopping.Status = database.InstanceStatusStopping

		plan := buildPlan(
			[]database.Group{activeGroup("g1")},
			[]database.BotInstance{stopping, liveWorker(2, "worker-b", 10)},
			[]database.GroupAssignment{activeAssignment("g1", 1)},
		)

		if len(plan.Assignments) != 1 || plan.Assignments[0].InstanceID != 2 {
			t.Errorf("assignments = %+v, want g1 moved to instance 2", plan.Assignments)
		}
	})
}

func TestBuildPlanCleanup(t *testing.T) {
	t.Parallel()

	t.Run("Assignment for unknown group is orphaned", func(t *testing.T) {
		t.Parallel()

		plan := buildPlan(
			nil,
			[]database.BotInstance{liveWorker(1, "worker-a", 10)},
			[]database.GroupAssignment{activeAssignment("ghost", 1)},
		)

		if len(plan.Orphans) != 1 || plan.Orphans[0] != "ghost" {
			t.Errorf("orphans = %v, want [ghost]", plan.Orphans)
		}
	})

	t.Run("Assignment for paused group is revoked", func(t *testing.T) {
		t.Parallel()

		paused := database.Group{GroupID: "g1", Status: database.GroupStatusPaused}
		plan := buildPlan(
			[]database.Group{paused},
			[]database.BotInstance{liveWorker(1, "worker-a", 10)},
			[]database.GroupAssignment{activeAssignment("g1", 1)},
		)

		if len(plan.Revoke) != 1 || plan.Revoke[0] != "g1" {
			t.Errorf("revoke = %v, want [g1]", plan.Revoke)
		}
		if len(plan.Assignments) != 0 {
			t.Errorf("paused group was re-placed: %+v", plan.Assignments)
		}
	})

	t.Run("Errored group is not placed", func(t *testing.T) {
		t.Parallel()

		errored := database.Group{GroupID: "g1", Status: database.GroupStatusError}
		plan := buildPlan(
			[]database.Group{errored},
			[]database.BotInstance{liveWorker(1, "worker-a", 10)},
			nil,
		)

		if len(plan.Assignments) != 0 {
			t.Errorf("errored group was placed: %+v", plan.Assignments)
		}
	})
}
