// Package orchestrator assigns monitored groups to worker instances and
// keeps the assignment table consistent with fleet liveness.
package orchestrator

import (
	"sort"
	"time"

	"github.com/spamshield/spamshield/internal/database"
)

// Assignment is one planned ownership change. PreviousInstanceID is zero
// when the group had no live owner before.
type Assignment struct {
	GroupID            string
	InstanceID         int64
	InstanceName       string
	PreviousInstanceID int64
}

// Plan is the set of writes one reconciliation pass wants to make. An
// empty plan means the fleet already matches the registry.
type Plan struct {
	// Assignments to create or move, in deterministic group order.
	Assignments []Assignment
	// Revoke lists groups whose assignment must be demoted because the
	// group is no longer active.
	Revoke []string
	// Demote lists groups whose active assignment points at a dead
	// instance and could not be moved; the row is marked reassigning so
	// it stops claiming ownership.
	Demote []string
	// Orphans lists group IDs with assignment rows but no registry entry.
	Orphans []string
	// Unplaceable lists active groups no live instance has capacity for.
	Unplaceable []string
}

// Empty reports whether the plan contains no writes.
func (p Plan) Empty() bool {
	return len(p.Assignments) == 0 && len(p.Revoke) == 0 &&
		len(p.Demote) == 0 && len(p.Orphans) == 0
}

// PlanInput is the fleet snapshot a plan is computed from.
type PlanInput struct {
	Now              time.Time
	HeartbeatTimeout time.Duration
	Groups           []database.Group
	Instances        []database.BotInstance
	Assignments      []database.GroupAssignment
}

// BuildPlan computes the writes needed to converge assignments with the
// registry. It is a pure function of its input: feeding the post-apply
// snapshot back in yields an empty plan, which is what makes
// reconciliation idempotent.
//
// Placement is greedy least-loaded with instance name as tie-break, so
// identical snapshots always produce identical plans.
func BuildPlan(in PlanInput) Plan {
	var plan Plan

	groupsByID := make(map[string]database.Group, len(in.Groups))
	for _, g := range in.Groups {
		groupsByID[g.GroupID] = g
	}

	type worker struct {
		id   int64
		name string
		max  int
		load int
	}

	// Only live worker instances can receive groups. The orchestrator
	// registers with max_groups zero and is skipped here.
	liveByID := make(map[int64]*worker)
	var workers []*worker
	for i := range in.Instances {
		inst := &in.Instances[i]
		if inst.MaxGroups <= 0 || !inst.IsLive(in.Now, in.HeartbeatTimeout) {
			continue
		}
		if inst.Status == database.InstanceStatusStopping || inst.Status == database.InstanceStatusStopped {
			continue
		}
		w := &worker{id: inst.ID, name: inst.InstanceName, max: inst.MaxGroups}
		liveByID[w.id] = w
		workers = append(workers, w)
	}

	// Current ownership, counting load only for live owners.
	ownerByGroup := make(map[string]int64, len(in.Assignments))
	for _, a := range in.Assignments {
		if a.Status != database.AssignmentStatusActive {
			continue
		}
		ownerByGroup[a.GroupID] = a.InstanceID

		group, known := groupsByID[a.GroupID]
		switch {
		case !known:
			plan.Orphans = append(plan.Orphans, a.GroupID)
		case group.Status != database.GroupStatusActive:
			plan.Revoke = append(plan.Revoke, a.GroupID)
		default:
			if w, ok := liveByID[a.InstanceID]; ok {
				w.load++
			}
		}
	}

	// Active groups whose owner is missing or dead need placement.
	var pending []string
	for _, g := range in.Groups {
		if g.Status != database.GroupStatusActive {
			continue
		}
		owner, assigned := ownerByGroup[g.GroupID]
		if assigned {
			if _, live := liveByID[owner]; live {
				continue
			}
		}
		pending = append(pending, g.GroupID)
	}
	sort.Strings(pending)

	for _, groupID := range pending {
		var best *worker
		for _, w := range workers {
			if w.load >= w.max {
				continue
			}
			if best == nil || w.load < best.load || (w.load == best.load && w.name < best.name) {
				best = w
			}
		}

		if best == nil {
			plan.Unplaceable = append(plan.Unplaceable, groupID)
			// A swap would demote the dead owner's row; without one the
			// demotion must happen explicitly.
			if ownerByGroup[groupID] != 0 {
				plan.Demote = append(plan.Demote, groupID)
			}
			continue
		}

		best.load++
		plan.Assignments = append(plan.Assignments, Assignment{
			GroupID:            groupID,
			InstanceID:         best.id,
			InstanceName:       best.name,
			PreviousInstanceID: ownerByGroup[groupID],
		})
	}

	sort.Strings(plan.Revoke)
	sort.Strings(plan.Demote)
	sort.Strings(plan.Orphans)
	sort.Strings(plan.Unplaceable)
	return plan
}
