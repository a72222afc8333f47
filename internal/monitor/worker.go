package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spamshield/spamshield/internal/classifier"
	"github.com/spamshield/spamshield/internal/config"
	"github.com/spamshield/spamshield/internal/database"
	"github.com/spamshield/spamshield/internal/gateway"
	"github.com/spamshield/spamshield/internal/scoring"
)

const workerVersion = "1.0.0"

// Worker is one fleet member. It registers itself, heartbeats, and keeps
// one GroupMonitor per group the orchestrator assigned to it.
type Worker struct {
	cfg        config.WorkerConfig
	gatewayCfg config.GatewayConfig

	store      database.Store
	gateway    gateway.Client
	classifier classifier.Classifier
	engine     *scoring.Engine
	deleter    *Deleter
	logger     *slog.Logger

	instance *database.BotInstance

	mu       sync.Mutex
	monitors map[string]*GroupMonitor
}

// NewWorker wires a worker from its dependencies.
func NewWorker(cfg config.WorkerConfig, gatewayCfg config.GatewayConfig,
	store database.Store, gw gateway.Client, clf classifier.Classifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Worker{
		cfg:        cfg,
		gatewayCfg: gatewayCfg,
		store:      store,
		gateway:    gw,
		classifier: clf,
		engine:     scoring.NewEngine(),
		deleter:    NewDeleter(store, gw, cfg.DeletionQueueSize, cfg.DeletionMaxAttempts, logger),
		logger:     logger.With("component", "worker"),
		monitors:   make(map[string]*GroupMonitor),
	}
}

// Run registers the instance and drives the heartbeat, assignment sync,
// and deletion loops until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	name := w.cfg.InstanceName
	if name == "" {
		name = "worker-" + uuid.NewString()[:8]
	}

	hostname, _ := os.Hostname()
	w.instance = &database.BotInstance{
		InstanceName: name,
		Hostname:     hostname,
		ProcessID:    os.Getpid(),
		Status:       database.InstanceStatusStarting,
		MaxGroups:    w.cfg.MaxGroups,
		Version:      workerVersion,
	}

	if err := w.store.RegisterInstance(ctx, w.instance); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	w.logger = w.logger.With("instance_name", name)
	w.logger.InfoContext(ctx, "Worker starting",
		"max_groups", w.cfg.MaxGroups,
		"heartbeat_interval", w.cfg.HeartbeatInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.syncLoop(gctx) })
	g.Go(func() error { return w.deleter.Run(gctx) })

	err := g.Wait()
	w.shutdown()

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// heartbeatLoop refreshes liveness. A missed write is logged and retried
// on the next tick; only heartbeat staleness marks this worker dead.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			groupIDs := w.monitoredGroups()
			if err := w.store.Heartbeat(ctx, w.instance.InstanceName, len(groupIDs), groupIDs); err != nil {
				w.logger.WarnContext(ctx, "Heartbeat failed", "error", err)
			}
		}
	}
}

// syncLoop converges running monitors with the assignment table.
func (w *Worker) syncLoop(ctx context.Context) error {
	if err := w.syncAssignments(ctx); err != nil {
		w.logger.WarnContext(ctx, "Initial assignment sync failed", "error", err)
	}

	ticker := time.NewTicker(w.cfg.AssignmentSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.syncAssignments(ctx); err != nil {
				w.logger.WarnContext(ctx, "Assignment sync failed", "error", err)
			}
		}
	}
}

// syncAssignments starts monitors for newly assigned groups and releases
// monitors for groups the orchestrator took away. The worker never runs
// more than max_groups monitors even when the assignment table holds more
// rows, e.g. after a restart with a lowered cap.
func (w *Worker) syncAssignments(ctx context.Context) error {
	assigned, err := w.store.ListAssignedGroupIDs(ctx, w.instance.ID)
	if err != nil {
		return fmt.Errorf("failed to list assignments: %w", err)
	}

	want := make(map[string]bool, len(assigned))
	for _, groupID := range assigned {
		want[groupID] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for groupID, m := range w.monitors {
		select {
		case <-m.Done():
			delete(w.monitors, groupID)
			continue
		default:
		}
		if !want[groupID] {
			w.logger.InfoContext(ctx, "Releasing group", "group_id", groupID)
			m.Stop()
			delete(w.monitors, groupID)
		}
	}

	for _, groupID := range assigned {
		if _, running := w.monitors[groupID]; running {
			continue
		}
		if w.cfg.MaxGroups > 0 && len(w.monitors) >= w.cfg.MaxGroups {
			w.logger.WarnContext(ctx, "Assignment exceeds max_groups, not starting monitor",
				"group_id", groupID, "max_groups", w.cfg.MaxGroups)
			continue
		}

		m := NewGroupMonitor(groupID, MonitorDeps{
			Store:              w.store,
			Gateway:            w.gateway,
			Classifier:         w.classifier,
			Engine:             w.engine,
			Deleter:            w.deleter,
			Logger:             w.logger,
			InstanceName:       w.instance.InstanceName,
			MaxFailures:        w.cfg.MaxConsecutiveFailures,
			BreakerMaxFailures: w.gatewayCfg.BreakerMaxFailures,
			BreakerReset:       w.gatewayCfg.BreakerResetInterval,
		})
		w.monitors[groupID] = m
		go m.Run(ctx)

		w.logger.InfoContext(ctx, "Group monitor launched", "group_id", groupID)
	}

	return nil
}

// monitoredGroups returns the currently monitored group IDs, sorted.
func (w *Worker) monitoredGroups() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	groupIDs := make([]string, 0, len(w.monitors))
	for groupID := range w.monitors {
		groupIDs = append(groupIDs, groupID)
	}
	sort.Strings(groupIDs)
	return groupIDs
}

// shutdown stops all monitors and marks the instance stopped. Runs with a
// fresh context so the final status write survives cancellation.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w.mu.Lock()
	monitors := make([]*GroupMonitor, 0, len(w.monitors))
	for _, m := range w.monitors {
		monitors = append(monitors, m)
	}
	w.monitors = make(map[string]*GroupMonitor)
	w.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
	for _, m := range monitors {
		select {
		case <-m.Done():
		case <-ctx.Done():
		}
	}

	if err := w.store.SetInstanceStatus(ctx, w.instance.InstanceName, database.InstanceStatusStopped); err != nil {
		w.logger.Error("Failed to mark instance stopped", "error", err)
	}

	w.logger.Info("Worker stopped", "instance_name", w.instance.InstanceName)
}
