// Package monitor implements the worker process: per-group poll/score/act
// monitors, the fleet heartbeat, and asynchronous spam deletion.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spamshield/spamshield/internal/classifier"
	"github.com/spamshield/spamshield/internal/database"
	"github.com/spamshield/spamshield/internal/gateway"
	"github.com/spamshield/spamshield/internal/resilience"
	"github.com/spamshield/spamshield/internal/scoring"
)

// Monitor event types written to the system event log.
const (
	EventGroupCircuitBroken = "group_circuit_broken"
	EventClassifierError    = "classifier_error"
)

const startupNotice = "Spam monitoring is now active in this group."

// fallbackInterval is used when the group config cannot be read.
const fallbackInterval = 30 * time.Second

// GroupMonitor polls one group, scores new messages, and acts on spam.
// Each cycle re-reads the group config so admin edits apply without a
// restart. Consecutive poll failures escalate the group to 'error' status
// and stop the monitor.
type GroupMonitor struct {
	groupID      string
	instanceName string

	store      database.Store
	gateway    gateway.Client
	classifier classifier.Classifier
	engine     *scoring.Engine
	deleter    *Deleter
	breaker    *resilience.CircuitBreaker

	maxFailures int
	logger      *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// MonitorDeps bundles the shared dependencies of all monitors on a worker.
type MonitorDeps struct {
	Store      database.Store
	Gateway    gateway.Client
	Classifier classifier.Classifier
	Engine     *scoring.Engine
	Deleter    *Deleter
	Logger     *slog.Logger

	InstanceName       string
	MaxFailures        int
	BreakerMaxFailures int
	BreakerReset       time.Duration
}

// NewGroupMonitor creates a monitor for one group.
func NewGroupMonitor(groupID string, deps MonitorDeps) *GroupMonitor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	maxFailures := deps.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	breakerMax := deps.BreakerMaxFailures
	if breakerMax <= 0 {
		breakerMax = maxFailures
	}
	breakerReset := deps.BreakerReset
	if breakerReset <= 0 {
		breakerReset = time.Minute
	}

	return &GroupMonitor{
		groupID:      groupID,
		instanceName: deps.InstanceName,
		store:        deps.Store,
		gateway:      deps.Gateway,
		classifier:   deps.Classifier,
		engine:       deps.Engine,
		deleter:      deps.Deleter,
		maxFailures:  maxFailures,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "poll-" + groupID,
			MaxFailures:   breakerMax,
			ResetInterval: breakerReset,
		}),
		logger: logger.With("component", "group_monitor", "group_id", groupID),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Stop asks the monitor to exit after the current cycle. Scoring and
// acting on an already-fetched batch always run to completion.
func (m *GroupMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Done is closed when the monitor has exited.
func (m *GroupMonitor) Done() <-chan struct{} {
	return m.done
}

// Run drives the poll/score/act cycle until stopped, the context ends, or
// the group escalates to 'error'.
func (m *GroupMonitor) Run(ctx context.Context) {
	defer close(m.done)

	m.logger.InfoContext(ctx, "Group monitor starting")
	m.maybeAnnounce(ctx)

	for {
		interval, stop := m.cycle(ctx)
		if stop {
			m.logger.InfoContext(ctx, "Group monitor stopped")
			return
		}

		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "Group monitor cancelled")
			return
		case <-m.stopCh:
			m.logger.InfoContext(ctx, "Group monitor released")
			return
		case <-time.After(interval):
		}
	}
}

// maybeAnnounce posts the startup notice when the group opted in.
func (m *GroupMonitor) maybeAnnounce(ctx context.Context) {
	cfg, err := m.store.GetGroupConfig(ctx, m.groupID)
	if err != nil || !cfg.SendStartupMessage {
		return
	}
	if err := m.gateway.PostMessage(ctx, m.groupID, startupNotice); err != nil {
		m.logger.WarnContext(ctx, "Failed to post startup notice", "error", err)
	}
}

// cycle runs one pass and returns the sleep interval before the next one.
func (m *GroupMonitor) cycle(ctx context.Context) (time.Duration, bool) {
	select {
	case <-ctx.Done():
		return 0, true
	case <-m.stopCh:
		return 0, true
	default:
	}

	cfg, err := m.store.GetGroupConfig(ctx, m.groupID)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to load group config", "error", err)
		return fallbackInterval, false
	}

	group, err := m.store.GetGroup(ctx, m.groupID)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to load group", "error", err)
		return fallbackInterval, false
	}
	if group == nil || group.Status != database.GroupStatusActive {
		m.logger.InfoContext(ctx, "Group no longer active, releasing monitor")
		return 0, true
	}

	var messages []gateway.Message
	pollErr := m.breaker.Execute(ctx, func(ctx context.Context) error {
		var fetchErr error
		messages, fetchErr = m.gateway.FetchMessages(ctx, m.groupID, group.LastMessageID, cfg.BatchSize)
		return fetchErr
	})
	if pollErr != nil {
		if ctx.Err() != nil {
			return 0, true
		}
		return m.handlePollFailure(ctx, pollErr), m.escalated(ctx, pollErr)
	}

	if len(messages) > 0 {
		// Stop requests don't interrupt a batch in flight; the cursor only
		// advances past messages whose log row was written.
		batchCtx := context.WithoutCancel(ctx)
		lastID := m.processBatch(batchCtx, cfg, messages)
		if err := m.store.AdvanceGroupCursor(batchCtx, m.groupID, lastID); err != nil {
			m.logger.ErrorContext(ctx, "Failed to advance cursor", "error", err)
		}
	} else {
		if err := m.store.AdvanceGroupCursor(ctx, m.groupID, ""); err != nil {
			m.logger.ErrorContext(ctx, "Failed to record check time", "error", err)
		}
	}

	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = fallbackInterval
	}
	return interval, false
}

// processBatch scores and acts on a batch in order and returns the last
// message ID safe to advance the cursor to.
func (m *GroupMonitor) processBatch(ctx context.Context, cfg *database.GroupConfig, messages []gateway.Message) string {
	maxAge := time.Duration(cfg.MaxMessageAgeHours) * time.Hour
	cutoff := time.Now().UTC().Add(-maxAge)

	lastID := ""
	processed := 0
	for i := range messages {
		msg := &messages[i]

		if msg.SenderType == "bot" || (maxAge > 0 && msg.CreatedTime().Before(cutoff)) {
			lastID = msg.ID
			continue
		}

		if err := m.process(ctx, cfg, msg); err != nil {
			// The cursor must not move past an unlogged message; the next
			// poll refetches from here and the unique index of the log
			// absorbs any duplicates before this point.
			m.logger.ErrorContext(ctx, "Failed to process message, halting batch",
				"message_id", msg.ID, "error", err)
			break
		}

		lastID = msg.ID
		processed++
	}

	if processed > 0 {
		m.logger.DebugContext(ctx, "Batch processed", "fetched", len(messages), "processed", processed)
	}
	return lastID
}

// process scores one message, appends its audit row, and queues the spam
// action. The log write is the commit point.
func (m *GroupMonitor) process(ctx context.Context, cfg *database.GroupConfig, msg *gateway.Message) error {
	start := time.Now()

	var verdict scoring.Verdict
	classifierFailed := false

	if cfg.WhitelistSet()[msg.SenderID] {
		verdict = scoring.WhitelistVerdict()
	} else {
		heur := m.engine.Score(msg.Text, cfg.KeywordList())

		modelVersion, err := m.store.ResolveModelVersion(ctx, cfg.ModelVersion)
		if err != nil {
			modelVersion = cfg.ModelVersion
		}

		probability, err := m.classifier.Predict(ctx, msg.Text, modelVersion)
		if err != nil {
			// Heuristics still decide on their own; the miss is audited.
			classifierFailed = true
			probability = 0
			m.logger.WarnContext(ctx, "Classifier unavailable, deciding on heuristics only",
				"message_id", msg.ID, "error", err)
			m.logEvent(ctx, EventClassifierError, database.SeverityWarning,
				fmt.Sprintf("classifier failed for message %s", msg.ID),
				map[string]any{"message_id": msg.ID, "error": err.Error()})
		}

		verdict = scoring.Decide(probability, cfg.ConfidenceThreshold, heur)
	}

	action := database.ActionIgnored
	switch {
	case verdict.Whitelisted:
		action = database.ActionWhitelisted
	case verdict.IsSpam && cfg.AutoDeleteSpam:
		action = database.ActionDeleted
	case verdict.IsSpam:
		action = database.ActionFlagged
	}

	details, _ := json.Marshal(map[string]any{
		"matched_tags":      verdict.MatchedTags,
		"heuristic_score":   verdict.HeuristicScore,
		"classifier_failed": classifierFailed,
	})

	attachmentTypes := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachmentTypes = append(attachmentTypes, a.Type)
	}

	entry := &database.MessageLog{
		GroupID:          m.groupID,
		MessageID:        msg.ID,
		SenderID:         msg.SenderID,
		SenderName:       msg.SenderName,
		MessageText:      msg.Text,
		HasAttachments:   len(msg.Attachments) > 0,
		AttachmentTypes:  database.JoinList(attachmentTypes),
		IsSpam:           verdict.IsSpam,
		ConfidenceScore:  verdict.Confidence,
		ModelVersion:     cfg.ModelVersion,
		ProcessingTimeMs: int(time.Since(start).Milliseconds()),
		ActionTaken:      action,
	}
	entry.MessageCreatedAt.Time = msg.CreatedTime()
	entry.MessageCreatedAt.Valid = msg.CreatedAt != 0
	entry.Details = string(details)

	inserted, err := m.store.InsertMessageLog(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}

	// A replayed message already had its action decided the first time.
	if inserted && action == database.ActionDeleted {
		m.deleter.Enqueue(m.groupID, msg.ID, cfg.NotifyOnRemoval)
	}

	if inserted && verdict.IsSpam {
		m.logger.InfoContext(ctx, "Spam detected",
			"message_id", msg.ID, "sender_id", msg.SenderID,
			"confidence", verdict.Confidence, "heuristic_score", verdict.HeuristicScore,
			"action", action)
	}

	return nil
}

// handlePollFailure records the failure and returns the backoff interval.
func (m *GroupMonitor) handlePollFailure(ctx context.Context, pollErr error) time.Duration {
	m.logger.WarnContext(ctx, "Poll failed", "error", pollErr)

	m.logEvent(ctx, database.EventAPIError, database.SeverityError,
		"failed to fetch messages", map[string]any{"error": pollErr.Error()})

	return fallbackInterval
}

// escalated increments the consecutive failure count and, once the
// threshold is hit, moves the group to 'error' and stops the monitor.
// Only a config change back to 'active' re-enables the group.
func (m *GroupMonitor) escalated(ctx context.Context, pollErr error) bool {
	tripped, err := m.store.RecordGroupError(ctx, m.groupID, pollErr.Error(), m.maxFailures)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to record group error", "error", err)
		return false
	}
	if !tripped {
		return false
	}

	m.logEvent(ctx, EventGroupCircuitBroken, database.SeverityCritical,
		fmt.Sprintf("group stopped after %d consecutive poll failures", m.maxFailures),
		map[string]any{"error": pollErr.Error()})
	return true
}

func (m *GroupMonitor) logEvent(ctx context.Context, eventType, severity, description string, details map[string]any) {
	event := &database.SystemEvent{
		EventType:    eventType,
		EntityType:   "group",
		EntityID:     m.groupID,
		Description:  description,
		Severity:     severity,
		InstanceName: m.instanceName,
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			event.Details = string(raw)
		}
	}
	if err := m.store.LogSystemEvent(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to log event", "event_type", eventType, "error", err)
	}
}
