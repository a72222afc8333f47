package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spamshield/spamshield/internal/database"
	"github.com/spamshield/spamshield/internal/gateway"
)

// removalNotice is posted to the group after a successful spam removal
// when the group config asks for it.
const removalNotice = "A message was removed by the spam filter."

// deletionJob is one message to remove from the platform.
type deletionJob struct {
	GroupID         string
	MessageID       string
	NotifyOnRemoval bool
}

// Deleter retries message deletions off the polling path. Monitors enqueue
// and move on; a failed deletion never blocks the next poll cycle.
type Deleter struct {
	store       database.Store
	gateway     gateway.Client
	queue       chan deletionJob
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// NewDeleter creates a deleter with a bounded queue.
func NewDeleter(store database.Store, gw gateway.Client, queueSize, maxAttempts int, logger *slog.Logger) *Deleter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Deleter{
		store:       store,
		gateway:     gw,
		queue:       make(chan deletionJob, queueSize),
		maxAttempts: maxAttempts,
		retryDelay:  5 * time.Second,
		logger:      logger.With("component", "deleter"),
	}
}

// Enqueue submits a deletion without blocking. A full queue drops the job;
// the message log keeps deletion_successful=false so the drop is visible.
func (d *Deleter) Enqueue(groupID, messageID string, notifyOnRemoval bool) bool {
	select {
	case d.queue <- deletionJob{GroupID: groupID, MessageID: messageID, NotifyOnRemoval: notifyOnRemoval}:
		return true
	default:
		d.logger.Warn("Deletion queue full, dropping job",
			"group_id", groupID, "message_id", messageID)
		return false
	}
}

// Run processes the queue until the context is cancelled.
func (d *Deleter) Run(ctx context.Context) error {
	d.logger.Info("Deletion worker started", "queue_size", cap(d.queue), "max_attempts", d.maxAttempts)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Deletion worker stopping", "pending", len(d.queue))
			return ctx.Err()
		case job := <-d.queue:
			d.process(ctx, job)
		}
	}
}

func (d *Deleter) process(ctx context.Context, job deletionJob) {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err := d.gateway.DeleteMessage(ctx, job.GroupID, job.MessageID)
		if err == nil || errors.Is(err, gateway.ErrNotFound) {
			d.finish(ctx, job, err)
			return
		}

		lastErr = err
		if attempt < d.maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * d.retryDelay):
			}
		}
	}

	d.logger.Error("Deletion failed after all attempts",
		"group_id", job.GroupID, "message_id", job.MessageID,
		"attempts", d.maxAttempts, "error", lastErr)

	if err := d.store.UpdateDeletionOutcome(ctx, job.GroupID, job.MessageID, false, false); err != nil {
		d.logger.ErrorContext(ctx, "Failed to record deletion failure",
			"group_id", job.GroupID, "message_id", job.MessageID, "error", err)
	}

	details, _ := json.Marshal(map[string]any{
		"message_id": job.MessageID,
		"attempts":   d.maxAttempts,
		"error":      lastErr.Error(),
	})
	event := &database.SystemEvent{
		EventType:   database.EventAPIError,
		EntityType:  "group",
		EntityID:    job.GroupID,
		Description: fmt.Sprintf("failed to delete message %s", job.MessageID),
		Details:     string(details),
		Severity:    database.SeverityError,
	}
	if err := d.store.LogSystemEvent(ctx, event); err != nil {
		d.logger.WarnContext(ctx, "Failed to log deletion failure event", "error", err)
	}
}

// finish records a successful removal. A not-found response counts as
// success: the message is gone either way.
func (d *Deleter) finish(ctx context.Context, job deletionJob, deleteErr error) {
	notified := false
	if job.NotifyOnRemoval && deleteErr == nil {
		if err := d.gateway.PostMessage(ctx, job.GroupID, removalNotice); err != nil {
			d.logger.WarnContext(ctx, "Failed to post removal notice",
				"group_id", job.GroupID, "error", err)
		} else {
			notified = true
		}
	}

	if err := d.store.UpdateDeletionOutcome(ctx, job.GroupID, job.MessageID, true, notified); err != nil {
		d.logger.ErrorContext(ctx, "Failed to record deletion success",
			"group_id", job.GroupID, "message_id", job.MessageID, "error", err)
		return
	}

	d.logger.InfoContext(ctx, "Spam message deleted",
		"group_id", job.GroupID, "message_id", job.MessageID,
		"already_gone", errors.Is(deleteErr, gateway.ErrNotFound))
}
