package database

import (
	"database/sql"
	"strings"
	"time"
)

// Group lifecycle states.
const (
	GroupStatusActive   = "active"
	GroupStatusInactive = "inactive"
	GroupStatusPaused   = "paused"
	GroupStatusError    = "error"
)

// BotInstance lifecycle states.
const (
	InstanceStatusStarting = "starting"
	InstanceStatusRunning  = "running"
	InstanceStatusStopping = "stopping"
	InstanceStatusStopped  = "stopped"
	InstanceStatusError    = "error"
)

// GroupAssignment states.
const (
	AssignmentStatusActive      = "active"
	AssignmentStatusInactive    = "inactive"
	AssignmentStatusReassigning = "reassigning"
)

// Actions recorded on a processed message.
const (
	ActionDeleted     = "deleted"
	ActionFlagged     = "flagged"
	ActionIgnored     = "ignored"
	ActionWhitelisted = "whitelisted"
)

// SystemEvent severities.
const (
	SeverityDebug    = "debug"
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Group represents a monitored chat group and its polling cursor.
// Created by the admin surface; workers update status, cursor, and
// error bookkeeping.
type Group struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	GroupID     string `db:"group_id"`
	GroupName   string `db:"group_name"`
	Status      string `db:"status"`
	OwnerID     string `db:"owner_id"`
	OwnerName   string `db:"owner_name"`
	MemberCount int    `db:"member_count"`

	LastChecked   sql.NullTime `db:"last_checked"`
	LastMessageID string       `db:"last_message_id"`
	ErrorCount    int          `db:"error_count"`
	ErrorMessage  string       `db:"error_message"`
}

// GroupConfig holds the per-group spam detection settings. Workers re-read
// it at the top of every poll cycle, so admin edits take effect within one
// check interval.
type GroupConfig struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	GroupID             string  `db:"group_id"`
	ConfidenceThreshold float64 `db:"confidence_threshold"`
	CheckIntervalSecs   int     `db:"check_interval_seconds"`

	AutoDeleteSpam     bool `db:"auto_delete_spam"`
	NotifyOnRemoval    bool `db:"notify_on_removal"`
	NotifyAdmins       bool `db:"notify_admins"`
	SendStartupMessage bool `db:"send_startup_message"`

	MaxMessageAgeHours int `db:"max_message_age_hours"`
	BatchSize          int `db:"batch_size"`
	RateLimitPerMinute int `db:"rate_limit_per_minute"`

	ModelVersion   string `db:"model_version"`
	CustomKeywords string `db:"custom_keywords"`
	WhitelistUsers string `db:"whitelist_users"`
}

// DefaultGroupConfig returns the config used when a group has no row yet.
func DefaultGroupConfig(groupID string) *GroupConfig {
	return &GroupConfig{
		GroupID:             groupID,
		ConfidenceThreshold: 0.80,
		CheckIntervalSecs:   30,
		AutoDeleteSpam:      true,
		NotifyOnRemoval:     true,
		NotifyAdmins:        true,
		MaxMessageAgeHours:  24,
		BatchSize:           20,
		RateLimitPerMinute:  60,
		ModelVersion:        "latest",
	}
}

// KeywordList returns the custom keywords as a slice.
func (c *GroupConfig) KeywordList() []string {
	return SplitList(c.CustomKeywords)
}

// WhitelistSet returns the whitelisted sender IDs as a set.
func (c *GroupConfig) WhitelistSet() map[string]bool {
	set := make(map[string]bool)
	for _, id := range SplitList(c.WhitelistUsers) {
		set[id] = true
	}
	return set
}

// BotInstance is one fleet member (worker or orchestrator). An instance is
// considered dead once its last_heartbeat is older than the configured
// timeout; there is no direct failure signal.
type BotInstance struct {
	ID int64 `db:"id"`

	InstanceName string `db:"instance_name"`
	Hostname     string `db:"hostname"`
	ProcessID    int    `db:"process_id"`
	Status       string `db:"status"`

	MaxGroups      int    `db:"max_groups"`
	CurrentGroups  int    `db:"current_groups"`
	AssignedGroups string `db:"assigned_groups"`

	LastHeartbeat time.Time `db:"last_heartbeat"`
	StartedAt     time.Time `db:"started_at"`
	Version       string    `db:"version"`
}

// IsLive reports whether the instance heartbeat is fresh at the given time.
func (b *BotInstance) IsLive(now time.Time, timeout time.Duration) bool {
	return now.Sub(b.LastHeartbeat) < timeout
}

// GroupAssignment binds a group to the instance responsible for polling it.
// A partial unique index guarantees at most one active row per group.
type GroupAssignment struct {
	ID         int64     `db:"id"`
	GroupID    string    `db:"group_id"`
	InstanceID int64     `db:"instance_id"`
	Status     string    `db:"status"`
	AssignedAt time.Time `db:"assigned_at"`
}

// MessageLog is the append-only record of one processed message, unique on
// (group_id, message_id) so at-least-once reprocessing is absorbed.
type MessageLog struct {
	ID int64 `db:"id"`

	GroupID    string `db:"group_id"`
	MessageID  string `db:"message_id"`
	SenderID   string `db:"sender_id"`
	SenderName string `db:"sender_name"`

	MessageText     string `db:"message_text"`
	HasAttachments  bool   `db:"has_attachments"`
	AttachmentTypes string `db:"attachment_types"`

	IsSpam           bool    `db:"is_spam"`
	ConfidenceScore  float64 `db:"confidence_score"`
	ModelVersion     string  `db:"model_version"`
	ProcessingTimeMs int     `db:"processing_time_ms"`

	ActionTaken        string `db:"action_taken"`
	DeletionSuccessful bool   `db:"deletion_successful"`
	NotificationSent   bool   `db:"notification_sent"`
	Details            string `db:"details"`

	MessageCreatedAt sql.NullTime `db:"message_created_at"`
	ProcessedAt      time.Time    `db:"processed_at"`
}

// DailyStat is the per-(group, day) aggregate, fully recomputed from
// message logs and system events so replays are safe.
type DailyStat struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	GroupID string `db:"group_id"`
	Date    string `db:"date"`

	TotalMessages  int `db:"total_messages"`
	SpamDetected   int `db:"spam_detected"`
	SpamDeleted    int `db:"spam_deleted"`
	FalsePositives int `db:"false_positives"`

	AvgConfidenceScore    float64 `db:"avg_confidence_score"`
	AvgProcessingTimeMs   int     `db:"avg_processing_time_ms"`
	TotalProcessingTimeMs int     `db:"total_processing_time_ms"`

	APIErrors        int `db:"api_errors"`
	DeletionFailures int `db:"deletion_failures"`
}

// ModelVersion is a read-only catalog entry for a trained classifier.
type ModelVersion struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	Version        string  `db:"version"`
	Accuracy       float64 `db:"accuracy"`
	PrecisionScore float64 `db:"precision_score"`
	RecallScore    float64 `db:"recall_score"`
	F1Score        float64 `db:"f1_score"`

	IsActive  bool `db:"is_active"`
	IsDefault bool `db:"is_default"`
}

// SystemEvent is an append-only operational audit entry.
type SystemEvent struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	EventType   string `db:"event_type"`
	EntityType  string `db:"entity_type"`
	EntityID    string `db:"entity_id"`
	Description string `db:"description"`
	Details     string `db:"details"`
	Severity    string `db:"severity"`

	InstanceName string `db:"instance_name"`
}

// EventAPIError marks a gateway failure attributed to a group; the daily
// aggregator counts these per (group, day).
const EventAPIError = "api_error"

// SplitList splits a comma-joined list column into its elements.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// JoinList joins elements into the comma-joined column representation.
func JoinList(items []string) string {
	return strings.Join(items, ",")
}
