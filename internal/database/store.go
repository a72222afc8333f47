package database

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations.
// Methods should accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// --- Group registry ---

	// GetGroup retrieves a group by its platform group ID. Returns nil, nil if not found.
	GetGroup(ctx context.Context, groupID string) (*Group, error)

	// ListGroupsByStatus retrieves all groups in one of the given statuses.
	ListGroupsByStatus(ctx context.Context, statuses ...string) ([]Group, error)

	// CreateGroup inserts a group and its default config if one doesn't exist.
	CreateGroup(ctx context.Context, group *Group) error

	// SetGroupStatus updates the status and error message of a group.
	SetGroupStatus(ctx context.Context, groupID, status, errorMessage string) error

	// AdvanceGroupCursor records a successful check: updates last_checked,
	// advances the polling cursor when lastMessageID is non-empty, and
	// resets the consecutive error count.
	AdvanceGroupCursor(ctx context.Context, groupID, lastMessageID string) error

	// RecordGroupError increments the group's consecutive error count. When
	// the count reaches threshold the group is moved to status 'error' and
	// the returned flag is true.
	RecordGroupError(ctx context.Context, groupID, message string, threshold int) (bool, error)

	// GetGroupConfig retrieves the config for a group, falling back to
	// defaults when no row exists.
	GetGroupConfig(ctx context.Context, groupID string) (*GroupConfig, error)

	// SaveGroupConfig inserts or updates a group config.
	SaveGroupConfig(ctx context.Context, config *GroupConfig) error

	// --- Fleet ---

	// RegisterInstance inserts or resurrects a bot instance row keyed by
	// instance_name and populates its ID.
	RegisterInstance(ctx context.Context, instance *BotInstance) error

	// Heartbeat refreshes last_heartbeat and the instance's view of its load.
	Heartbeat(ctx context.Context, instanceName string, currentGroups int, assignedGroups []string) error

	// SetInstanceStatus updates the lifecycle status of an instance.
	SetInstanceStatus(ctx context.Context, instanceName, status string) error

	// ListInstances retrieves all bot instances.
	ListInstances(ctx context.Context) ([]BotInstance, error)

	// ListActiveAssignments retrieves all assignments with status 'active'.
	ListActiveAssignments(ctx context.Context) ([]GroupAssignment, error)

	// ListAssignedGroupIDs retrieves the group IDs actively assigned to an instance.
	ListAssignedGroupIDs(ctx context.Context, instanceID int64) ([]string, error)

	// SwapActiveAssignment makes instanceID the single active owner of the
	// group. Any previous active assignment held by another instance is
	// demoted to 'reassigning'. Returns false when the instance already
	// owned the group and nothing was written.
	SwapActiveAssignment(ctx context.Context, groupID string, instanceID int64) (bool, error)

	// RevokeAssignment demotes the active assignment for a group, if any.
	RevokeAssignment(ctx context.Context, groupID string) error

	// DemoteAssignment marks the active assignment for a group as
	// reassigning, used when its owner died and no replacement exists yet.
	DemoteAssignment(ctx context.Context, groupID string) error

	// DeleteAssignmentsByGroup removes all assignment rows for groups no
	// longer present in the registry.
	DeleteAssignmentsByGroup(ctx context.Context, groupID string) error

	// --- Audit and metrics ---

	// InsertMessageLog appends a processed-message record. Duplicate
	// (group_id, message_id) pairs are absorbed; the returned flag reports
	// whether a row was actually inserted.
	InsertMessageLog(ctx context.Context, entry *MessageLog) (bool, error)

	// UpdateDeletionOutcome records the final result of a deletion attempt.
	UpdateDeletionOutcome(ctx context.Context, groupID, messageID string, successful, notificationSent bool) error

	// RecomputeDailyStat rebuilds the (group, day) aggregate from message
	// logs and system events. Safe to run any number of times.
	RecomputeDailyStat(ctx context.Context, groupID string, day time.Time) error

	// GetDailyStat retrieves the aggregate for a (group, day). Returns
	// nil, nil when no aggregate has been computed yet.
	GetDailyStat(ctx context.Context, groupID string, day time.Time) (*DailyStat, error)

	// ListGroupIDsWithActivity returns group IDs that have message logs on the given day.
	ListGroupIDsWithActivity(ctx context.Context, day time.Time) ([]string, error)

	// LogSystemEvent appends an operational audit entry.
	LogSystemEvent(ctx context.Context, event *SystemEvent) error

	// CleanupOldData removes message logs and system events older than the
	// retention window, in one transaction.
	CleanupOldData(ctx context.Context, retentionDays int) (int64, error)

	// ResolveModelVersion maps the "latest" alias to the newest active
	// model version; concrete versions pass through unchanged.
	ResolveModelVersion(ctx context.Context, version string) (string, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
