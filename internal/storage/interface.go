package storage

import (
	"context"
	"errors"
	"time"

	"github.com/SavageHobbies/Aether-2/internal/model"
)

// ErrVersionMismatch is returned by SaveSnapshot when the stored version no
// longer matches the expected one. Under the orchestrator's per-entity
// serialization this indicates an external writer and is not retried.
var ErrVersionMismatch = errors.New("storage: snapshot version mismatch")

// ErrDuplicateEvent is returned by AppendAccepted when an event with the
// same id has already been appended.
var ErrDuplicateEvent = errors.New("storage: event already accepted")

// AcceptedEvent is a change event the orchestrator accepted, together with
// its position in the server's acceptance order.
type AcceptedEvent struct {
	Seq              int64             `json:"seq"`
	UserID           string            `json:"userId"`
	Event            model.ChangeEvent `json:"event"`
	ResultingVersion int64             `json:"resultingVersion"`
	AcceptedAt       time.Time         `json:"acceptedAt"`
}

// OutcomeStatus is the durable record of how a processed event ended.
type OutcomeStatus string

const (
	OutcomeApplied         OutcomeStatus = "applied"
	OutcomeConflictPending OutcomeStatus = "conflict_pending"
	OutcomeRejected        OutcomeStatus = "rejected"
)

// ProcessedOutcome is the idempotency record for one event id. Replays of
// the same id return this stored outcome instead of reapplying the event.
type ProcessedOutcome struct {
	EventID     string                `json:"eventId"`
	Status      OutcomeStatus         `json:"status"`
	Snapshot    *model.EntitySnapshot `json:"snapshot,omitempty"`
	ConflictID  string                `json:"conflictId,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	ProcessedAt time.Time             `json:"processedAt"`
}

// Storage is the durable backend for the sync core. Implementations must
// support the version-check-then-write semantics of SaveSnapshot; the
// orchestrator additionally holds a per-entity lock for the duration of a
// submit, so a compare-and-swap failure means an out-of-band writer.
type Storage interface {
	// LoadSnapshot returns the current snapshot for the entity, or
	// (nil, nil) when none exists yet.
	LoadSnapshot(ctx context.Context, entityType model.EntityType, entityID string) (*model.EntitySnapshot, error)

	// SaveSnapshot persists snap if the stored version equals
	// expectedVersion (0 means "must not exist"). Returns
	// ErrVersionMismatch otherwise.
	SaveSnapshot(ctx context.Context, snap *model.EntitySnapshot, expectedVersion int64) error

	// AppendAccepted records ev in acceptance order and returns its
	// sequence number.
	AppendAccepted(ctx context.Context, ev *AcceptedEvent) (int64, error)

	// ListAcceptedSince returns every accepted event for the user with
	// AcceptedAt strictly after since, in acceptance (sequence) order.
	ListAcceptedSince(ctx context.Context, userID string, since time.Time) ([]*AcceptedEvent, error)

	// ListEntityEventsSince returns the accepted events for one entity
	// whose resulting version is strictly greater than sinceVersion, in
	// version order. Used for field-overlap conflict detection.
	ListEntityEventsSince(ctx context.Context, entityType model.EntityType, entityID string, sinceVersion int64) ([]*AcceptedEvent, error)

	// GetProcessed returns the stored outcome for an event id, or
	// (nil, nil) when the id has not been processed.
	GetProcessed(ctx context.Context, eventID string) (*ProcessedOutcome, error)

	// RecordProcessed stores the outcome for an event id.
	RecordProcessed(ctx context.Context, outcome *ProcessedOutcome) error

	// PutConflict stores a pending user-choice conflict.
	PutConflict(ctx context.Context, info *model.ConflictInfo) error

	// GetConflict returns a pending conflict, or (nil, nil) when unknown.
	GetConflict(ctx context.Context, conflictID string) (*model.ConflictInfo, error)

	// DeleteConflict removes a resolved conflict.
	DeleteConflict(ctx context.Context, conflictID string) error

	// CountConflicts returns the number of pending conflicts.
	CountConflicts(ctx context.Context) (int, error)

	// SaveSessionCursor persists the last successfully delivered event
	// time for a (user, device) session so reconnects resume exactly
	// where delivery stopped.
	SaveSessionCursor(ctx context.Context, userID, deviceID string, lastSync time.Time) error

	// LoadSessionCursor returns the stored cursor, or the zero time when
	// the device has never synced.
	LoadSessionCursor(ctx context.Context, userID, deviceID string) (time.Time, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
