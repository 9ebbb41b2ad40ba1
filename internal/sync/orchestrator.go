package sync

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	gosync "sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SavageHobbies/Aether-2/internal/model"
	"github.com/SavageHobbies/Aether-2/internal/notify"
	"github.com/SavageHobbies/Aether-2/internal/storage"
)

// Status classifies the outcome of a submit.
type Status string

const (
	StatusApplied         Status = "applied"
	StatusConflictPending Status = "conflict_pending"
	StatusRejected        Status = "rejected"
)

// SyncOutcome is the result of submitting one change event. Rejected is
// terminal (the client must not retry); a transient persistence failure is
// returned as an error instead so the client's offline queue keeps the
// entry.
type SyncOutcome struct {
	Status   Status
	EventID  string
	Snapshot *model.EntitySnapshot
	Conflict *model.ConflictInfo
	Reason   string
}

// Broadcaster receives every applied outcome for fan-out to the user's
// live sessions. Implementations must not block on network I/O; the
// registry enqueues onto per-session channels.
type Broadcaster interface {
	BroadcastApplied(userID string, ev *model.ChangeEvent, acceptedAt time.Time, originDevice string)
	BroadcastConflict(userID string, info *model.ConflictInfo)
}

// Config tunes the orchestrator's persistence retry and lock striping.
type Config struct {
	LockStripes        int
	MaxPersistAttempts int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
}

// Orchestrator validates incoming events, detects and resolves conflicts,
// persists accepted outcomes, and hands them to the broadcaster. It owns
// the authoritative snapshots: all writes to one entity are serialized
// through a striped lock keyed by (entity_type, entity_id).
type Orchestrator struct {
	store    storage.Storage
	policy   Policy
	bcast    Broadcaster
	notifier notify.Notifier
	cfg      Config
	log      zerolog.Logger

	locks []gosync.Mutex

	applied   atomic.Int64
	conflicts atomic.Int64
	rejected  atomic.Int64
}

// New constructs an orchestrator. bcast and notifier may be nil when
// fan-out or push delivery is not wired (tests, tooling).
func New(store storage.Storage, policy Policy, bcast Broadcaster, notifier notify.Notifier, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = 64
	}
	if cfg.MaxPersistAttempts <= 0 {
		cfg.MaxPersistAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Orchestrator{
		store:    store,
		policy:   policy,
		bcast:    bcast,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		locks:    make([]gosync.Mutex, cfg.LockStripes),
	}
}

// Submit runs one change event through validation, conflict detection,
// resolution, and persistence. A returned error means a transient
// persistence failure after bounded retries: the caller keeps the event
// queued and retries later; event-id idempotency absorbs the duplicate.
func (o *Orchestrator) Submit(ctx context.Context, ev *model.ChangeEvent) (*SyncOutcome, error) {
	now := time.Now().UTC()
	if err := ev.Validate(now); err != nil {
		o.rejected.Add(1)
		o.log.Debug().Str("eventId", ev.ID).Err(err).Msg("event rejected")
		return &SyncOutcome{Status: StatusRejected, EventID: ev.ID, Reason: err.Error()}, nil
	}

	// Idempotency: a replayed id returns the previously computed outcome.
	if prior, err := o.store.GetProcessed(ctx, ev.ID); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if prior != nil {
		return o.outcomeFromProcessed(ctx, prior)
	}

	lock := o.lockFor(ev.EntityType, ev.EntityID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: a duplicate may have been applied while we
	// waited.
	if prior, err := o.store.GetProcessed(ctx, ev.ID); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if prior != nil {
		return o.outcomeFromProcessed(ctx, prior)
	}

	snap, err := o.store.LoadSnapshot(ctx, ev.EntityType, ev.EntityID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	if snap == nil && ev.Action != model.ActionCreate {
		o.rejected.Add(1)
		outcome := &SyncOutcome{
			Status:  StatusRejected,
			EventID: ev.ID,
			Reason:  fmt.Sprintf("%s %s does not exist", ev.EntityType, ev.EntityID),
		}
		if err := o.recordProcessed(ctx, ev.ID, storage.OutcomeRejected, nil, "", outcome.Reason); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	decision, err := Detect(ev, snap, o.changedFieldsFunc(ctx, ev), now)
	if err != nil {
		return nil, fmt.Errorf("conflict detection: %w", err)
	}

	apply := ev
	if decision.Conflict {
		info := decision.Info
		strategy := o.policy.StrategyFor(info)
		serverChanged, _, err := o.changedFieldsFunc(ctx, ev)(ev.BaseVersion)
		if err != nil {
			return nil, fmt.Errorf("conflict detection: %w", err)
		}
		res := Resolve(info, strategy, serverChanged)
		switch {
		case res.Pending:
			o.conflicts.Add(1)
			if err := o.persist(ctx, func() error { return o.store.PutConflict(ctx, info) }); err != nil {
				return nil, fmt.Errorf("store conflict: %w", err)
			}
			if err := o.recordProcessed(ctx, ev.ID, storage.OutcomeConflictPending, nil, info.ConflictID, ""); err != nil {
				return nil, err
			}
			if o.bcast != nil {
				o.bcast.BroadcastConflict(ev.OriginUserID, info)
			}
			o.log.Info().Str("eventId", ev.ID).Str("conflictId", info.ConflictID).
				Str("entity", string(ev.EntityType)+"/"+ev.EntityID).Msg("conflict pending user choice")
			return &SyncOutcome{Status: StatusConflictPending, EventID: ev.ID, Conflict: info}, nil

		case res.Discarded:
			// The incoming change lost last-write-wins: the current
			// snapshot stands and the loser learns the final state from
			// the response.
			if err := o.recordProcessed(ctx, ev.ID, storage.OutcomeApplied, snap, "", ""); err != nil {
				return nil, err
			}
			o.log.Debug().Str("eventId", ev.ID).Msg("event discarded by last-write-wins")
			return &SyncOutcome{Status: StatusApplied, EventID: ev.ID, Snapshot: snap}, nil

		default:
			apply = res.Apply
		}
	}

	newSnap := snap.Apply(apply)
	expected := int64(0)
	if snap != nil {
		expected = snap.Version
	}
	if err := o.persist(ctx, func() error {
		err := o.store.SaveSnapshot(ctx, newSnap, expected)
		if errors.Is(err, storage.ErrVersionMismatch) {
			// An out-of-band writer moved the version; retrying the same
			// CAS cannot succeed.
			return backoff.Permanent(err)
		}
		return err
	}); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	accepted := &storage.AcceptedEvent{
		UserID:           ev.OriginUserID,
		Event:            *apply.Clone(),
		ResultingVersion: newSnap.Version,
		AcceptedAt:       time.Now().UTC(),
	}
	if _, err := o.store.AppendAccepted(ctx, accepted); err != nil && !errors.Is(err, storage.ErrDuplicateEvent) {
		return nil, fmt.Errorf("append accepted event: %w", err)
	}
	// Record under the ORIGINAL id: that is the client's idempotency key
	// even when merge produced a rewritten event.
	if err := o.recordProcessed(ctx, ev.ID, storage.OutcomeApplied, newSnap, "", ""); err != nil {
		return nil, err
	}

	o.applied.Add(1)
	if o.bcast != nil {
		o.bcast.BroadcastApplied(ev.OriginUserID, accepted.Event.Clone(), accepted.AcceptedAt, ev.OriginDeviceID)
	}
	go o.notify(ev.OriginUserID, newSnap.Clone())

	return &SyncOutcome{Status: StatusApplied, EventID: ev.ID, Snapshot: newSnap}, nil
}

// Reconnect returns every event accepted for the user after since, in
// acceptance order, for replay to a reconnecting device. The server-side
// delivery cursor acts as a floor: nothing the server never wrote to this
// device's wire is skipped, even if the client presents a later timestamp.
func (o *Orchestrator) Reconnect(ctx context.Context, userID, deviceID string, since time.Time) ([]*storage.AcceptedEvent, error) {
	cursor, err := o.store.LoadSessionCursor(ctx, userID, deviceID)
	if err != nil {
		o.log.Warn().Err(err).Str("userId", userID).Str("deviceId", deviceID).
			Msg("session cursor lookup failed")
	} else if !cursor.IsZero() && cursor.Before(since) {
		// Events in (cursor, since] were never delivered to this device;
		// replay from the earlier point. Idempotent applies absorb the
		// overlap.
		o.log.Debug().Str("deviceId", deviceID).Time("clientSince", since).
			Time("serverCursor", cursor).Msg("rewinding replay to server cursor")
		since = cursor
	}
	return o.store.ListAcceptedSince(ctx, userID, since)
}

// ResolveConflict applies a user's decision on a pending conflict. chosen
// is "local", "remote", or "event" with a caller-provided replacement. The
// winning change re-enters the pipeline as a fresh event against the
// current version.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID, chosen string, replacement *model.ChangeEvent) (*SyncOutcome, error) {
	info, err := o.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, fmt.Errorf("load conflict: %w", err)
	}
	if info == nil {
		return &SyncOutcome{Status: StatusRejected, Reason: "unknown conflict id: " + conflictID}, nil
	}

	var ev *model.ChangeEvent
	switch chosen {
	case "remote":
		// The server state stands; just clear the conflict.
		if err := o.store.DeleteConflict(ctx, conflictID); err != nil {
			return nil, fmt.Errorf("delete conflict: %w", err)
		}
		snap, err := o.store.LoadSnapshot(ctx, info.EntityType, info.EntityID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		return &SyncOutcome{Status: StatusApplied, EventID: info.LocalEvent.ID, Snapshot: snap}, nil
	case "local":
		ev = info.LocalEvent.Clone()
		ev.ID = uuid.New().String()
		ev.Timestamp = time.Now().UTC()
	case "event":
		if replacement == nil {
			return &SyncOutcome{Status: StatusRejected, Reason: "conflict resolution carried no event"}, nil
		}
		ev = replacement
	default:
		return &SyncOutcome{Status: StatusRejected, Reason: "unknown resolution choice: " + chosen}, nil
	}

	// Rebase onto the current authoritative version so the resolution
	// applies cleanly.
	snap, err := o.store.LoadSnapshot(ctx, info.EntityType, info.EntityID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		ev.BaseVersion = snap.Version
	} else {
		ev.BaseVersion = 0
		if ev.Action == model.ActionUpdate {
			ev.Action = model.ActionCreate
		}
	}

	outcome, err := o.Submit(ctx, ev)
	if err != nil {
		return nil, err
	}
	if outcome.Status == StatusApplied {
		if err := o.store.DeleteConflict(ctx, conflictID); err != nil {
			return nil, fmt.Errorf("delete conflict: %w", err)
		}
	}
	return outcome, nil
}

// Stats is a point-in-time view for the admin surface.
type Stats struct {
	Applied          int64              `json:"applied"`
	Rejected         int64              `json:"rejected"`
	ConflictsPending int                `json:"conflictsPending"`
	EntityTypes      []model.EntityType `json:"entityTypes"`
}

// Stats reports counters since process start plus pending conflicts.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	pending, err := o.store.CountConflicts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Applied:          o.applied.Load(),
		Rejected:         o.rejected.Load(),
		ConflictsPending: pending,
		EntityTypes:      model.KnownEntityTypes(),
	}, nil
}

// ------------------------- internals -------------------------

func (o *Orchestrator) lockFor(entityType model.EntityType, entityID string) *gosync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(entityID))
	return &o.locks[int(h.Sum32())%len(o.locks)]
}

func (o *Orchestrator) changedFieldsFunc(ctx context.Context, ev *model.ChangeEvent) ChangedFieldsFunc {
	return func(sinceVersion int64) (map[string]bool, bool, error) {
		accepted, err := o.store.ListEntityEventsSince(ctx, ev.EntityType, ev.EntityID, sinceVersion)
		if err != nil {
			return nil, false, err
		}
		events := make([]*model.ChangeEvent, len(accepted))
		for i := range accepted {
			events[i] = &accepted[i].Event
		}
		fields, whole := ChangedFieldsFromEvents(events)
		return fields, whole, nil
	}
}

// persist retries a storage write with bounded exponential backoff.
func (o *Orchestrator) persist(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.cfg.BaseBackoff
	exp.MaxInterval = o.cfg.MaxBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.cfg.MaxPersistAttempts-1)), ctx)
	return backoff.Retry(op, policy)
}

func (o *Orchestrator) recordProcessed(ctx context.Context, eventID string, status storage.OutcomeStatus, snap *model.EntitySnapshot, conflictID, reason string) error {
	outcome := &storage.ProcessedOutcome{
		EventID:     eventID,
		Status:      status,
		Snapshot:    snap,
		ConflictID:  conflictID,
		Reason:      reason,
		ProcessedAt: time.Now().UTC(),
	}
	if err := o.persist(ctx, func() error { return o.store.RecordProcessed(ctx, outcome) }); err != nil {
		return fmt.Errorf("record processed outcome: %w", err)
	}
	return nil
}

func (o *Orchestrator) outcomeFromProcessed(ctx context.Context, prior *storage.ProcessedOutcome) (*SyncOutcome, error) {
	out := &SyncOutcome{EventID: prior.EventID, Reason: prior.Reason}
	switch prior.Status {
	case storage.OutcomeApplied:
		out.Status = StatusApplied
		out.Snapshot = prior.Snapshot
	case storage.OutcomeConflictPending:
		out.Status = StatusConflictPending
		info, err := o.store.GetConflict(ctx, prior.ConflictID)
		if err != nil {
			return nil, fmt.Errorf("load conflict: %w", err)
		}
		if info == nil {
			// The conflict was resolved after this event was first
			// processed; report the current state instead.
			out.Status = StatusApplied
		}
		out.Conflict = info
	default:
		out.Status = StatusRejected
	}
	return out, nil
}

func (o *Orchestrator) notify(userID string, snap *model.EntitySnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.notifier.NotifyApplied(ctx, userID, snap); err != nil {
		o.log.Warn().Err(err).Str("userId", userID).Msg("notification delivery failed")
	}
}
