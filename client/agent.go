// Package client implements the device-side sync agent. Local mutations
// are applied optimistically by the application, appended to a durable
// offline queue, and drained to the server whenever a connection is up.
// Remote changes arrive over the same connection and are handed to the
// application via callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SavageHobbies/Aether-2/client/queue"
	"github.com/SavageHobbies/Aether-2/internal/model"
	"github.com/SavageHobbies/Aether-2/internal/wire"
)

// SyncStatus is the agent's externally visible state, surfaced to the UI
// via the OnStatus callback.
type SyncStatus string

const (
	StatusIdle          SyncStatus = "idle"
	StatusSyncing       SyncStatus = "syncing"
	StatusDegraded      SyncStatus = "degraded"
	StatusSyncError     SyncStatus = "sync_error"
	StatusNeedsDecision SyncStatus = "needs_decision"
)

// ErrQueueFull is returned by Mutate only when the queue has hit the hard
// physical limit. The soft cap never refuses entries; it degrades the
// reported status instead.
var ErrQueueFull = errors.New("offline queue is full")

// Conn is one live connection to the sync server.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes connections. The WebSocket implementation lives in
// this package; tests substitute a scripted fake.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Callbacks let the application react to sync activity. Callbacks must not
// block; OnStatus may also be invoked from the goroutine calling Mutate.
type Callbacks struct {
	// ApplyRemote applies a server-accepted change to the local store.
	// Applies must be idempotent: replay overlaps redeliver events.
	ApplyRemote func(ev *model.ChangeEvent)
	// OnConflict surfaces a conflict that needs a user decision.
	OnConflict func(info *model.ConflictInfo)
	// OnStatus reports status transitions.
	OnStatus func(status SyncStatus)
}

// Options configures an agent.
type Options struct {
	UserID   string
	DeviceID string

	// RedialInitial/RedialMax bound the reconnect backoff.
	RedialInitial time.Duration
	RedialMax     time.Duration

	// MaxQueue is the soft cap on undelivered events. Mutations past it
	// are still accepted so the UI never blocks, but the agent reports
	// StatusDegraded until the backlog drains. Zero means no cap.
	MaxQueue int

	// HardLimit is the physical bound on queue depth; Mutate returns
	// ErrQueueFull once it is reached. Zero means unbounded.
	HardLimit int

	Logger zerolog.Logger
}

// Agent owns the offline queue and the connection lifecycle.
type Agent struct {
	dialer Dialer
	q      *queue.Queue
	cb     Callbacks
	opts   Options
	log    zerolog.Logger

	mutations   chan *model.ChangeEvent
	resolutions chan *wire.ConflictResolutionMsg

	held    map[string]bool // conflictID -> awaiting user decision
	syncErr bool            // a rejection happened since the last clean ack

	status atomic.Value // SyncStatus
}

// New builds an agent around an open queue. Run must be started for the
// agent to make progress.
func New(dialer Dialer, q *queue.Queue, cb Callbacks, opts Options) (*Agent, error) {
	if opts.UserID == "" || opts.DeviceID == "" {
		return nil, errors.New("user id and device id are required")
	}
	if opts.RedialInitial <= 0 {
		opts.RedialInitial = time.Second
	}
	if opts.RedialMax <= 0 {
		opts.RedialMax = time.Minute
	}
	a := &Agent{
		dialer:      dialer,
		q:           q,
		cb:          cb,
		opts:        opts,
		log:         opts.Logger,
		mutations:   make(chan *model.ChangeEvent, 64),
		resolutions: make(chan *wire.ConflictResolutionMsg, 16),
		held:        make(map[string]bool),
	}
	a.status.Store(StatusIdle)
	return a, nil
}

// Status reports the agent's current sync state. Safe to call from any
// goroutine.
func (a *Agent) Status() SyncStatus {
	return a.status.Load().(SyncStatus)
}

// Mutate records a local change. The application applies it to its own
// store first (optimistic apply); the agent stamps identity and ordering
// fields, persists it to the offline queue, and delivers it when it can.
// The returned id is the event's idempotency key.
func (a *Agent) Mutate(entityType model.EntityType, entityID string, action model.Action, payload map[string]interface{}, baseVersion int64) (string, error) {
	ev := &model.ChangeEvent{
		ID:             uuid.New().String(),
		EntityType:     entityType,
		EntityID:       entityID,
		Action:         action,
		Payload:        payload,
		BaseVersion:    baseVersion,
		Timestamp:      time.Now().UTC(),
		OriginUserID:   a.opts.UserID,
		OriginDeviceID: a.opts.DeviceID,
	}
	if err := ev.Validate(time.Now().UTC()); err != nil {
		return "", err
	}
	depth := 0
	if a.opts.MaxQueue > 0 || a.opts.HardLimit > 0 {
		n, err := a.q.Len()
		if err != nil {
			return "", err
		}
		depth = n
	}
	if a.opts.HardLimit > 0 && depth >= a.opts.HardLimit {
		return "", ErrQueueFull
	}
	if _, err := a.q.Append(ev); err != nil {
		return "", fmt.Errorf("queue mutation: %w", err)
	}
	mutationsEnqueuedTotal.Inc()
	if a.opts.MaxQueue > 0 && depth+1 > a.opts.MaxQueue {
		// Over the soft cap: keep accepting, but tell the host that sync
		// is behind.
		a.setStatus(StatusDegraded)
	}
	select {
	case a.mutations <- ev:
	default: // run loop will find it in the queue regardless
	}
	return ev.ID, nil
}

// ResolveConflict submits the user's decision for a held conflict. choice
// is "local", "remote", or "event" with a replacement.
func (a *Agent) ResolveConflict(conflictID, choice string, replacement *model.ChangeEvent) {
	a.resolutions <- &wire.ConflictResolutionMsg{
		Type:       wire.TypeConflictResolution,
		ConflictID: conflictID,
		Choice:     choice,
		Event:      replacement,
	}
}

// Run connects, replays, and drains until ctx is cancelled. Connection
// loss triggers a backed-off redial; the queue preserves anything not yet
// acknowledged.
func (a *Agent) Run(ctx context.Context) error {
	redial := backoff.NewExponentialBackOff()
	redial.InitialInterval = a.opts.RedialInitial
	redial.MaxInterval = a.opts.RedialMax
	redial.MaxElapsedTime = 0 // keep trying until cancelled

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := a.dialer.Dial(ctx)
		if err != nil {
			a.setStatus(StatusDegraded)
			wait := redial.NextBackOff()
			a.log.Debug().Err(err).Dur("retryIn", wait).Msg("dial failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		redial.Reset()

		err = a.session(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.setStatus(StatusDegraded)
		a.log.Info().Err(err).Msg("session ended, redialing")
	}
}

// session drives one connection: reconnect handshake, replay, then
// interleaved drain and live fan-in until the connection drops.
func (a *Agent) session(ctx context.Context, conn Conn) error {
	inbound := make(chan interface{}, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := wire.Decode(data)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	lastSync, err := a.q.LastSync()
	if err != nil {
		return err
	}
	a.setStatus(StatusSyncing)
	if err := a.write(conn, &wire.SyncReconnectMsg{Type: wire.TypeSyncReconnect, LastSync: lastSync}); err != nil {
		return err
	}

	var (
		replayDone bool
		inflight   *queue.Entry
		retryWake  <-chan time.Time
	)

	// Transient server failures throttle the drain with growing pauses
	// instead of hammering a struggling backend.
	drain := backoff.NewExponentialBackOff()
	drain.InitialInterval = a.opts.RedialInitial
	drain.MaxInterval = a.opts.RedialMax
	drain.MaxElapsedTime = 0

	// trySend puts the oldest queued event on the wire, one at a time.
	// Stop-and-wait keeps server-side ordering identical to local commit
	// order.
	trySend := func() error {
		if !replayDone || inflight != nil {
			a.updateIdle(replayDone, inflight)
			return nil
		}
		entry, err := a.q.Peek()
		if err != nil {
			return err
		}
		if entry == nil {
			a.updateIdle(replayDone, nil)
			return nil
		}
		if err := a.q.IncrementAttempts(entry.Seq); err != nil {
			return err
		}
		entry, err = a.q.Get(entry.Seq) // re-read so Attempts is current
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.Attempts > 1 {
			a.log.Debug().Str("eventId", entry.Event.ID).
				Int("attempts", entry.Attempts).Msg("redelivering queued event")
		}
		inflight = entry
		a.setStatus(StatusSyncing)
		return a.write(conn, &wire.SyncEventMsg{Type: wire.TypeSyncEvent, Event: &entry.Event})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-retryWake:
			retryWake = nil
			if err := trySend(); err != nil {
				return err
			}
		case <-a.mutations:
			if err := trySend(); err != nil {
				return err
			}
		case res := <-a.resolutions:
			if err := a.write(conn, res); err != nil {
				return err
			}
			delete(a.held, res.ConflictID)
			a.updateIdle(replayDone, inflight)
		case msg := <-inbound:
			done, err := a.handleInbound(conn, msg, &inflight)
			if err != nil {
				return err
			}
			if done {
				replayDone = true
			}
			switch m := msg.(type) {
			case *wire.SyncResponseMsg:
				if m.Retry {
					retryWake = time.After(drain.NextBackOff())
					continue
				}
				if m.Success {
					drain.Reset()
				}
			}
			if err := trySend(); err != nil {
				return err
			}
		}
	}
}

// handleInbound applies one server frame. It reports whether replay just
// finished.
func (a *Agent) handleInbound(conn Conn, msg interface{}, inflight **queue.Entry) (bool, error) {
	switch m := msg.(type) {
	case *wire.WelcomeMsg:
		a.log.Debug().Str("userId", m.UserID).Str("deviceId", m.DeviceID).Msg("connected")

	case *wire.SyncReplayMsg:
		a.applyRemote(m.Event)
		if err := a.q.SetLastSync(m.AcceptedAt); err != nil {
			return false, err
		}

	case *wire.SyncReplayDoneMsg:
		a.log.Debug().Int("replayed", m.Count).Msg("replay complete")
		return true, nil

	case *wire.SyncEventMsg:
		a.applyRemote(m.Event)
		if m.AcceptedAt != nil {
			if err := a.q.SetLastSync(*m.AcceptedAt); err != nil {
				return false, err
			}
		}

	case *wire.SyncConflictMsg:
		// Conflicts raised by another device of the same user; this
		// device may resolve them too.
		a.holdConflict(m.Conflict)

	case *wire.SyncResponseMsg:
		return false, a.handleResponse(m, inflight)

	case *wire.PingMsg:
		return false, a.write(conn, &wire.PongMsg{Type: wire.TypePong})

	case *wire.PongMsg:

	default:
		a.log.Warn().Msgf("unexpected %T from server", msg)
	}
	return false, nil
}

func (a *Agent) handleResponse(m *wire.SyncResponseMsg, inflight **queue.Entry) error {
	entry := *inflight
	if entry == nil || m.EventID != entry.Event.ID {
		// Response to a conflict resolution, or a duplicate after
		// redelivery; nothing queued to settle.
		if m.Conflict != nil {
			a.holdConflict(m.Conflict)
		}
		return nil
	}

	switch {
	case m.Success:
		*inflight = nil
		a.syncErr = false
		return a.q.Ack(entry.Seq)
	case m.Conflict != nil:
		// The server holds the conflict durably; the queue entry has done
		// its job.
		*inflight = nil
		if err := a.q.Ack(entry.Seq); err != nil {
			return err
		}
		a.holdConflict(m.Conflict)
		return nil
	case m.Retry:
		// Transient server failure: keep the entry, retry after a pause.
		*inflight = nil
		a.setStatus(StatusDegraded)
		return nil
	default:
		// Terminal rejection: drop the event, the local optimistic apply
		// is now divergent until the next remote change corrects it.
		*inflight = nil
		a.syncErr = true
		a.setStatus(StatusSyncError)
		a.log.Error().Str("eventId", entry.Event.ID).Str("reason", m.Error).Msg("event rejected by server")
		return a.q.Ack(entry.Seq)
	}
}

func (a *Agent) holdConflict(info *model.ConflictInfo) {
	if info == nil {
		return
	}
	if !a.held[info.ConflictID] {
		conflictsReceivedTotal.Inc()
	}
	a.held[info.ConflictID] = true
	a.setStatus(StatusNeedsDecision)
	if a.cb.OnConflict != nil {
		a.cb.OnConflict(info)
	}
}

func (a *Agent) applyRemote(ev *model.ChangeEvent) {
	if ev == nil {
		return
	}
	remoteEventsAppliedTotal.Inc()
	if a.cb.ApplyRemote != nil {
		a.cb.ApplyRemote(ev)
	}
}

func (a *Agent) updateIdle(replayDone bool, inflight *queue.Entry) {
	if len(a.held) > 0 {
		a.setStatus(StatusNeedsDecision)
		return
	}
	if !replayDone || inflight != nil {
		return
	}
	if n, err := a.q.Len(); err == nil && n == 0 {
		if a.syncErr {
			a.setStatus(StatusSyncError)
			return
		}
		a.setStatus(StatusIdle)
	}
}

func (a *Agent) setStatus(s SyncStatus) {
	a.status.Store(s)
	observeStatus(s)
	if a.cb.OnStatus != nil {
		a.cb.OnStatus(s)
	}
}

func (a *Agent) write(conn Conn, msg interface{}) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}
