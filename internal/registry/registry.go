// Package registry tracks which devices are connected for each user and
// fans applied events out to them. It is the server-side half of live
// replication; devices that are offline catch up via replay instead.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SavageHobbies/Aether-2/internal/model"
	"github.com/SavageHobbies/Aether-2/internal/storage"
	"github.com/SavageHobbies/Aether-2/internal/wire"
)

// Config tunes session buffering and fan-out behavior.
type Config struct {
	// SessionBuffer is the outbound channel capacity per session.
	SessionBuffer int
	// EchoToOrigin controls whether the device that submitted an event
	// also receives it on the broadcast path. Off by default: the origin
	// already learns the outcome from its sync_response.
	EchoToOrigin bool
	// IdleTimeout disconnects sessions with no inbound traffic for this
	// long. Zero disables sweeping.
	IdleTimeout time.Duration
}

// Registry is the authoritative map of live sessions, keyed by
// (user, device). Registering a device that is already connected replaces
// the old session; the stale connection is closed.
type Registry struct {
	cfg   Config
	store storage.Storage
	log   zerolog.Logger

	mu     sync.RWMutex
	byUser map[string]map[string]*Session
}

// New constructs an empty registry. store persists per-device replay
// cursors and may be shared with the orchestrator.
func New(cfg Config, store storage.Storage, log zerolog.Logger) *Registry {
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = 256
	}
	return &Registry{
		cfg:    cfg,
		store:  store,
		log:    log,
		byUser: make(map[string]map[string]*Session),
	}
}

// Register creates a session for the device, replacing and closing any
// session the same device already holds. The new session starts in
// Connecting; the transport advances it once the handshake completes.
func (r *Registry) Register(userID, deviceID string) *Session {
	s := newSession(userID, deviceID, r.cfg.SessionBuffer)

	r.mu.Lock()
	devices, ok := r.byUser[userID]
	if !ok {
		devices = make(map[string]*Session)
		r.byUser[userID] = devices
	}
	old := devices[deviceID]
	devices[deviceID] = s
	r.mu.Unlock()

	if old != nil {
		old.close()
		r.log.Info().Str("userId", userID).Str("deviceId", deviceID).Msg("replaced stale session")
	} else {
		sessionsActive.Inc()
	}
	return s
}

// Authenticated marks the session's handshake as verified.
func (r *Registry) Authenticated(s *Session) {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated))
}

// BeginStreaming marks the session ready for live fan-out. Events applied
// before this point are covered by the replay the transport runs first.
func (r *Registry) BeginStreaming(s *Session) {
	s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateStreaming))
	r.log.Debug().Str("userId", s.UserID).Str("deviceId", s.DeviceID).Msg("session streaming")
}

// Disconnect removes the session and closes its Done channel. Safe to call
// more than once and on sessions already replaced.
func (r *Registry) Disconnect(s *Session) {
	r.mu.Lock()
	devices := r.byUser[s.UserID]
	removed := false
	if devices != nil && devices[s.DeviceID] == s {
		delete(devices, s.DeviceID)
		removed = true
		if len(devices) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	r.mu.Unlock()

	s.close()
	if removed {
		sessionsActive.Dec()
	}
}

// Session returns the live session for a device, or nil.
func (r *Registry) Session(userID, deviceID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID][deviceID]
}

func (r *Registry) streamingSessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := r.byUser[userID]
	out := make([]*Session, 0, len(devices))
	for _, s := range devices {
		if s.State() == StateStreaming {
			out = append(out, s)
		}
	}
	return out
}

// BroadcastApplied fans one applied event out to the user's streaming
// sessions. The origin device is skipped unless EchoToOrigin is set. A
// session whose buffer is full is force-disconnected: blocking would stall
// every other session, and the slow client recovers via replay.
func (r *Registry) BroadcastApplied(userID string, ev *model.ChangeEvent, acceptedAt time.Time, originDevice string) {
	at := acceptedAt
	msg := &wire.SyncEventMsg{Type: wire.TypeSyncEvent, Event: ev, AcceptedAt: &at}
	for _, s := range r.streamingSessions(userID) {
		if s.DeviceID == originDevice && !r.cfg.EchoToOrigin {
			continue
		}
		r.deliver(s, msg)
	}
	broadcastsTotal.WithLabelValues("event").Inc()
}

// BroadcastConflict tells every streaming session of the user that a
// conflict awaits a decision, the origin included: any device may resolve
// it.
func (r *Registry) BroadcastConflict(userID string, info *model.ConflictInfo) {
	msg := &wire.SyncConflictMsg{Type: wire.TypeSyncConflict, Conflict: info}
	for _, s := range r.streamingSessions(userID) {
		r.deliver(s, msg)
	}
	broadcastsTotal.WithLabelValues("conflict").Inc()
}

func (r *Registry) deliver(s *Session, msg interface{}) {
	if !s.Send(msg) {
		forcedDisconnects.Inc()
		r.log.Warn().Str("userId", s.UserID).Str("deviceId", s.DeviceID).
			Msg("outbound buffer full, disconnecting session")
		r.Disconnect(s)
	}
}

// MarkDelivered persists the session's replay cursor after the transport
// has written an event to the wire. On reconnect the device resumes from
// this point.
func (r *Registry) MarkDelivered(ctx context.Context, s *Session, acceptedAt time.Time) {
	if err := r.store.SaveSessionCursor(ctx, s.UserID, s.DeviceID, acceptedAt); err != nil {
		r.log.Warn().Err(err).Str("userId", s.UserID).Str("deviceId", s.DeviceID).
			Msg("persisting session cursor failed")
	}
}

// SweepIdle disconnects sessions without inbound traffic for the
// configured idle timeout. It returns the number of sessions removed.
func (r *Registry) SweepIdle(now time.Time) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	var stale []*Session
	for _, devices := range r.byUser {
		for _, s := range devices {
			if s.LastSeen().Before(cutoff) {
				stale = append(stale, s)
			}
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		r.log.Info().Str("userId", s.UserID).Str("deviceId", s.DeviceID).
			Time("lastSeen", s.LastSeen()).Msg("disconnecting idle session")
		r.Disconnect(s)
		idleDisconnects.Inc()
	}
	return len(stale)
}

// Stats summarizes the registry for the admin surface.
type Stats struct {
	Users    int `json:"users"`
	Sessions int `json:"sessions"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Users: len(r.byUser)}
	for _, devices := range r.byUser {
		st.Sessions += len(devices)
	}
	return st
}
