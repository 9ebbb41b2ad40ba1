package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SavageHobbies/Aether-2/internal/api/respond"
	"github.com/SavageHobbies/Aether-2/internal/auth"
	"github.com/SavageHobbies/Aether-2/internal/registry"
	synccore "github.com/SavageHobbies/Aether-2/internal/sync"
	"github.com/SavageHobbies/Aether-2/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SyncHandler terminates sync WebSocket connections: it authenticates the
// handshake, registers the session, and shuttles frames between the wire
// and the orchestrator. One goroutine reads, one writes; all outbound
// traffic funnels through the session's channel so there is a single
// writer per connection.
type SyncHandler struct {
	orch         *synccore.Orchestrator
	reg          *registry.Registry
	authz        auth.Authorizer
	pingInterval time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger
}

// NewSyncHandler wires the transport to the orchestrator and registry.
func NewSyncHandler(orch *synccore.Orchestrator, reg *registry.Registry, authz auth.Authorizer, pingInterval, writeTimeout time.Duration, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		orch:         orch,
		reg:          reg,
		authz:        authz,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		log:          log,
	}
}

// HandleWS handles GET /ws. The bearer token comes from the Authorization
// header or, for browser clients that cannot set headers on WebSocket
// upgrades, the token query parameter.
func (h *SyncHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		respond.WriteUnauthorized(w, "missing bearer token")
		return
	}
	id, err := h.authz.Authorize(r.Context(), token)
	if err != nil {
		respond.WriteUnauthorized(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := h.reg.Register(id.UserID, id.DeviceID)
	h.reg.Authenticated(s)
	h.log.Info().Str("userId", id.UserID).Str("deviceId", id.DeviceID).Msg("session connected")

	go h.writePump(conn, s)

	s.Send(&wire.WelcomeMsg{
		Type:                wire.TypeWelcome,
		UserID:              id.UserID,
		DeviceID:            id.DeviceID,
		ServerTime:          time.Now().UTC(),
		PingIntervalSeconds: int(h.pingInterval / time.Second),
	})

	h.readPump(conn, s)

	h.reg.Disconnect(s)
	_ = conn.Close()
	h.log.Info().Str("userId", id.UserID).Str("deviceId", id.DeviceID).Msg("session disconnected")
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// readPump consumes frames until the connection drops or a protocol error
// occurs. Handlers run inline: per-connection requests are processed in
// arrival order, which the offline-queue drain on the client depends on.
func (h *SyncHandler) readPump(conn *websocket.Conn, s *registry.Session) {
	readWait := 2*h.pingInterval + h.writeTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		s.Touch()
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.Touch()
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		msg, err := wire.Decode(data)
		if err != nil {
			h.log.Warn().Err(err).Str("userId", s.UserID).Str("deviceId", s.DeviceID).
				Msg("protocol error, closing session")
			return
		}

		switch m := msg.(type) {
		case *wire.PingMsg:
			s.Send(&wire.PongMsg{Type: wire.TypePong})
		case *wire.SyncEventMsg:
			h.handleSubmit(ctx, s, m)
		case *wire.SyncReconnectMsg:
			h.handleReconnect(ctx, s, m)
		case *wire.ConflictResolutionMsg:
			h.handleResolution(ctx, s, m)
		default:
			h.log.Warn().Str("userId", s.UserID).Str("deviceId", s.DeviceID).
				Msgf("unexpected %T from client, closing session", msg)
			return
		}
	}
}

func (h *SyncHandler) handleSubmit(ctx context.Context, s *registry.Session, m *wire.SyncEventMsg) {
	if m.Event == nil {
		s.Send(&wire.SyncResponseMsg{Type: wire.TypeSyncResponse, Success: false, Error: "sync_event carried no event"})
		return
	}
	ev := m.Event
	// The session identity is authoritative; clients cannot write on
	// behalf of another user or device.
	ev.OriginUserID = s.UserID
	ev.OriginDeviceID = s.DeviceID

	outcome, err := h.orch.Submit(ctx, ev)
	if err != nil {
		h.log.Error().Stack().Err(err).Str("eventId", ev.ID).Msg("submit failed")
		s.Send(&wire.SyncResponseMsg{
			Type: wire.TypeSyncResponse, EventID: ev.ID,
			Success: false, Error: "temporarily unavailable, retry later", Retry: true,
		})
		return
	}
	s.Send(responseFor(outcome))
}

func (h *SyncHandler) handleReconnect(ctx context.Context, s *registry.Session, m *wire.SyncReconnectMsg) {
	events, err := h.orch.Reconnect(ctx, s.UserID, s.DeviceID, m.LastSync)
	if err != nil {
		h.log.Error().Stack().Err(err).Str("userId", s.UserID).Msg("replay failed")
		h.reg.Disconnect(s)
		return
	}
	for _, ae := range events {
		ev := ae.Event
		ok := s.SendWait(&wire.SyncReplayMsg{
			Type:       wire.TypeSyncReplay,
			Event:      &ev,
			AcceptedAt: ae.AcceptedAt,
		})
		if !ok {
			return
		}
	}
	s.SendWait(&wire.SyncReplayDoneMsg{Type: wire.TypeSyncReplayDone, Count: len(events)})
	h.reg.BeginStreaming(s)
	h.log.Debug().Str("userId", s.UserID).Str("deviceId", s.DeviceID).
		Int("replayed", len(events)).Time("since", m.LastSync).Msg("replay complete")
}

func (h *SyncHandler) handleResolution(ctx context.Context, s *registry.Session, m *wire.ConflictResolutionMsg) {
	if m.Event != nil {
		m.Event.OriginUserID = s.UserID
		m.Event.OriginDeviceID = s.DeviceID
	}
	outcome, err := h.orch.ResolveConflict(ctx, m.ConflictID, m.Choice, m.Event)
	if err != nil {
		h.log.Error().Stack().Err(err).Str("conflictId", m.ConflictID).Msg("conflict resolution failed")
		s.Send(&wire.SyncResponseMsg{
			Type: wire.TypeSyncResponse,
			Success: false, Error: "temporarily unavailable, retry later", Retry: true,
		})
		return
	}
	s.Send(responseFor(outcome))
}

func responseFor(outcome *synccore.SyncOutcome) *wire.SyncResponseMsg {
	resp := &wire.SyncResponseMsg{Type: wire.TypeSyncResponse, EventID: outcome.EventID}
	switch outcome.Status {
	case synccore.StatusApplied:
		resp.Success = true
		resp.Snapshot = outcome.Snapshot
	case synccore.StatusConflictPending:
		resp.Conflict = outcome.Conflict
	default:
		resp.Error = outcome.Reason
	}
	return resp
}

// writePump is the sole writer on the connection. It drains the session's
// outbound channel, sends keepalive pings, and persists the replay cursor
// after each event frame reaches the wire.
func (h *SyncHandler) writePump(conn *websocket.Conn, s *registry.Session) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.Out():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			data, err := wire.Encode(msg)
			if err != nil {
				h.log.Error().Err(err).Msg("encoding outbound frame failed")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.reg.Disconnect(s)
				return
			}
			h.markDelivered(s, msg)

		case <-ticker.C:
			deadline := time.Now().Add(h.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.reg.Disconnect(s)
				return
			}

		case <-s.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return
		}
	}
}

func (h *SyncHandler) markDelivered(s *registry.Session, msg interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	switch m := msg.(type) {
	case *wire.SyncEventMsg:
		if m.AcceptedAt != nil {
			h.reg.MarkDelivered(ctx, s, *m.AcceptedAt)
		}
	case *wire.SyncReplayMsg:
		h.reg.MarkDelivered(ctx, s, m.AcceptedAt)
	}
}
