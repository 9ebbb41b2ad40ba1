package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/SavageHobbies/Aether-2/internal/auth"
	"github.com/SavageHobbies/Aether-2/internal/config"
	"github.com/SavageHobbies/Aether-2/internal/model"
	"github.com/SavageHobbies/Aether-2/internal/registry"
	"github.com/SavageHobbies/Aether-2/internal/storage/memory"
	synccore "github.com/SavageHobbies/Aether-2/internal/sync"
	"github.com/SavageHobbies/Aether-2/internal/wire"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.NewForTesting()
	log := zerolog.Nop()
	store := memory.New()
	reg := registry.New(registry.Config{SessionBuffer: cfg.SessionBuffer}, store, log)
	orch := synccore.New(store, synccore.DefaultPolicy(), reg, nil, synccore.Config{
		MaxPersistAttempts: cfg.MaxPersistAttempts,
		BaseBackoff:        cfg.PersistBackoff,
		MaxBackoff:         cfg.PersistBackoffMax,
	}, log)

	srv := httptest.NewServer(NewRouter(orch, reg, store, auth.NewDevAuthorizer(), cfg, log))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func recvWS(t *testing.T, conn *websocket.Conn) interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	return msg
}

func sendWS(t *testing.T, conn *websocket.Conn, msg interface{}) {
	t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// handshake consumes the welcome frame and completes replay from since.
func handshake(t *testing.T, conn *websocket.Conn, since time.Time) {
	t.Helper()
	welcome, ok := recvWS(t, conn).(*wire.WelcomeMsg)
	require.True(t, ok)
	require.NotEmpty(t, welcome.UserID)

	sendWS(t, conn, &wire.SyncReconnectMsg{Type: wire.TypeSyncReconnect, LastSync: since})
	for {
		switch recvWS(t, conn).(type) {
		case *wire.SyncReplayMsg:
		case *wire.SyncReplayDoneMsg:
			return
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/health/db")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSRejectsMissingOrBadToken(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, wsResp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer nope"}})
	require.Error(t, err)
	require.NotNil(t, wsResp)
	require.Equal(t, http.StatusUnauthorized, wsResp.StatusCode)
	_ = wsResp.Body.Close()
}

func TestWSSubmitAndFanOut(t *testing.T) {
	srv := newTestServer(t)

	deviceA := dialWS(t, srv, "dev:user-1:device-a")
	deviceB := dialWS(t, srv, "dev:user-1:device-b")
	handshake(t, deviceA, time.Time{})
	handshake(t, deviceB, time.Time{})

	ev := &model.ChangeEvent{
		ID:          uuid.New().String(),
		EntityType:  model.EntityIdea,
		EntityID:    "idea-1",
		Action:      model.ActionCreate,
		Payload:     map[string]interface{}{"title": "hello"},
		BaseVersion: 0,
		Timestamp:   time.Now().UTC(),
		// Origin fields are overwritten by the session identity.
		OriginUserID:   "spoofed",
		OriginDeviceID: "spoofed",
	}
	sendWS(t, deviceA, &wire.SyncEventMsg{Type: wire.TypeSyncEvent, Event: ev})

	resp, ok := recvWS(t, deviceA).(*wire.SyncResponseMsg)
	require.True(t, ok)
	require.True(t, resp.Success)
	require.Equal(t, ev.ID, resp.EventID)
	require.EqualValues(t, 1, resp.Snapshot.Version)

	// Device B receives the fan-out; origin identity was enforced.
	fan, ok := recvWS(t, deviceB).(*wire.SyncEventMsg)
	require.True(t, ok)
	require.Equal(t, ev.ID, fan.Event.ID)
	require.Equal(t, "user-1", fan.Event.OriginUserID)
	require.Equal(t, "device-a", fan.Event.OriginDeviceID)
	require.NotNil(t, fan.AcceptedAt)
}

func TestWSReplayAfterReconnect(t *testing.T) {
	srv := newTestServer(t)

	deviceA := dialWS(t, srv, "dev:user-1:device-a")
	handshake(t, deviceA, time.Time{})

	ev := &model.ChangeEvent{
		ID:          uuid.New().String(),
		EntityType:  model.EntityTask,
		EntityID:    "task-1",
		Action:      model.ActionCreate,
		Payload:     map[string]interface{}{"title": "persisted"},
		Timestamp:   time.Now().UTC(),
		BaseVersion: 0,
	}
	sendWS(t, deviceA, &wire.SyncEventMsg{Type: wire.TypeSyncEvent, Event: ev})
	resp := recvWS(t, deviceA).(*wire.SyncResponseMsg)
	require.True(t, resp.Success)

	// A device that was offline the whole time replays from zero.
	deviceB := dialWS(t, srv, "dev:user-1:device-b")
	welcome, ok := recvWS(t, deviceB).(*wire.WelcomeMsg)
	require.True(t, ok)
	require.Equal(t, "device-b", welcome.DeviceID)

	sendWS(t, deviceB, &wire.SyncReconnectMsg{Type: wire.TypeSyncReconnect})
	replay, ok := recvWS(t, deviceB).(*wire.SyncReplayMsg)
	require.True(t, ok)
	require.Equal(t, ev.ID, replay.Event.ID)

	done, ok := recvWS(t, deviceB).(*wire.SyncReplayDoneMsg)
	require.True(t, ok)
	require.Equal(t, 1, done.Count)
}

func TestWSApplicationPing(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "dev:user-1:device-a")
	handshake(t, conn, time.Time{})

	sendWS(t, conn, &wire.PingMsg{Type: wire.TypePing})
	_, ok := recvWS(t, conn).(*wire.PongMsg)
	require.True(t, ok)
}

func TestWSClosesOnUnknownMessageType(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "dev:user-1:device-a")
	handshake(t, conn, time.Time{})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"sync_telepathy"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // server closed the connection
		}
	}
}
