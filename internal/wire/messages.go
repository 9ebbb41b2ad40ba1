// Package wire defines the JSON messages exchanged over a sync WebSocket.
// Every frame is a single JSON object carrying a "type" discriminator; the
// set of types is closed and unknown types are a protocol error.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/SavageHobbies/Aether-2/internal/model"
)

// MessageType discriminates the frames of the sync protocol.
type MessageType string

const (
	// Client to server.
	TypeSyncEvent          MessageType = "sync_event"
	TypeSyncReconnect      MessageType = "sync_reconnect"
	TypeConflictResolution MessageType = "conflict_resolution"
	TypePing               MessageType = "ping"

	// Server to client.
	TypeSyncResponse   MessageType = "sync_response"
	TypeSyncReplay     MessageType = "sync_replay"
	TypeSyncReplayDone MessageType = "sync_replay_done"
	TypeSyncConflict   MessageType = "sync_conflict"
	TypeWelcome        MessageType = "welcome"
	TypePong           MessageType = "pong"
)

// SyncEventMsg carries one change event. Client to server it is a submit;
// server to client it is live fan-out, with AcceptedAt set so the receiver
// can advance its replay cursor.
type SyncEventMsg struct {
	Type       MessageType        `json:"type"`
	Event      *model.ChangeEvent `json:"event"`
	AcceptedAt *time.Time         `json:"acceptedAt,omitempty"`
}

// SyncResponseMsg acknowledges one submitted event. Exactly one response is
// sent per sync_event, keyed by the event id.
type SyncResponseMsg struct {
	Type     MessageType           `json:"type"`
	EventID  string                `json:"eventId"`
	Success  bool                  `json:"success"`
	Snapshot *model.EntitySnapshot `json:"snapshot,omitempty"`
	Conflict *model.ConflictInfo   `json:"conflict,omitempty"`
	Error    string                `json:"error,omitempty"`
	// Retry distinguishes a transient server failure (keep the event
	// queued and retry) from a terminal rejection (drop it).
	Retry bool `json:"retry,omitempty"`
}

// SyncReconnectMsg asks the server to replay everything accepted after
// LastSync. A zero LastSync replays the user's full history.
type SyncReconnectMsg struct {
	Type     MessageType `json:"type"`
	LastSync time.Time   `json:"lastSyncTimestamp"`
}

// SyncReplayMsg carries one historical event during replay, in acceptance
// order. AcceptedAt is the replay cursor value for this event.
type SyncReplayMsg struct {
	Type       MessageType        `json:"type"`
	Event      *model.ChangeEvent `json:"event"`
	AcceptedAt time.Time          `json:"acceptedAt"`
}

// SyncReplayDoneMsg marks the end of a replay. Count is the number of
// events that were replayed.
type SyncReplayDoneMsg struct {
	Type  MessageType `json:"type"`
	Count int         `json:"count"`
}

// ConflictResolutionMsg is the user's decision on a pending conflict.
// Choice is "local", "remote", or "event"; Event is required for "event"
// and ignored otherwise.
type ConflictResolutionMsg struct {
	Type       MessageType        `json:"type"`
	ConflictID string             `json:"conflictId"`
	Choice     string             `json:"choice"`
	Event      *model.ChangeEvent `json:"event,omitempty"`
}

// SyncConflictMsg notifies a session that a conflict is awaiting a user
// decision.
type SyncConflictMsg struct {
	Type     MessageType         `json:"type"`
	Conflict *model.ConflictInfo `json:"conflict"`
}

// WelcomeMsg is the first frame the server sends after a successful
// upgrade. PingIntervalSeconds tells the client how often to expect
// keepalives.
type WelcomeMsg struct {
	Type                MessageType `json:"type"`
	UserID              string      `json:"userId"`
	DeviceID            string      `json:"deviceId"`
	ServerTime          time.Time   `json:"serverTime"`
	PingIntervalSeconds int         `json:"pingIntervalSeconds"`
}

// PingMsg and PongMsg are application-level keepalives, in addition to the
// WebSocket control frames.
type PingMsg struct {
	Type MessageType `json:"type"`
}

type PongMsg struct {
	Type MessageType `json:"type"`
}

type envelope struct {
	Type MessageType `json:"type"`
}

// Decode parses one frame into its typed message. The returned value is a
// pointer to one of the message structs above.
func Decode(data []byte) (interface{}, error) {
	var head envelope
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var msg interface{}
	switch head.Type {
	case TypeSyncEvent:
		msg = &SyncEventMsg{}
	case TypeSyncResponse:
		msg = &SyncResponseMsg{}
	case TypeSyncReconnect:
		msg = &SyncReconnectMsg{}
	case TypeSyncReplay:
		msg = &SyncReplayMsg{}
	case TypeSyncReplayDone:
		msg = &SyncReplayDoneMsg{}
	case TypeConflictResolution:
		msg = &ConflictResolutionMsg{}
	case TypeSyncConflict:
		msg = &SyncConflictMsg{}
	case TypeWelcome:
		msg = &WelcomeMsg{}
	case TypePing:
		msg = &PingMsg{}
	case TypePong:
		msg = &PongMsg{}
	default:
		return nil, fmt.Errorf("unknown message type %q", head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return msg, nil
}

// Encode serializes one message struct to a frame.
func Encode(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
