package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityType identifies which kind of application entity a change event
// mutates. The set is closed; events carrying anything else are rejected
// at the boundary.
type EntityType string

const (
	EntityConversation EntityType = "conversation"
	EntityIdea         EntityType = "idea"
	EntityTask         EntityType = "task"
	EntityMemory       EntityType = "memory"
)

// KnownEntityTypes lists every entity type the sync core accepts.
func KnownEntityTypes() []EntityType {
	return []EntityType{EntityConversation, EntityIdea, EntityTask, EntityMemory}
}

// Known reports whether t is one of the supported entity types.
func (t EntityType) Known() bool {
	switch t {
	case EntityConversation, EntityIdea, EntityTask, EntityMemory:
		return true
	}
	return false
}

// Action is the kind of mutation a change event describes.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a recognised action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// MaxClockSkew bounds how far in the future a client timestamp may lie
// before the event is rejected as implausible.
const MaxClockSkew = 5 * time.Minute

// ChangeEvent is the canonical, immutable record of one mutation to one
// entity. ID doubles as the idempotency key: replays with the same ID are
// no-ops on the server.
type ChangeEvent struct {
	ID             string                 `json:"id"`
	EntityType     EntityType             `json:"entityType"`
	EntityID       string                 `json:"entityId"`
	Action         Action                 `json:"action"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	BaseVersion    int64                  `json:"baseVersion"`
	Timestamp      time.Time              `json:"timestamp"`
	OriginUserID   string                 `json:"originUserId"`
	OriginDeviceID string                 `json:"originDeviceId"`
}

// Validate checks the structural rules from the wire boundary. It returns a
// ValidationError describing the first violation, or nil when the event is
// well-formed. now is the server's current wall-clock time.
func (e *ChangeEvent) Validate(now time.Time) error {
	if e.ID == "" {
		return NewValidationError("id", "event id is required")
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return NewValidationError("id", "event id must be a UUID")
	}
	if !e.EntityType.Known() {
		return NewValidationError("entityType", "unknown entity type: "+string(e.EntityType))
	}
	if e.EntityID == "" {
		return NewValidationError("entityId", "entity id is required")
	}
	if !e.Action.Valid() {
		return NewValidationError("action", "unknown action: "+string(e.Action))
	}
	switch e.Action {
	case ActionCreate, ActionUpdate:
		if len(e.Payload) == 0 {
			return NewValidationError("payload", string(e.Action)+" requires a non-empty payload")
		}
	case ActionDelete:
		if len(e.Payload) != 0 {
			return NewValidationError("payload", "delete must not carry a payload")
		}
	}
	if e.Timestamp.IsZero() {
		return NewValidationError("timestamp", "timestamp is required")
	}
	if e.Timestamp.After(now.Add(MaxClockSkew)) {
		return NewValidationError("timestamp", "timestamp is implausibly far in the future")
	}
	if e.BaseVersion < 0 {
		return NewValidationError("baseVersion", "base version must not be negative")
	}
	if e.OriginUserID == "" {
		return NewValidationError("originUserId", "origin user id is required")
	}
	if e.OriginDeviceID == "" {
		return NewValidationError("originDeviceId", "origin device id is required")
	}
	return nil
}

// TouchedFields returns the set of entity fields the event intends to
// change. A delete touches the whole entity, reported as nil with whole ==
// true.
func (e *ChangeEvent) TouchedFields() (fields map[string]bool, whole bool) {
	if e.Action == ActionDelete {
		return nil, true
	}
	fields = make(map[string]bool, len(e.Payload))
	for k := range e.Payload {
		fields[k] = true
	}
	return fields, false
}

// Clone returns a deep copy of the event. Payload values are copied at the
// map level; nested values are shared, which is safe because events are
// treated as immutable once emitted.
func (e *ChangeEvent) Clone() *ChangeEvent {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
