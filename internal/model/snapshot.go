package model

import "time"

// EntitySnapshot is the server-authoritative current state of one entity.
// Version increases by exactly one on every accepted change; a delete keeps
// the row as a tombstone (Deleted true, Data nil) so replay and conflict
// detection still see the version history.
type EntitySnapshot struct {
	EntityType         EntityType             `json:"entityType"`
	EntityID           string                 `json:"entityId"`
	Version            int64                  `json:"version"`
	Data               map[string]interface{} `json:"data,omitempty"`
	Deleted            bool                   `json:"deleted,omitempty"`
	LastModified       time.Time              `json:"lastModified"`
	LastModifiedBy     string                 `json:"lastModifiedBy"`
	LastModifiedDevice string                 `json:"lastModifiedDevice"`
}

// Clone returns a copy with its own Data map.
func (s *EntitySnapshot) Clone() *EntitySnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Data != nil {
		cp.Data = make(map[string]interface{}, len(s.Data))
		for k, v := range s.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// Apply produces the snapshot that results from accepting ev against s.
// s may be nil for a first write. The result carries version+1 and the
// event's timestamp and origin.
func (s *EntitySnapshot) Apply(ev *ChangeEvent) *EntitySnapshot {
	next := &EntitySnapshot{
		EntityType:         ev.EntityType,
		EntityID:           ev.EntityID,
		Version:            1,
		LastModified:       ev.Timestamp,
		LastModifiedBy:     ev.OriginUserID,
		LastModifiedDevice: ev.OriginDeviceID,
	}
	if s != nil {
		next.Version = s.Version + 1
	}
	switch ev.Action {
	case ActionDelete:
		next.Deleted = true
		return next
	case ActionCreate:
		next.Data = make(map[string]interface{}, len(ev.Payload))
		for k, v := range ev.Payload {
			next.Data[k] = v
		}
		return next
	default: // update overlays payload fields onto the prior data
		next.Data = make(map[string]interface{})
		if s != nil && !s.Deleted {
			for k, v := range s.Data {
				next.Data[k] = v
			}
		}
		for k, v := range ev.Payload {
			next.Data[k] = v
		}
		return next
	}
}

// ConflictInfo describes a detected write conflict: the incoming event that
// lost the race and the authoritative snapshot it collided with.
type ConflictInfo struct {
	ConflictID     string          `json:"conflictId"`
	EntityType     EntityType      `json:"entityType"`
	EntityID       string          `json:"entityId"`
	LocalEvent     *ChangeEvent    `json:"localEvent"`
	ServerSnapshot *EntitySnapshot `json:"serverSnapshot"`
	DetectedAt     time.Time       `json:"detectedAt"`
}
