package sync

import (
	"time"

	"github.com/google/uuid"

	"github.com/SavageHobbies/Aether-2/internal/model"
)

// Decision is the result of conflict detection for one incoming event.
type Decision struct {
	Conflict bool
	Info     *model.ConflictInfo
}

// ChangedFieldsFunc reports which entity fields the server has changed in
// versions strictly greater than sinceVersion. whole is true when one of
// those versions was a delete (the whole entity was touched).
type ChangedFieldsFunc func(sinceVersion int64) (fields map[string]bool, whole bool, err error)

// Detect compares an incoming event against the entity's current snapshot.
//
// No snapshot yet means a first write and never conflicts. A base version
// equal to the current version means the client had the latest state. A
// lower base version is a conflict only when the fields the event touches
// intersect the fields changed on the server since that base version;
// disjoint changes are left for a field-level merge at apply time. Deletes
// on either side always count as touching everything. A base version above
// the current one should not happen and is treated as a conflict
// defensively.
func Detect(ev *model.ChangeEvent, snap *model.EntitySnapshot, changedSince ChangedFieldsFunc, now time.Time) (Decision, error) {
	if snap == nil {
		return Decision{}, nil
	}
	if ev.BaseVersion == snap.Version {
		return Decision{}, nil
	}
	if ev.BaseVersion > snap.Version {
		return conflict(ev, snap, now), nil
	}

	evFields, evWhole := ev.TouchedFields()
	serverFields, serverWhole, err := changedSince(ev.BaseVersion)
	if err != nil {
		return Decision{}, err
	}
	if evWhole || serverWhole {
		return conflict(ev, snap, now), nil
	}
	for f := range evFields {
		if serverFields[f] {
			return conflict(ev, snap, now), nil
		}
	}
	// Disjoint field sets: safe to merge at apply time.
	return Decision{}, nil
}

func conflict(ev *model.ChangeEvent, snap *model.EntitySnapshot, now time.Time) Decision {
	return Decision{
		Conflict: true,
		Info: &model.ConflictInfo{
			ConflictID:     uuid.New().String(),
			EntityType:     ev.EntityType,
			EntityID:       ev.EntityID,
			LocalEvent:     ev.Clone(),
			ServerSnapshot: snap.Clone(),
			DetectedAt:     now,
		},
	}
}

// ChangedFieldsFromEvents folds a slice of accepted events into the
// (fields, whole) shape Detect consumes.
func ChangedFieldsFromEvents(events []*model.ChangeEvent) (map[string]bool, bool) {
	fields := make(map[string]bool)
	for _, ev := range events {
		f, whole := ev.TouchedFields()
		if whole {
			return nil, true
		}
		for k := range f {
			fields[k] = true
		}
	}
	return fields, false
}
