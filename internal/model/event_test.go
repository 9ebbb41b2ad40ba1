package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func validEvent() *ChangeEvent {
	return &ChangeEvent{
		ID:             uuid.New().String(),
		EntityType:     EntityTask,
		EntityID:       "task-1",
		Action:         ActionCreate,
		Payload:        map[string]interface{}{"title": "buy milk"},
		BaseVersion:    0,
		Timestamp:      time.Now().UTC(),
		OriginUserID:   "user-1",
		OriginDeviceID: "device-a",
	}
}

func TestValidateRejectsMalformedEvents(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name   string
		mutate func(*ChangeEvent)
		field  string
	}{
		{"missing id", func(e *ChangeEvent) { e.ID = "" }, "id"},
		{"non-uuid id", func(e *ChangeEvent) { e.ID = "not-a-uuid" }, "id"},
		{"unknown entity type", func(e *ChangeEvent) { e.EntityType = "widget" }, "entityType"},
		{"missing entity id", func(e *ChangeEvent) { e.EntityID = "" }, "entityId"},
		{"unknown action", func(e *ChangeEvent) { e.Action = "upsert" }, "action"},
		{"create without payload", func(e *ChangeEvent) { e.Payload = nil }, "payload"},
		{"delete with payload", func(e *ChangeEvent) {
			e.Action = ActionDelete
		}, "payload"},
		{"zero timestamp", func(e *ChangeEvent) { e.Timestamp = time.Time{} }, "timestamp"},
		{"far-future timestamp", func(e *ChangeEvent) {
			e.Timestamp = now.Add(MaxClockSkew + time.Minute)
		}, "timestamp"},
		{"negative base version", func(e *ChangeEvent) { e.BaseVersion = -1 }, "baseVersion"},
		{"missing user", func(e *ChangeEvent) { e.OriginUserID = "" }, "originUserId"},
		{"missing device", func(e *ChangeEvent) { e.OriginDeviceID = "" }, "originDeviceId"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mutate(ev)
			err := ev.Validate(now)
			require.Error(t, err)
			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateAcceptsWellFormedEvent(t *testing.T) {
	now := time.Now().UTC()
	require.NoError(t, validEvent().Validate(now))

	del := validEvent()
	del.Action = ActionDelete
	del.Payload = nil
	require.NoError(t, del.Validate(now))

	// Skew within the allowed bound is fine.
	skewed := validEvent()
	skewed.Timestamp = now.Add(MaxClockSkew - time.Second)
	require.NoError(t, skewed.Validate(now))
}

func TestTouchedFields(t *testing.T) {
	ev := validEvent()
	ev.Action = ActionUpdate
	ev.Payload = map[string]interface{}{"title": "x", "done": true}
	fields, whole := ev.TouchedFields()
	require.False(t, whole)
	require.Equal(t, map[string]bool{"title": true, "done": true}, fields)

	del := validEvent()
	del.Action = ActionDelete
	del.Payload = nil
	_, whole = del.TouchedFields()
	require.True(t, whole)
}

func TestSnapshotApply(t *testing.T) {
	create := validEvent()
	var snap *EntitySnapshot
	next := snap.Apply(create)
	require.EqualValues(t, 1, next.Version)
	require.Equal(t, "buy milk", next.Data["title"])
	require.Equal(t, "device-a", next.LastModifiedDevice)

	update := validEvent()
	update.Action = ActionUpdate
	update.Payload = map[string]interface{}{"done": true}
	next2 := next.Apply(update)
	require.EqualValues(t, 2, next2.Version)
	require.Equal(t, "buy milk", next2.Data["title"], "update overlays, keeps untouched fields")
	require.Equal(t, true, next2.Data["done"])
	// Applying never mutates the prior snapshot.
	require.NotContains(t, next.Data, "done")

	del := validEvent()
	del.Action = ActionDelete
	del.Payload = nil
	tomb := next2.Apply(del)
	require.EqualValues(t, 3, tomb.Version)
	require.True(t, tomb.Deleted)
	require.Nil(t, tomb.Data)

	// Create over a tombstone starts from the payload alone.
	recreate := validEvent()
	revived := tomb.Apply(recreate)
	require.EqualValues(t, 4, revived.Version)
	require.False(t, revived.Deleted)
	require.Equal(t, "buy milk", revived.Data["title"])
}
