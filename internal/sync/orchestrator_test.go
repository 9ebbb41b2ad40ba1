package sync

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/SavageHobbies/Aether-2/internal/model"
	"github.com/SavageHobbies/Aether-2/internal/storage/memory"
)

type captureBroadcaster struct {
	applied   []*model.ChangeEvent
	conflicts []*model.ConflictInfo
}

func (c *captureBroadcaster) BroadcastApplied(_ string, ev *model.ChangeEvent, _ time.Time, _ string) {
	c.applied = append(c.applied, ev)
}

func (c *captureBroadcaster) BroadcastConflict(_ string, info *model.ConflictInfo) {
	c.conflicts = append(c.conflicts, info)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memory.Store, *captureBroadcaster) {
	t.Helper()
	store := memory.New()
	bcast := &captureBroadcaster{}
	orch := New(store, DefaultPolicy(), bcast, nil, Config{
		MaxPersistAttempts: 2,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
	}, zerolog.Nop())
	return orch, store, bcast
}

func submitEvent(entityType model.EntityType, entityID string, action model.Action, payload map[string]interface{}, baseVersion int64, device string) *model.ChangeEvent {
	return &model.ChangeEvent{
		ID:             uuid.New().String(),
		EntityType:     entityType,
		EntityID:       entityID,
		Action:         action,
		Payload:        payload,
		BaseVersion:    baseVersion,
		Timestamp:      time.Now().UTC(),
		OriginUserID:   "user-1",
		OriginDeviceID: device,
	}
}

func TestSubmitCreateThenUpdate(t *testing.T) {
	orch, _, bcast := newTestOrchestrator(t)
	ctx := context.Background()

	create := submitEvent(model.EntityIdea, "idea-1", model.ActionCreate,
		map[string]interface{}{"title": "first"}, 0, "device-a")
	out, err := orch.Submit(ctx, create)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, out.Status)
	require.EqualValues(t, 1, out.Snapshot.Version)

	update := submitEvent(model.EntityIdea, "idea-1", model.ActionUpdate,
		map[string]interface{}{"body": "text"}, 1, "device-a")
	out, err = orch.Submit(ctx, update)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, out.Status)
	require.EqualValues(t, 2, out.Snapshot.Version)
	require.Equal(t, "first", out.Snapshot.Data["title"])
	require.Equal(t, "text", out.Snapshot.Data["body"])

	require.Len(t, bcast.applied, 2)
}

func TestSubmitIsIdempotentPerEventID(t *testing.T) {
	orch, _, bcast := newTestOrchestrator(t)
	ctx := context.Background()

	ev := submitEvent(model.EntityTask, "task-1", model.ActionCreate,
		map[string]interface{}{"title": "once"}, 0, "device-a")

	first, err := orch.Submit(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, first.Status)

	// Same id again, e.g. redelivered after a dropped ack.
	again, err := orch.Submit(ctx, ev.Clone())
	require.NoError(t, err)
	require.Equal(t, StatusApplied, again.Status)
	require.EqualValues(t, 1, again.Snapshot.Version, "no second apply")
	require.Len(t, bcast.applied, 1, "duplicates are not rebroadcast")
}

func TestSubmitRejectsInvalidEvent(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	ev := submitEvent(model.EntityTask, "task-1", model.ActionCreate, nil, 0, "device-a")
	out, err := orch.Submit(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)
	require.Contains(t, out.Reason, "payload")
}

func TestSubmitRejectsUpdateOfMissingEntity(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)

	ev := submitEvent(model.EntityTask, "ghost", model.ActionUpdate,
		map[string]interface{}{"title": "x"}, 3, "device-a")
	out, err := orch.Submit(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)
	require.Contains(t, out.Reason, "does not exist")

	// The rejection is durable: a retry gets the same terminal answer.
	again, err := orch.Submit(context.Background(), ev.Clone())
	require.NoError(t, err)
	require.Equal(t, StatusRejected, again.Status)
}

func TestSubmitDisjointUpdateFromStaleBaseApplies(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	create := submitEvent(model.EntityIdea, "idea-1", model.ActionCreate,
		map[string]interface{}{"title": "t", "body": "b"}, 0, "device-a")
	_, err := orch.Submit(ctx, create)
	require.NoError(t, err)

	// Device B updates the title.
	upB := submitEvent(model.EntityIdea, "idea-1", model.ActionUpdate,
		map[string]interface{}{"title": "from-b"}, 1, "device-b")
	_, err = orch.Submit(ctx, upB)
	require.NoError(t, err)

	// Device A, still on version 1, updates only the body. Disjoint
	// fields: applies without conflict, preserving B's title.
	upA := submitEvent(model.EntityIdea, "idea-1", model.ActionUpdate,
		map[string]interface{}{"body": "from-a"}, 1, "device-a")
	out, err := orch.Submit(ctx, upA)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, out.Status)
	require.EqualValues(t, 3, out.Snapshot.Version)
	require.Equal(t, "from-b", out.Snapshot.Data["title"])
	require.Equal(t, "from-a", out.Snapshot.Data["body"])
}

func TestSubmitOverlappingUpdateMerges(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	create := submitEvent(model.EntityIdea, "idea-1", model.ActionCreate,
		map[string]interface{}{"title": "t", "body": "b"}, 0, "device-a")
	_, err := orch.Submit(ctx, create)
	require.NoError(t, err)

	upB := submitEvent(model.EntityIdea, "idea-1", model.ActionUpdate,
		map[string]interface{}{"title": "from-b"}, 1, "device-b")
	_, err = orch.Submit(ctx, upB)
	require.NoError(t, err)

	// Device A touches the same field from a stale base, with a NEWER
	// timestamp: per-field last-write-wins keeps A's title.
	upA := submitEvent(model.EntityIdea, "idea-1", model.ActionUpdate,
		map[string]interface{}{"title": "from-a", "body": "also-a"}, 1, "device-a")
	upA.Timestamp = time.Now().UTC().Add(time.Second)
	out, err := orch.Submit(ctx, upA)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, out.Status)
	require.Equal(t, "from-a", out.Snapshot.Data["title"])
	require.Equal(t, "also-a", out.Snapshot.Data["body"])
}

func TestSubmitOverlappingUpdateLosesToNewerServerWrite(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	create := submitEvent(model.EntityIdea, "idea-1", model.ActionCreate,
		map[string]interface{}{"title": "t"}, 0, "device-a")
	_, err := orch.Submit(ctx, create)
	require.NoError(t, err)

	upB := submitEvent(model.EntityIdea, "idea-1", model.ActionUpdate,
		map[string]interface{}{"title": "from-b"}, 1, "device-b")
	upB.Timestamp = time.Now().UTC()
	_, err = orch.Submit(ctx, upB)
	require.NoError(t, err)

	// A's stale write to the same field carries an older timestamp and
	// nothing else survives: the submit settles on the server state.
	upA := submitEvent(model.EntityIdea, "idea-1", model.ActionUpdate,
		map[string]interface{}{"title": "from-a"}, 1, "device-a")
	upA.Timestamp = upB.Timestamp.Add(-time.Minute)
	out, err := orch.Submit(ctx, upA)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, out.Status)
	require.Equal(t, "from-b", out.Snapshot.Data["title"])
	require.EqualValues(t, 2, out.Snapshot.Version, "discarded event does not bump the version")
}

func TestTaskDeleteConflictNeedsUserChoice(t *testing.T) {
	orch, store, bcast := newTestOrchestrator(t)
	ctx := context.Background()

	create := submitEvent(model.EntityTask, "task-1", model.ActionCreate,
		map[string]interface{}{"title": "t"}, 0, "device-a")
	_, err := orch.Submit(ctx, create)
	require.NoError(t, err)

	upB := submitEvent(model.EntityTask, "task-1", model.ActionUpdate,
		map[string]interface{}{"title": "newer"}, 1, "device-b")
	_, err = orch.Submit(ctx, upB)
	require.NoError(t, err)

	del := submitEvent(model.EntityTask, "task-1", model.ActionDelete, nil, 1, "device-a")
	out, err := orch.Submit(ctx, del)
	require.NoError(t, err)
	require.Equal(t, StatusConflictPending, out.Status)
	require.NotNil(t, out.Conflict)

	stored, err := store.GetConflict(ctx, out.Conflict.ConflictID)
	require.NoError(t, err)
	require.NotNil(t, stored, "conflict is held durably")
	require.Len(t, bcast.conflicts, 1)

	// Resubmitting the same event returns the same pending conflict.
	again, err := orch.Submit(ctx, del.Clone())
	require.NoError(t, err)
	require.Equal(t, StatusConflictPending, again.Status)
	require.Equal(t, out.Conflict.ConflictID, again.Conflict.ConflictID)

	// The user keeps their delete.
	res, err := orch.ResolveConflict(ctx, out.Conflict.ConflictID, "local", nil)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, res.Status)
	require.True(t, res.Snapshot.Deleted)
	require.EqualValues(t, 3, res.Snapshot.Version)

	gone, err := store.GetConflict(ctx, out.Conflict.ConflictID)
	require.NoError(t, err)
	require.Nil(t, gone, "resolved conflict is cleared")
}

func TestResolveConflictRemoteKeepsServerState(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	create := submitEvent(model.EntityTask, "task-1", model.ActionCreate,
		map[string]interface{}{"title": "t"}, 0, "device-a")
	_, err := orch.Submit(ctx, create)
	require.NoError(t, err)
	upB := submitEvent(model.EntityTask, "task-1", model.ActionUpdate,
		map[string]interface{}{"title": "server"}, 1, "device-b")
	_, err = orch.Submit(ctx, upB)
	require.NoError(t, err)
	del := submitEvent(model.EntityTask, "task-1", model.ActionDelete, nil, 1, "device-a")
	out, err := orch.Submit(ctx, del)
	require.NoError(t, err)
	require.Equal(t, StatusConflictPending, out.Status)

	res, err := orch.ResolveConflict(ctx, out.Conflict.ConflictID, "remote", nil)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, res.Status)
	require.False(t, res.Snapshot.Deleted)
	require.Equal(t, "server", res.Snapshot.Data["title"])

	n, err := store.CountConflicts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestResolveConflictUnknownID(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	out, err := orch.ResolveConflict(context.Background(), "no-such-conflict", "local", nil)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)
}

func TestReconnectReplaysAcceptanceOrder(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	create := submitEvent(model.EntityMemory, "mem-1", model.ActionCreate,
		map[string]interface{}{"note": "0"}, 0, "device-a")
	_, err := orch.Submit(ctx, create)
	require.NoError(t, err)
	ids = append(ids, create.ID)
	for i := 1; i <= 2; i++ {
		time.Sleep(time.Millisecond) // keep acceptance times distinct
		up := submitEvent(model.EntityMemory, "mem-1", model.ActionUpdate,
			map[string]interface{}{"note": "x"}, int64(i), "device-a")
		_, err := orch.Submit(ctx, up)
		require.NoError(t, err)
		ids = append(ids, up.ID)
	}

	events, err := orch.Reconnect(ctx, "user-1", "device-b", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ae := range events {
		require.Equal(t, ids[i], ae.Event.ID)
		require.EqualValues(t, i+1, ae.ResultingVersion)
	}

	// A cursor after the second event replays only the third.
	tail, err := orch.Reconnect(ctx, "user-1", "device-b", events[1].AcceptedAt)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, ids[2], tail[0].Event.ID)
}

func TestReconnectRewindsToServerCursor(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	create := submitEvent(model.EntityMemory, "mem-1", model.ActionCreate,
		map[string]interface{}{"note": "0"}, 0, "device-a")
	_, err := orch.Submit(ctx, create)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	up := submitEvent(model.EntityMemory, "mem-1", model.ActionUpdate,
		map[string]interface{}{"note": "1"}, 1, "device-a")
	_, err = orch.Submit(ctx, up)
	require.NoError(t, err)

	all, err := orch.Reconnect(ctx, "user-1", "device-b", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	// The server last delivered up to the first event; the client claims
	// a timestamp past the second. Replay rewinds to the cursor so the
	// undelivered second event is not skipped.
	require.NoError(t, store.SaveSessionCursor(ctx, "user-1", "device-b", all[0].AcceptedAt))
	events, err := orch.Reconnect(ctx, "user-1", "device-b", all[1].AcceptedAt)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, up.ID, events[0].Event.ID)

	// A cursor ahead of the client's claim never truncates the replay.
	require.NoError(t, store.SaveSessionCursor(ctx, "user-1", "device-b", all[1].AcceptedAt))
	events, err = orch.Reconnect(ctx, "user-1", "device-b", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestStatsCountsOutcomes(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	create := submitEvent(model.EntityTask, "task-1", model.ActionCreate,
		map[string]interface{}{"title": "t"}, 0, "device-a")
	_, err := orch.Submit(ctx, create)
	require.NoError(t, err)

	bad := submitEvent(model.EntityTask, "task-2", model.ActionCreate, nil, 0, "device-a")
	_, err = orch.Submit(ctx, bad)
	require.NoError(t, err)

	st, err := orch.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Applied)
	require.EqualValues(t, 1, st.Rejected)
	require.Zero(t, st.ConflictsPending)
	require.Equal(t, model.KnownEntityTypes(), st.EntityTypes)
}
