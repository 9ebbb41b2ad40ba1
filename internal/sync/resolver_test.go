package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SavageHobbies/Aether-2/internal/model"
)

func conflictInfo(evTime, snapTime time.Time, evDevice, snapDevice string) *model.ConflictInfo {
	ev := testEvent(model.ActionUpdate, 2, map[string]interface{}{"title": "mine", "tags": "x"})
	ev.Timestamp = evTime
	ev.OriginDeviceID = evDevice
	snap := testSnapshot(4)
	snap.LastModified = snapTime
	snap.LastModifiedDevice = snapDevice
	return &model.ConflictInfo{
		ConflictID:     "c-1",
		EntityType:     ev.EntityType,
		EntityID:       ev.EntityID,
		LocalEvent:     ev,
		ServerSnapshot: snap,
		DetectedAt:     time.Now().UTC(),
	}
}

func TestLastWriteWinsNewerLocalWins(t *testing.T) {
	now := time.Now().UTC()
	info := conflictInfo(now, now.Add(-time.Second), "device-a", "device-b")

	out := Resolve(info, StrategyLastWriteWins, nil)
	require.False(t, out.Pending)
	require.False(t, out.Discarded)
	require.NotNil(t, out.Apply)
	require.EqualValues(t, 4, out.Apply.BaseVersion, "winner is rebased onto the current version")
}

func TestLastWriteWinsOlderLocalDiscarded(t *testing.T) {
	now := time.Now().UTC()
	info := conflictInfo(now.Add(-time.Second), now, "device-a", "device-b")

	out := Resolve(info, StrategyLastWriteWins, nil)
	require.True(t, out.Discarded)
	require.Nil(t, out.Apply)
}

func TestLastWriteWinsTieBreaksOnDeviceID(t *testing.T) {
	now := time.Now().UTC()

	// Greater device id wins on identical timestamps.
	info := conflictInfo(now, now, "device-b", "device-a")
	require.NotNil(t, Resolve(info, StrategyLastWriteWins, nil).Apply)

	info = conflictInfo(now, now, "device-a", "device-b")
	require.True(t, Resolve(info, StrategyLastWriteWins, nil).Discarded)
}

func TestLastWriteWinsIsDeterministic(t *testing.T) {
	now := time.Now().UTC()
	first := Resolve(conflictInfo(now, now, "device-b", "device-a"), StrategyLastWriteWins, nil)
	for i := 0; i < 10; i++ {
		again := Resolve(conflictInfo(now, now, "device-b", "device-a"), StrategyLastWriteWins, nil)
		require.Equal(t, first.Discarded, again.Discarded)
		require.Equal(t, first.Apply != nil, again.Apply != nil)
	}
}

func TestMergeKeepsNonOverlappingFields(t *testing.T) {
	now := time.Now().UTC()
	// Local is older, so overlapping "title" goes to the server; the
	// non-overlapping "tags" survives.
	info := conflictInfo(now.Add(-time.Second), now, "device-a", "device-b")

	out := Resolve(info, StrategyMerge, map[string]bool{"title": true})
	require.NotNil(t, out.Apply)
	require.NotContains(t, out.Apply.Payload, "title")
	require.Contains(t, out.Apply.Payload, "tags")
	require.NotEqual(t, info.LocalEvent.ID, out.Apply.ID, "merged event is a new event")
	require.EqualValues(t, 4, out.Apply.BaseVersion)
}

func TestMergeNewerLocalKeepsOverlaps(t *testing.T) {
	now := time.Now().UTC()
	info := conflictInfo(now, now.Add(-time.Second), "device-a", "device-b")

	out := Resolve(info, StrategyMerge, map[string]bool{"title": true})
	require.NotNil(t, out.Apply)
	require.Contains(t, out.Apply.Payload, "title")
	require.Contains(t, out.Apply.Payload, "tags")
}

func TestMergeDiscardsWhenNothingSurvives(t *testing.T) {
	now := time.Now().UTC()
	info := conflictInfo(now.Add(-time.Second), now, "device-a", "device-b")
	info.LocalEvent.Payload = map[string]interface{}{"title": "mine"}

	out := Resolve(info, StrategyMerge, map[string]bool{"title": true})
	require.True(t, out.Discarded)
}

func TestMergeNeverAppliesToDelete(t *testing.T) {
	now := time.Now().UTC()
	info := conflictInfo(now, now.Add(-time.Second), "device-a", "device-b")
	info.LocalEvent.Action = model.ActionDelete
	info.LocalEvent.Payload = nil

	out := Resolve(info, StrategyMerge, nil)
	// Falls back to last-write-wins: the newer delete wins whole.
	require.NotNil(t, out.Apply)
	require.Equal(t, model.ActionDelete, out.Apply.Action)
}

func TestUserChoiceGoesPending(t *testing.T) {
	now := time.Now().UTC()
	out := Resolve(conflictInfo(now, now, "device-a", "device-b"), StrategyUserChoice, nil)
	require.True(t, out.Pending)
}

func TestStrategyForPolicy(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now().UTC()

	update := conflictInfo(now, now, "device-a", "device-b")
	require.Equal(t, StrategyMerge, p.StrategyFor(update))

	ideaDelete := conflictInfo(now, now, "device-a", "device-b")
	ideaDelete.LocalEvent.Action = model.ActionDelete
	require.Equal(t, StrategyLastWriteWins, p.StrategyFor(ideaDelete))

	taskDelete := conflictInfo(now, now, "device-a", "device-b")
	taskDelete.EntityType = model.EntityTask
	taskDelete.LocalEvent.Action = model.ActionDelete
	require.Equal(t, StrategyUserChoice, p.StrategyFor(taskDelete))
}
