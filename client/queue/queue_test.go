package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/SavageHobbies/Aether-2/internal/model"
)

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, path
}

func queuedEvent(title string) *model.ChangeEvent {
	return &model.ChangeEvent{
		ID:             uuid.New().String(),
		EntityType:     model.EntityTask,
		EntityID:       "task-1",
		Action:         model.ActionCreate,
		Payload:        map[string]interface{}{"title": title},
		Timestamp:      time.Now().UTC(),
		OriginUserID:   "user-1",
		OriginDeviceID: "device-a",
	}
}

func TestQueueIsFIFO(t *testing.T) {
	q, _ := openTestQueue(t)

	first, err := q.Append(queuedEvent("one"))
	require.NoError(t, err)
	_, err = q.Append(queuedEvent("two"))
	require.NoError(t, err)

	head, err := q.Peek()
	require.NoError(t, err)
	require.Equal(t, first, head.Seq)
	require.Equal(t, "one", head.Event.Payload["title"])

	require.NoError(t, q.Ack(first))
	head, err = q.Peek()
	require.NoError(t, err)
	require.Equal(t, "two", head.Event.Payload["title"])
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)

	seq, err := q.Append(queuedEvent("persisted"))
	require.NoError(t, err)
	require.NoError(t, q.IncrementAttempts(seq))
	require.NoError(t, q.SetLastSync(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, q.Close())

	q, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	head, err := q.Peek()
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, "persisted", head.Event.Payload["title"])
	require.Equal(t, 1, head.Attempts)

	ts, err := q.LastSync()
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), ts)
}

func TestGetBySeq(t *testing.T) {
	q, _ := openTestQueue(t)

	seq, err := q.Append(queuedEvent("target"))
	require.NoError(t, err)
	require.NoError(t, q.IncrementAttempts(seq))

	entry, err := q.Get(seq)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "target", entry.Event.Payload["title"])
	require.Equal(t, 1, entry.Attempts)

	missing, err := q.Get(seq + 100)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestQueueLenAndEmptyPeek(t *testing.T) {
	q, _ := openTestQueue(t)

	head, err := q.Peek()
	require.NoError(t, err)
	require.Nil(t, head)

	_, err = q.Append(queuedEvent("x"))
	require.NoError(t, err)
	n, err := q.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLastSyncNeverMovesBackwards(t *testing.T) {
	q, _ := openTestQueue(t)

	later := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	require.NoError(t, q.SetLastSync(later))
	require.NoError(t, q.SetLastSync(earlier))

	ts, err := q.LastSync()
	require.NoError(t, err)
	require.Equal(t, later, ts)
}

func TestAckUnknownSeqIsNoop(t *testing.T) {
	q, _ := openTestQueue(t)
	require.NoError(t, q.Ack(42))
}
