// Package memory provides an in-memory Storage implementation used by unit
// tests and local experiments. It mirrors the semantics of the durable
// adapters, including compare-and-swap snapshot writes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SavageHobbies/Aether-2/internal/model"
	"github.com/SavageHobbies/Aether-2/internal/storage"
)

type entityKey struct {
	typ model.EntityType
	id  string
}

type sessionKey struct {
	user   string
	device string
}

// Store is an in-memory storage.Storage.
type Store struct {
	mu        sync.RWMutex
	snapshots map[entityKey]*model.EntitySnapshot
	accepted  []*storage.AcceptedEvent
	processed map[string]*storage.ProcessedOutcome
	conflicts map[string]*model.ConflictInfo
	cursors   map[sessionKey]time.Time
	nextSeq   int64
	closed    bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		snapshots: make(map[entityKey]*model.EntitySnapshot),
		processed: make(map[string]*storage.ProcessedOutcome),
		conflicts: make(map[string]*model.ConflictInfo),
		cursors:   make(map[sessionKey]time.Time),
	}
}

var _ storage.Storage = (*Store)(nil)

func (s *Store) LoadSnapshot(_ context.Context, entityType model.EntityType, entityID string) (*model.EntitySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[entityKey{entityType, entityID}]
	if !ok {
		return nil, nil
	}
	return snap.Clone(), nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap *model.EntitySnapshot, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey{snap.EntityType, snap.EntityID}
	current, ok := s.snapshots[key]
	if !ok {
		if expectedVersion != 0 {
			return storage.ErrVersionMismatch
		}
	} else if current.Version != expectedVersion {
		return storage.ErrVersionMismatch
	}
	s.snapshots[key] = snap.Clone()
	return nil
}

func (s *Store) AppendAccepted(_ context.Context, ev *storage.AcceptedEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accepted {
		if existing.Event.ID == ev.Event.ID {
			return 0, storage.ErrDuplicateEvent
		}
	}
	s.nextSeq++
	cp := *ev
	cp.Seq = s.nextSeq
	cp.Event = *ev.Event.Clone()
	s.accepted = append(s.accepted, &cp)
	return cp.Seq, nil
}

func (s *Store) ListAcceptedSince(_ context.Context, userID string, since time.Time) ([]*storage.AcceptedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.AcceptedEvent
	for _, ev := range s.accepted {
		if ev.UserID == userID && ev.AcceptedAt.After(since) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) ListEntityEventsSince(_ context.Context, entityType model.EntityType, entityID string, sinceVersion int64) ([]*storage.AcceptedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.AcceptedEvent
	for _, ev := range s.accepted {
		if ev.Event.EntityType == entityType && ev.Event.EntityID == entityID && ev.ResultingVersion > sinceVersion {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResultingVersion < out[j].ResultingVersion })
	return out, nil
}

func (s *Store) GetProcessed(_ context.Context, eventID string) (*storage.ProcessedOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	po, ok := s.processed[eventID]
	if !ok {
		return nil, nil
	}
	cp := *po
	return &cp, nil
}

func (s *Store) RecordProcessed(_ context.Context, outcome *storage.ProcessedOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *outcome
	cp.Snapshot = outcome.Snapshot.Clone()
	s.processed[outcome.EventID] = &cp
	return nil
}

func (s *Store) PutConflict(_ context.Context, info *model.ConflictInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[info.ConflictID] = info
	return nil
}

func (s *Store) GetConflict(_ context.Context, conflictID string) (*model.ConflictInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.conflicts[conflictID]
	if !ok {
		return nil, nil
	}
	return info, nil
}

func (s *Store) DeleteConflict(_ context.Context, conflictID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conflicts, conflictID)
	return nil
}

func (s *Store) CountConflicts(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conflicts), nil
}

func (s *Store) SaveSessionCursor(_ context.Context, userID, deviceID string, lastSync time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[sessionKey{userID, deviceID}] = lastSync
	return nil
}

func (s *Store) LoadSessionCursor(_ context.Context, userID, deviceID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[sessionKey{userID, deviceID}], nil
}

func (s *Store) HealthCheck(context.Context) error { return nil }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
