// Package sqlite implements storage.Storage on a local SQLite file. It is
// the default backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SavageHobbies/Aether-2/internal/model"
	"github.com/SavageHobbies/Aether-2/internal/storage"
)

//go:embed schema.sql
var ddlFile string

// Store implements storage.Storage using the modernc SQLite driver.
type Store struct {
	db *sql.DB
}

var _ storage.Storage = (*Store)(nil)

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db)
}

// NewWithDB wires the store to an existing connection (used by tests).
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.applySchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) applySchema() error {
	for _, stmt := range strings.Split(ddlFile, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, entityType model.EntityType, entityID string) (*model.EntitySnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT Version, Data, Deleted, LastModified, LastModifiedBy, LastModifiedDevice
		 FROM Snapshots WHERE EntityType = ? AND EntityId = ?`, string(entityType), entityID)

	var (
		snap    = model.EntitySnapshot{EntityType: entityType, EntityID: entityID}
		data    sql.NullString
		deleted int
	)
	err := row.Scan(&snap.Version, &data, &deleted, &snap.LastModified, &snap.LastModifiedBy, &snap.LastModifiedDevice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.Deleted = deleted != 0
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &snap.Data); err != nil {
			return nil, fmt.Errorf("decode snapshot data: %w", err)
		}
	}
	return &snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *model.EntitySnapshot, expectedVersion int64) error {
	var data interface{}
	if snap.Data != nil {
		b, err := json.Marshal(snap.Data)
		if err != nil {
			return fmt.Errorf("encode snapshot data: %w", err)
		}
		data = string(b)
	}
	deleted := 0
	if snap.Deleted {
		deleted = 1
	}

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO Snapshots (EntityType, EntityId, Version, Data, Deleted, LastModified, LastModifiedBy, LastModifiedDevice)
			 VALUES (?,?,?,?,?,?,?,?)`,
			string(snap.EntityType), snap.EntityID, snap.Version, data, deleted,
			snap.LastModified.UTC(), snap.LastModifiedBy, snap.LastModifiedDevice)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
				return storage.ErrVersionMismatch
			}
			return err
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE Snapshots
		 SET Version = ?, Data = ?, Deleted = ?, LastModified = ?, LastModifiedBy = ?, LastModifiedDevice = ?
		 WHERE EntityType = ? AND EntityId = ? AND Version = ?`,
		snap.Version, data, deleted, snap.LastModified.UTC(), snap.LastModifiedBy, snap.LastModifiedDevice,
		string(snap.EntityType), snap.EntityID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrVersionMismatch
	}
	return nil
}

func (s *Store) AppendAccepted(ctx context.Context, ev *storage.AcceptedEvent) (int64, error) {
	var payload interface{}
	if ev.Event.Payload != nil {
		b, err := json.Marshal(ev.Event.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO AcceptedEvents (EventId, UserId, EntityType, EntityId, Action, Payload, BaseVersion, ResultingVersion, EventTimestamp, OriginDeviceId, AcceptedAt)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.Event.ID, ev.UserID, string(ev.Event.EntityType), ev.Event.EntityID, string(ev.Event.Action),
		payload, ev.Event.BaseVersion, ev.ResultingVersion, ev.Event.Timestamp.UTC(), ev.Event.OriginDeviceID, ev.AcceptedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, storage.ErrDuplicateEvent
		}
		return 0, err
	}
	return res.LastInsertId()
}

const acceptedColumns = `Seq, EventId, UserId, EntityType, EntityId, Action, Payload, BaseVersion, ResultingVersion, EventTimestamp, OriginDeviceId, AcceptedAt`

func (s *Store) ListAcceptedSince(ctx context.Context, userID string, since time.Time) ([]*storage.AcceptedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+acceptedColumns+` FROM AcceptedEvents WHERE UserId = ? AND AcceptedAt > ? ORDER BY Seq`,
		userID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccepted(rows)
}

func (s *Store) ListEntityEventsSince(ctx context.Context, entityType model.EntityType, entityID string, sinceVersion int64) ([]*storage.AcceptedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+acceptedColumns+` FROM AcceptedEvents
		 WHERE EntityType = ? AND EntityId = ? AND ResultingVersion > ? ORDER BY ResultingVersion`,
		string(entityType), entityID, sinceVersion)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccepted(rows)
}

func scanAccepted(rows *sql.Rows) ([]*storage.AcceptedEvent, error) {
	var out []*storage.AcceptedEvent
	for rows.Next() {
		var (
			ae         storage.AcceptedEvent
			entityType string
			action     string
			payload    sql.NullString
		)
		if err := rows.Scan(&ae.Seq, &ae.Event.ID, &ae.UserID, &entityType, &ae.Event.EntityID, &action,
			&payload, &ae.Event.BaseVersion, &ae.ResultingVersion, &ae.Event.Timestamp, &ae.Event.OriginDeviceID, &ae.AcceptedAt); err != nil {
			return nil, err
		}
		ae.Event.EntityType = model.EntityType(entityType)
		ae.Event.Action = model.Action(action)
		ae.Event.OriginUserID = ae.UserID
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ae.Event.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		out = append(out, &ae)
	}
	return out, rows.Err()
}

func (s *Store) GetProcessed(ctx context.Context, eventID string) (*storage.ProcessedOutcome, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT Status, Snapshot, ConflictId, Reason, ProcessedAt FROM ProcessedEvents WHERE EventId = ?`, eventID)
	var (
		po       = storage.ProcessedOutcome{EventID: eventID}
		status   string
		snapshot sql.NullString
		conflict sql.NullString
		reason   sql.NullString
	)
	err := row.Scan(&status, &snapshot, &conflict, &reason, &po.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	po.Status = storage.OutcomeStatus(status)
	po.ConflictID = conflict.String
	po.Reason = reason.String
	if snapshot.Valid && snapshot.String != "" {
		po.Snapshot = &model.EntitySnapshot{}
		if err := json.Unmarshal([]byte(snapshot.String), po.Snapshot); err != nil {
			return nil, fmt.Errorf("decode processed snapshot: %w", err)
		}
	}
	return &po, nil
}

func (s *Store) RecordProcessed(ctx context.Context, outcome *storage.ProcessedOutcome) error {
	var snapshot interface{}
	if outcome.Snapshot != nil {
		b, err := json.Marshal(outcome.Snapshot)
		if err != nil {
			return fmt.Errorf("encode processed snapshot: %w", err)
		}
		snapshot = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO ProcessedEvents (EventId, Status, Snapshot, ConflictId, Reason, ProcessedAt) VALUES (?,?,?,?,?,?)`,
		outcome.EventID, string(outcome.Status), snapshot, outcome.ConflictID, outcome.Reason, outcome.ProcessedAt.UTC())
	return err
}

func (s *Store) PutConflict(ctx context.Context, info *model.ConflictInfo) error {
	localEvent, err := json.Marshal(info.LocalEvent)
	if err != nil {
		return fmt.Errorf("encode local event: %w", err)
	}
	serverSnapshot, err := json.Marshal(info.ServerSnapshot)
	if err != nil {
		return fmt.Errorf("encode server snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO Conflicts (ConflictId, EntityType, EntityId, LocalEvent, ServerSnapshot, DetectedAt) VALUES (?,?,?,?,?,?)`,
		info.ConflictID, string(info.EntityType), info.EntityID, string(localEvent), string(serverSnapshot), info.DetectedAt.UTC())
	return err
}

func (s *Store) GetConflict(ctx context.Context, conflictID string) (*model.ConflictInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT EntityType, EntityId, LocalEvent, ServerSnapshot, DetectedAt FROM Conflicts WHERE ConflictId = ?`, conflictID)
	var (
		info           = model.ConflictInfo{ConflictID: conflictID}
		entityType     string
		localEvent     string
		serverSnapshot string
	)
	err := row.Scan(&entityType, &info.EntityID, &localEvent, &serverSnapshot, &info.DetectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.EntityType = model.EntityType(entityType)
	info.LocalEvent = &model.ChangeEvent{}
	if err := json.Unmarshal([]byte(localEvent), info.LocalEvent); err != nil {
		return nil, fmt.Errorf("decode local event: %w", err)
	}
	info.ServerSnapshot = &model.EntitySnapshot{}
	if err := json.Unmarshal([]byte(serverSnapshot), info.ServerSnapshot); err != nil {
		return nil, fmt.Errorf("decode server snapshot: %w", err)
	}
	return &info, nil
}

func (s *Store) DeleteConflict(ctx context.Context, conflictID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM Conflicts WHERE ConflictId = ?`, conflictID)
	return err
}

func (s *Store) CountConflicts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM Conflicts`).Scan(&n)
	return n, err
}

func (s *Store) SaveSessionCursor(ctx context.Context, userID, deviceID string, lastSync time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO SessionCursors (UserId, DeviceId, LastSync) VALUES (?,?,?)`,
		userID, deviceID, lastSync.UTC())
	return err
}

func (s *Store) LoadSessionCursor(ctx context.Context, userID, deviceID string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT LastSync FROM SessionCursors WHERE UserId = ? AND DeviceId = ?`, userID, deviceID)
	var t time.Time
	err := row.Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return t, err
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
