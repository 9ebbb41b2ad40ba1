// Package postgres implements storage.Storage on PostgreSQL via the pgx
// stdlib driver. Used for multi-node deployments where several sync-service
// replicas share one authoritative store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/SavageHobbies/Aether-2/internal/model"
	"github.com/SavageHobbies/Aether-2/internal/storage"
)

// Store implements storage.Storage using PostgreSQL via database/sql (pgx driver).
type Store struct {
	db *sql.DB
}

var _ storage.Storage = (*Store)(nil)

// Open returns a *sql.DB using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New opens a connection and applies the schema.
func New(dsn string) (*Store, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db)
}

// NewWithDB constructs a storage adapter from an existing DB connection.
func NewWithDB(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("nil db")
	}
	s := &Store{db: db}
	if err := s.applySchema(); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    entity_type          TEXT NOT NULL,
    entity_id            TEXT NOT NULL,
    version              BIGINT NOT NULL,
    data                 JSONB,
    deleted              BOOLEAN NOT NULL DEFAULT FALSE,
    last_modified        TIMESTAMPTZ NOT NULL,
    last_modified_by     TEXT NOT NULL,
    last_modified_device TEXT NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);
CREATE TABLE IF NOT EXISTS accepted_events (
    seq               BIGSERIAL PRIMARY KEY,
    event_id          TEXT NOT NULL UNIQUE,
    user_id           TEXT NOT NULL,
    entity_type       TEXT NOT NULL,
    entity_id         TEXT NOT NULL,
    action            TEXT NOT NULL,
    payload           JSONB,
    base_version      BIGINT NOT NULL,
    resulting_version BIGINT NOT NULL,
    event_timestamp   TIMESTAMPTZ NOT NULL,
    origin_device_id  TEXT NOT NULL,
    accepted_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accepted_by_user ON accepted_events (user_id, accepted_at);
CREATE INDEX IF NOT EXISTS idx_accepted_by_entity ON accepted_events (entity_type, entity_id, resulting_version);
CREATE TABLE IF NOT EXISTS processed_events (
    event_id     TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    snapshot     JSONB,
    conflict_id  TEXT,
    reason       TEXT,
    processed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS conflicts (
    conflict_id     TEXT PRIMARY KEY,
    entity_type     TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    local_event     JSONB NOT NULL,
    server_snapshot JSONB NOT NULL,
    detected_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS session_cursors (
    user_id   TEXT NOT NULL,
    device_id TEXT NOT NULL,
    last_sync TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, device_id)
);
`

func (s *Store) applySchema() error {
	for _, stmt := range strings.Split(schema, ";") {
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
	row := s.db.QueryRowContext(ctx, `
        SELECT version, data, deleted, last_modified, last_modified_by, last_modified_device
        FROM snapshots WHERE entity_type=$1 AND entity_id=$2
    `, string(entityType), entityID)

	snap := model.EntitySnapshot{EntityType: entityType, EntityID: entityID}
	var data []byte
	err := row.Scan(&snap.Version, &data, &snap.Deleted, &snap.LastModified, &snap.LastModifiedBy, &snap.LastModifiedDevice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &snap.Data); err != nil {
			return nil, fmt.Errorf("decode snapshot data: %w", err)
		}
	}
	return &snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *model.EntitySnapshot, expectedVersion int64) error {
	var data []byte
	if snap.Data != nil {
		b, err := json.Marshal(snap.Data)
		if err != nil {
			return fmt.Errorf("encode snapshot data: %w", err)
		}
		data = b
	}

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
            INSERT INTO snapshots (entity_type, entity_id, version, data, deleted, last_modified, last_modified_by, last_modified_device)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        `, string(snap.EntityType), snap.EntityID, snap.Version, data, snap.Deleted,
			snap.LastModified.UTC(), snap.LastModifiedBy, snap.LastModifiedDevice)
		if err != nil {
			if strings.Contains(err.Error(), "duplicate key") {
				return storage.ErrVersionMismatch
			}
			return err
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE snapshots
        SET version=$1, data=$2, deleted=$3, last_modified=$4, last_modified_by=$5, last_modified_device=$6
        WHERE entity_type=$7 AND entity_id=$8 AND version=$9
    `, snap.Version, data, snap.Deleted, snap.LastModified.UTC(), snap.LastModifiedBy, snap.LastModifiedDevice,
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
	var payload []byte
	if ev.Event.Payload != nil {
		b, err := json.Marshal(ev.Event.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		payload = b
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO accepted_events (event_id, user_id, entity_type, entity_id, action, payload, base_version, resulting_version, event_timestamp, origin_device_id, accepted_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        RETURNING seq
    `, ev.Event.ID, ev.UserID, string(ev.Event.EntityType), ev.Event.EntityID, string(ev.Event.Action),
		payload, ev.Event.BaseVersion, ev.ResultingVersion, ev.Event.Timestamp.UTC(), ev.Event.OriginDeviceID, ev.AcceptedAt.UTC()).Scan(&seq)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return 0, storage.ErrDuplicateEvent
		}
		return 0, err
	}
	return seq, nil
}

const acceptedColumns = `seq, event_id, user_id, entity_type, entity_id, action, payload, base_version, resulting_version, event_timestamp, origin_device_id, accepted_at`

func (s *Store) ListAcceptedSince(ctx context.Context, userID string, since time.Time) ([]*storage.AcceptedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+acceptedColumns+` FROM accepted_events WHERE user_id=$1 AND accepted_at > $2 ORDER BY seq`,
		userID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccepted(rows)
}

func (s *Store) ListEntityEventsSince(ctx context.Context, entityType model.EntityType, entityID string, sinceVersion int64) ([]*storage.AcceptedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+acceptedColumns+` FROM accepted_events
         WHERE entity_type=$1 AND entity_id=$2 AND resulting_version > $3 ORDER BY resulting_version`,
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
			payload    []byte
		)
		if err := rows.Scan(&ae.Seq, &ae.Event.ID, &ae.UserID, &entityType, &ae.Event.EntityID, &action,
			&payload, &ae.Event.BaseVersion, &ae.ResultingVersion, &ae.Event.Timestamp, &ae.Event.OriginDeviceID, &ae.AcceptedAt); err != nil {
			return nil, err
		}
		ae.Event.EntityType = model.EntityType(entityType)
		ae.Event.Action = model.Action(action)
		ae.Event.OriginUserID = ae.UserID
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ae.Event.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		out = append(out, &ae)
	}
	return out, rows.Err()
}

func (s *Store) GetProcessed(ctx context.Context, eventID string) (*storage.ProcessedOutcome, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT status, snapshot, conflict_id, reason, processed_at FROM processed_events WHERE event_id=$1
    `, eventID)
	var (
		po       = storage.ProcessedOutcome{EventID: eventID}
		status   string
		snapshot []byte
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
	if len(snapshot) > 0 {
		po.Snapshot = &model.EntitySnapshot{}
		if err := json.Unmarshal(snapshot, po.Snapshot); err != nil {
			return nil, fmt.Errorf("decode processed snapshot: %w", err)
		}
	}
	return &po, nil
}

func (s *Store) RecordProcessed(ctx context.Context, outcome *storage.ProcessedOutcome) error {
	var snapshot []byte
	if outcome.Snapshot != nil {
		b, err := json.Marshal(outcome.Snapshot)
		if err != nil {
			return fmt.Errorf("encode processed snapshot: %w", err)
		}
		snapshot = b
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO processed_events (event_id, status, snapshot, conflict_id, reason, processed_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (event_id) DO UPDATE SET status=EXCLUDED.status, snapshot=EXCLUDED.snapshot,
            conflict_id=EXCLUDED.conflict_id, reason=EXCLUDED.reason, processed_at=EXCLUDED.processed_at
    `, outcome.EventID, string(outcome.Status), snapshot, outcome.ConflictID, outcome.Reason, outcome.ProcessedAt.UTC())
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
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO conflicts (conflict_id, entity_type, entity_id, local_event, server_snapshot, detected_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (conflict_id) DO NOTHING
    `, info.ConflictID, string(info.EntityType), info.EntityID, localEvent, serverSnapshot, info.DetectedAt.UTC())
	return err
}

func (s *Store) GetConflict(ctx context.Context, conflictID string) (*model.ConflictInfo, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT entity_type, entity_id, local_event, server_snapshot, detected_at FROM conflicts WHERE conflict_id=$1
    `, conflictID)
	var (
		info           = model.ConflictInfo{ConflictID: conflictID}
		entityType     string
		localEvent     []byte
		serverSnapshot []byte
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
	if err := json.Unmarshal(localEvent, info.LocalEvent); err != nil {
		return nil, fmt.Errorf("decode local event: %w", err)
	}
	info.ServerSnapshot = &model.EntitySnapshot{}
	if err := json.Unmarshal(serverSnapshot, info.ServerSnapshot); err != nil {
		return nil, fmt.Errorf("decode server snapshot: %w", err)
	}
	return &info, nil
}

func (s *Store) DeleteConflict(ctx context.Context, conflictID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE conflict_id=$1`, conflictID)
	return err
}

func (s *Store) CountConflicts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&n)
	return n, err
}

func (s *Store) SaveSessionCursor(ctx context.Context, userID, deviceID string, lastSync time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO session_cursors (user_id, device_id, last_sync) VALUES ($1,$2,$3)
        ON CONFLICT (user_id, device_id) DO UPDATE SET last_sync=EXCLUDED.last_sync
    `, userID, deviceID, lastSync.UTC())
	return err
}

func (s *Store) LoadSessionCursor(ctx context.Context, userID, deviceID string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_sync FROM session_cursors WHERE user_id=$1 AND device_id=$2`, userID, deviceID)
	var t time.Time
	err := row.Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return t, err
}

func (s *Store) HealthCheck(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, "SELECT 1")
	var one int
	return row.Scan(&one)
}

func (s *Store) Close() error {
	return s.db.Close()
}
