// Package sqlite provides the SQLite-backed sync storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/tablesync/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
	"github.com/louisbranch/tablesync/internal/services/sync/storage"
	"github.com/louisbranch/tablesync/internal/services/sync/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists sync state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Delta times are kept at full precision so replay rebuilds chat entries
// exactly.
func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

// Open opens a SQLite sync store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// AppendDelta inserts one delta; a repeated sequence is ignored.
func (s *Store) AppendDelta(ctx context.Context, d session.Delta) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(d.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if d.Sequence == 0 {
		return fmt.Errorf("delta sequence is required")
	}
	var payload []byte
	if len(d.Payload) > 0 {
		payload = []byte(d.Payload)
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO session_deltas (
		   session_id, seq, kind, target_id, payload, user_id, command_id, applied_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, seq) DO NOTHING`,
		d.SessionID,
		int64(d.Sequence),
		string(d.Kind),
		d.TargetID,
		payload,
		d.UserID,
		d.CommandID,
		toNanos(d.AppliedAt),
	)
	if err != nil {
		return fmt.Errorf("append delta %s/%d: %w", d.SessionID, d.Sequence, err)
	}
	return nil
}

// ListDeltas returns deltas after afterSeq in ascending order.
func (s *Store) ListDeltas(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]session.Delta, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT seq, kind, target_id, payload, user_id, command_id, applied_at
		   FROM session_deltas
		  WHERE session_id = ? AND seq > ?
		  ORDER BY seq ASC
		  LIMIT ?`,
		sessionID,
		int64(afterSeq),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list deltas: %w", err)
	}
	defer rows.Close()

	var deltas []session.Delta
	for rows.Next() {
		var (
			d         session.Delta
			seq       int64
			kind      string
			payload   []byte
			appliedAt int64
		)
		if err := rows.Scan(&seq, &kind, &d.TargetID, &payload, &d.UserID, &d.CommandID, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		d.SessionID = sessionID
		d.Sequence = uint64(seq)
		d.Kind = session.Kind(kind)
		if len(payload) > 0 {
			d.Payload = json.RawMessage(payload)
		}
		d.AppliedAt = fromNanos(appliedAt)
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deltas: %w", err)
	}
	return deltas, nil
}

// PruneDeltas deletes deltas covered by a snapshot.
func (s *Store) PruneDeltas(ctx context.Context, sessionID string, throughSeq uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM session_deltas WHERE session_id = ? AND seq <= ?`,
		sessionID,
		int64(throughSeq),
	); err != nil {
		return fmt.Errorf("prune deltas: %w", err)
	}
	return nil
}

// WriteSnapshot upserts the snapshot unless a newer one is already stored.
func (s *Store) WriteSnapshot(ctx context.Context, snap session.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(snap.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO session_snapshots (session_id, seq, state, taken_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   seq = excluded.seq,
		   state = excluded.state,
		   taken_at = excluded.taken_at
		 WHERE excluded.seq >= session_snapshots.seq`,
		snap.SessionID,
		int64(snap.Sequence),
		state,
		toMillis(snap.TakenAt),
	)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot for sessionID.
func (s *Store) LoadSnapshot(ctx context.Context, sessionID string) (session.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return session.Snapshot{}, err
	}
	var state []byte
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT state FROM session_snapshots WHERE session_id = ?`,
		sessionID,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Snapshot{}, storage.ErrNotFound
		}
		return session.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// PutImport inserts one imported content record.
func (s *Store) PutImport(ctx context.Context, rec storage.ImportRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("import id is required")
	}
	images, err := json.Marshal(rec.Images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO content_imports (id, type, source_url, captured_at, data, images, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Type,
		rec.SourceURL,
		toMillis(rec.CapturedAt),
		[]byte(rec.Data),
		string(images),
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("put import: %w", err)
	}
	return nil
}

// GetImport returns one imported content record.
func (s *Store) GetImport(ctx context.Context, id string) (storage.ImportRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ImportRecord{}, err
	}
	var (
		rec        storage.ImportRecord
		capturedAt int64
		createdAt  int64
		data       []byte
		images     string
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, type, source_url, captured_at, data, images, created_at
		   FROM content_imports
		  WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.Type, &rec.SourceURL, &capturedAt, &data, &images, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ImportRecord{}, storage.ErrNotFound
		}
		return storage.ImportRecord{}, fmt.Errorf("get import: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &rec.Images); err != nil {
		return storage.ImportRecord{}, fmt.Errorf("decode images: %w", err)
	}
	rec.Data = json.RawMessage(data)
	rec.CapturedAt = fromMillis(capturedAt)
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
