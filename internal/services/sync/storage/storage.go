// Package storage defines persistence contracts for session sync state.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a record with the same key was already stored.
	ErrAlreadyExists = errors.New("record already exists")
)

// DeltaStore persists the admitted delta log of each session.
type DeltaStore interface {
	// AppendDelta stores d. Appending a sequence that is already stored is a
	// no-op so retried writes stay idempotent.
	AppendDelta(ctx context.Context, d session.Delta) error
	// ListDeltas returns up to limit deltas with sequence greater than
	// afterSeq in ascending order.
	ListDeltas(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]session.Delta, error)
	// PruneDeltas removes deltas with sequence at or below throughSeq.
	PruneDeltas(ctx context.Context, sessionID string, throughSeq uint64) error
}

// SnapshotStore persists the latest full snapshot of each session.
type SnapshotStore interface {
	// WriteSnapshot replaces the stored snapshot unless the stored one has a
	// higher sequence.
	WriteSnapshot(ctx context.Context, snap session.Snapshot) error
	// LoadSnapshot returns ErrNotFound when the session was never snapshotted.
	LoadSnapshot(ctx context.Context, sessionID string) (session.Snapshot, error)
}

// ImportRecord is one piece of content pushed by an external ingestion
// client, such as a character sheet captured in the browser.
type ImportRecord struct {
	ID         string
	Type       string
	SourceURL  string
	CapturedAt time.Time
	Data       json.RawMessage
	Images     []string
	CreatedAt  time.Time
}

// ImportStore persists imported content.
type ImportStore interface {
	PutImport(ctx context.Context, rec ImportRecord) error
	GetImport(ctx context.Context, id string) (ImportRecord, error)
}

// Store is the full durable backend used by the sync service.
type Store interface {
	DeltaStore
	SnapshotStore
	ImportStore
	Close() error
}
