// Package memory provides a process-local sync store for development and
// tests. Nothing survives a restart.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
	"github.com/louisbranch/tablesync/internal/services/sync/storage"
)

// Store keeps sync state in maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	deltas    map[string]map[uint64]session.Delta
	snapshots map[string][]byte
	imports   map[string]storage.ImportRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{
		deltas:    make(map[string]map[uint64]session.Delta),
		snapshots: make(map[string][]byte),
		imports:   make(map[string]storage.ImportRecord),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// AppendDelta stores d unless its sequence is already present.
func (s *Store) AppendDelta(ctx context.Context, d session.Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.deltas[d.SessionID]
	if !ok {
		log = make(map[uint64]session.Delta)
		s.deltas[d.SessionID] = log
	}
	if _, exists := log[d.Sequence]; !exists {
		d.Payload = append(json.RawMessage(nil), d.Payload...)
		log[d.Sequence] = d
	}
	return nil
}

// ListDeltas returns deltas after afterSeq in ascending order.
func (s *Store) ListDeltas(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]session.Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.Delta
	for seq, d := range s.deltas[sessionID] {
		if seq > afterSeq {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneDeltas removes deltas with sequence at or below throughSeq.
func (s *Store) PruneDeltas(ctx context.Context, sessionID string, throughSeq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq := range s.deltas[sessionID] {
		if seq <= throughSeq {
			delete(s.deltas[sessionID], seq)
		}
	}
	return nil
}

// WriteSnapshot stores snap unless a newer snapshot exists. Snapshots are
// kept encoded so later caller mutations cannot leak in.
func (s *Store) WriteSnapshot(ctx context.Context, snap session.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.snapshots[snap.SessionID]; ok {
		var stored struct {
			Sequence uint64 `json:"sequenceNumber"`
		}
		if err := json.Unmarshal(current, &stored); err == nil && stored.Sequence > snap.Sequence {
			return nil
		}
	}
	s.snapshots[snap.SessionID] = data
	return nil
}

// LoadSnapshot returns the stored snapshot for sessionID.
func (s *Store) LoadSnapshot(ctx context.Context, sessionID string) (session.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return session.Snapshot{}, err
	}
	s.mu.Lock()
	data, ok := s.snapshots[sessionID]
	s.mu.Unlock()
	if !ok {
		return session.Snapshot{}, storage.ErrNotFound
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, err
	}
	return snap, nil
}

// PutImport stores rec; an existing id yields storage.ErrAlreadyExists.
func (s *Store) PutImport(ctx context.Context, rec storage.ImportRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.imports[rec.ID]; exists {
		return storage.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Data = append(json.RawMessage(nil), rec.Data...)
	rec.Images = append([]string(nil), rec.Images...)
	s.imports[rec.ID] = rec
	return nil
}

// GetImport returns one imported content record.
func (s *Store) GetImport(ctx context.Context, id string) (storage.ImportRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ImportRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.imports[id]
	if !ok {
		return storage.ImportRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

var _ storage.Store = (*Store)(nil)
