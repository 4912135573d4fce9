// Package state holds the authoritative in-memory sessions and rebuilds them
// from durable storage on first access.
//
// The store does not serialize access to a session on its own: callers must
// route every call for one session through a single goroutine, which the
// sync engine does with one actor per session.
package state

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	apperrors "github.com/louisbranch/tablesync/internal/platform/errors"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
	"github.com/louisbranch/tablesync/internal/services/sync/storage"
)

const defaultReplayPage = 500

// ErrNotLoaded indicates a session that is not in memory.
var ErrNotLoaded = apperrors.New(apperrors.CodeSessionUnavailable, "session is not loaded")

// Source is the durable side the store recovers sessions from.
type Source interface {
	LoadSnapshot(ctx context.Context, sessionID string) (session.Snapshot, error)
	ListDeltas(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]session.Delta, error)
}

// Store maps session ids to live state.
type Store struct {
	source   Source
	pageSize int
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session.State
}

// Option customizes a Store.
type Option func(*Store)

// WithReplayPage sets how many deltas are read per replay query.
func WithReplayPage(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store backed by source.
func New(source Source, opts ...Option) *Store {
	s := &Store{
		source:   source,
		pageSize: defaultReplayPage,
		now:      time.Now,
		sessions: make(map[string]*session.State),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) get(sessionID string) (*session.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	return st, ok
}

// GetOrCreate returns the live state of sessionID, loading the last durable
// snapshot and replaying later deltas when it is not in memory. A session
// with no snapshot starts from an empty scene.
func (s *Store) GetOrCreate(ctx context.Context, sessionID string) (*session.State, error) {
	if st, ok := s.get(sessionID); ok {
		return st, nil
	}
	st, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		return existing, nil
	}
	s.sessions[sessionID] = st
	return st, nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*session.State, error) {
	if s.source == nil {
		return session.New(sessionID), nil
	}
	snap, err := s.source.LoadSnapshot(ctx, sessionID)
	var st *session.State
	switch {
	case errors.Is(err, storage.ErrNotFound):
		st = session.New(sessionID)
	case err != nil:
		return nil, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	default:
		st = session.Restore(snap)
		st.SessionID = sessionID
	}

	replayed := 0
	for {
		deltas, err := s.source.ListDeltas(ctx, sessionID, st.Sequence, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("replay deltas %s: %w", sessionID, err)
		}
		for _, d := range deltas {
			if d.Sequence != st.Sequence+1 {
				log.Printf("sync: replay of %s stopped at %d: next stored delta is %d", sessionID, st.Sequence, d.Sequence)
				return st, nil
			}
			if err := session.Apply(st, d); err != nil {
				log.Printf("sync: replay of %s stopped at %d: %v", sessionID, st.Sequence, err)
				return st, nil
			}
			replayed++
		}
		if len(deltas) < s.pageSize {
			break
		}
	}
	if replayed > 0 {
		log.Printf("sync: session %s recovered at %d after replaying %d deltas", sessionID, st.Sequence, replayed)
	}
	return st, nil
}

// ApplyDelta folds d into the live state of sessionID. A delta that does not
// directly follow the current sequence fails with session.ErrSequenceConflict
// and changes nothing.
func (s *Store) ApplyDelta(sessionID string, d session.Delta) (*session.State, error) {
	st, ok := s.get(sessionID)
	if !ok {
		return nil, ErrNotLoaded
	}
	if err := session.Apply(st, d); err != nil {
		return st, err
	}
	return st, nil
}

// AttachGame records the game a session belongs to when it is not known yet.
func (s *Store) AttachGame(sessionID, gameID string) {
	if gameID == "" {
		return
	}
	if st, ok := s.get(sessionID); ok && st.GameID == "" {
		st.GameID = gameID
	}
}

// Snapshot returns a deep copy of the live state of sessionID.
func (s *Store) Snapshot(sessionID string) (session.Snapshot, error) {
	st, ok := s.get(sessionID)
	if !ok {
		return session.Snapshot{}, ErrNotLoaded
	}
	return st.Snapshot(s.now()), nil
}

// Evict drops sessionID from memory. The next GetOrCreate reloads it.
func (s *Store) Evict(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	return ok
}

// Loaded reports whether sessionID is in memory.
func (s *Store) Loaded(sessionID string) bool {
	_, ok := s.get(sessionID)
	return ok
}

// Len returns how many sessions are in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
