// Package redis provides a Redis-backed sync storage implementation.
//
// Deltas live in one sorted set per session scored by sequence, snapshots in
// one hash per session, and imports in plain string keys.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
	"github.com/louisbranch/tablesync/internal/services/sync/storage"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "tablesync"

// appendDeltaScript adds a delta only if its sequence is not stored yet.
var appendDeltaScript = goredis.NewScript(`
if redis.call('ZCOUNT', KEYS[1], ARGV[1], ARGV[1]) > 0 then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// writeSnapshotScript replaces a snapshot only if it is not older.
var writeSnapshotScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'seq')
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'state', ARGV[2])
return 1
`)

// Store persists sync state in Redis.
type Store struct {
	client *goredis.Client
	prefix string
}

// Open connects to the Redis server at url and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, DefaultPrefix), nil
}

// NewWithClient wraps an existing client. Keys are written under prefix.
func NewWithClient(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) deltaKey(sessionID string) string {
	return s.prefix + ":deltas:" + sessionID
}

func (s *Store) snapshotKey(sessionID string) string {
	return s.prefix + ":snapshot:" + sessionID
}

func (s *Store) importKey(id string) string {
	return s.prefix + ":import:" + id
}

// AppendDelta stores d unless its sequence is already present.
func (s *Store) AppendDelta(ctx context.Context, d session.Delta) error {
	if strings.TrimSpace(d.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if d.Sequence == 0 {
		return fmt.Errorf("delta sequence is required")
	}
	member, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	seq := strconv.FormatUint(d.Sequence, 10)
	if err := appendDeltaScript.Run(ctx, s.client, []string{s.deltaKey(d.SessionID)}, seq, member).Err(); err != nil {
		return fmt.Errorf("append delta %s/%d: %w", d.SessionID, d.Sequence, err)
	}
	return nil
}

// ListDeltas returns deltas after afterSeq in ascending order.
func (s *Store) ListDeltas(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]session.Delta, error) {
	if limit <= 0 {
		limit = 500
	}
	members, err := s.client.ZRangeByScore(ctx, s.deltaKey(sessionID), &goredis.ZRangeBy{
		Min:   "(" + strconv.FormatUint(afterSeq, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list deltas: %w", err)
	}
	deltas := make([]session.Delta, 0, len(members))
	for _, member := range members {
		var d session.Delta
		if err := json.Unmarshal([]byte(member), &d); err != nil {
			return nil, fmt.Errorf("decode delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

// PruneDeltas removes deltas with sequence at or below throughSeq.
func (s *Store) PruneDeltas(ctx context.Context, sessionID string, throughSeq uint64) error {
	err := s.client.ZRemRangeByScore(ctx, s.deltaKey(sessionID), "-inf", strconv.FormatUint(throughSeq, 10)).Err()
	if err != nil {
		return fmt.Errorf("prune deltas: %w", err)
	}
	return nil
}

// WriteSnapshot stores snap unless a newer snapshot exists.
func (s *Store) WriteSnapshot(ctx context.Context, snap session.Snapshot) error {
	if strings.TrimSpace(snap.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	seq := strconv.FormatUint(snap.Sequence, 10)
	if err := writeSnapshotScript.Run(ctx, s.client, []string{s.snapshotKey(snap.SessionID)}, seq, state).Err(); err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot for sessionID.
func (s *Store) LoadSnapshot(ctx context.Context, sessionID string) (session.Snapshot, error) {
	state, err := s.client.HGet(ctx, s.snapshotKey(sessionID), "state").Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
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

type importDoc struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SourceURL  string          `json:"sourceUrl"`
	CapturedAt time.Time       `json:"capturedAt"`
	Data       json.RawMessage `json:"data"`
	Images     []string        `json:"images,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// PutImport stores rec; an existing id yields storage.ErrAlreadyExists.
func (s *Store) PutImport(ctx context.Context, rec storage.ImportRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("import id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(importDoc(rec))
	if err != nil {
		return fmt.Errorf("encode import: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.importKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("put import: %w", err)
	}
	if !created {
		return storage.ErrAlreadyExists
	}
	return nil
}

// GetImport returns one imported content record.
func (s *Store) GetImport(ctx context.Context, id string) (storage.ImportRecord, error) {
	data, err := s.client.Get(ctx, s.importKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return storage.ImportRecord{}, storage.ErrNotFound
		}
		return storage.ImportRecord{}, fmt.Errorf("get import: %w", err)
	}
	var doc importDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return storage.ImportRecord{}, fmt.Errorf("decode import: %w", err)
	}
	return storage.ImportRecord(doc), nil
}

var _ storage.Store = (*Store)(nil)
