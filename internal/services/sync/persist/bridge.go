// Package persist writes admitted deltas and snapshots to durable storage in
// the background.
//
// Work is sharded by session id so each session's writes stay in order. A
// write that fails moves its session onto a retry lane of its own, so the
// shard keeps serving every other session while that one backs off. Nothing
// here blocks or fails the broadcast path: failed writes are retried with
// exponential backoff and then dropped, and a dropped delta marks its session
// as needing a snapshot.
package persist

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
	"github.com/louisbranch/tablesync/internal/services/sync/storage"
)

const (
	defaultShards          = 4
	defaultMaxElapsed      = 2 * time.Minute
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
)

// ErrClosed is returned by synchronous calls after Close.
var ErrClosed = errors.New("persistence bridge closed")

// Store is the durable backend the bridge writes to.
type Store interface {
	storage.DeltaStore
	storage.SnapshotStore
}

// Options configures a Bridge.
type Options struct {
	Shards int
	// MaxElapsed bounds the retries of one write.
	MaxElapsed time.Duration
	// InitialInterval and MaxInterval shape the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type jobKind int

const (
	jobDelta jobKind = iota
	jobSnapshot
	jobBarrier
)

type job struct {
	kind      jobKind
	sessionID string
	delta     session.Delta
	snapshot  session.Snapshot
	done      chan error
}

type shard struct {
	mu    sync.Mutex
	queue []job
	// lanes holds the sessions whose writes are retrying off the shard worker.
	lanes  map[string][]job
	wake   chan struct{}
	closed bool
}

// divert appends j to its session's retry lane when one is open.
func (s *shard) divert(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.lanes[j.sessionID]
	if !ok {
		return false
	}
	s.lanes[j.sessionID] = append(pending, j)
	return true
}

// next pops the head of sessionID's lane, closing the lane once it is empty.
func (s *shard) next(sessionID string) (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.lanes[sessionID]
	if len(pending) == 0 {
		delete(s.lanes, sessionID)
		return job{}, false
	}
	s.lanes[sessionID] = pending[1:]
	return pending[0], true
}

func (s *shard) push(j job) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, j)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *shard) drain() ([]job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.queue
	s.queue = nil
	return jobs, s.closed
}

// Bridge is the asynchronous persistence pipeline.
type Bridge struct {
	store  Store
	opts   Options
	shards []*shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	dirty map[string]uint64
}

// New starts the shard workers.
func New(store Store, opts Options) *Bridge {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = defaultMaxElapsed
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = defaultMaxInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		store:  store,
		opts:   opts,
		shards: make([]*shard, opts.Shards),
		ctx:    ctx,
		cancel: cancel,
		dirty:  make(map[string]uint64),
	}
	for i := range b.shards {
		b.shards[i] = &shard{lanes: make(map[string][]job), wake: make(chan struct{}, 1)}
		b.wg.Add(1)
		go b.run(b.shards[i])
	}
	return b
}

func (b *Bridge) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

// Persist queues d for durable append and returns immediately.
func (b *Bridge) Persist(d session.Delta) {
	if !b.shardFor(d.SessionID).push(job{kind: jobDelta, sessionID: d.SessionID, delta: d}) {
		log.Printf("sync: persist after close dropped %s/%d", d.SessionID, d.Sequence)
		b.markDirty(d.SessionID, d.Sequence)
	}
}

// Snapshot queues snap for durable write and returns immediately.
func (b *Bridge) Snapshot(snap session.Snapshot) {
	if !b.shardFor(snap.SessionID).push(job{kind: jobSnapshot, sessionID: snap.SessionID, snapshot: snap}) {
		log.Printf("sync: snapshot after close dropped for %s", snap.SessionID)
	}
}

// WriteSnapshot writes snap after everything already queued for its session
// and waits for the outcome.
func (b *Bridge) WriteSnapshot(ctx context.Context, snap session.Snapshot) error {
	return b.await(ctx, job{kind: jobSnapshot, sessionID: snap.SessionID, snapshot: snap})
}

// Flush waits until everything queued for sessionID has been handled.
func (b *Bridge) Flush(ctx context.Context, sessionID string) error {
	return b.await(ctx, job{kind: jobBarrier, sessionID: sessionID})
}

func (b *Bridge) await(ctx context.Context, j job) error {
	j.done = make(chan error, 1)
	if !b.shardFor(j.sessionID).push(j) {
		return ErrClosed
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NeedsSnapshot reports whether a delta of sessionID was dropped after its
// retries and no later snapshot has covered it yet.
func (b *Bridge) NeedsSnapshot(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.dirty[sessionID]
	return ok
}

func (b *Bridge) markDirty(sessionID string, seq uint64) {
	b.mu.Lock()
	if seq > b.dirty[sessionID] {
		b.dirty[sessionID] = seq
	}
	b.mu.Unlock()
}

func (b *Bridge) clearDirty(sessionID string, through uint64) {
	b.mu.Lock()
	if seq, ok := b.dirty[sessionID]; ok && seq <= through {
		delete(b.dirty, sessionID)
	}
	b.mu.Unlock()
}

// Close stops accepting work and waits for queued writes to finish. When ctx
// expires first, in-flight retries are abandoned.
func (b *Bridge) Close(ctx context.Context) error {
	for _, s := range b.shards {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-finished
		return ctx.Err()
	}
}

func (b *Bridge) run(s *shard) {
	defer b.wg.Done()
	for {
		jobs, closed := s.drain()
		for _, j := range jobs {
			if s.divert(j) {
				continue
			}
			b.first(s, j)
		}
		if closed && len(jobs) == 0 {
			return
		}
		if len(jobs) > 0 {
			continue
		}
		<-s.wake
	}
}

// first tries j once on the shard worker. On failure the session gets its own
// retry lane and later jobs for it queue there behind j.
func (b *Bridge) first(s *shard, j job) {
	err := b.write(b.ctx, j)
	if err == nil || errors.Is(err, context.Canceled) {
		b.finish(j, err)
		return
	}
	log.Printf("sync: %s failed, retrying off the shard: %v", label(j), err)
	s.mu.Lock()
	s.lanes[j.sessionID] = []job{j}
	s.mu.Unlock()
	b.wg.Add(1)
	go b.retryLane(s, j.sessionID)
}

func (b *Bridge) retryLane(s *shard, sessionID string) {
	defer b.wg.Done()
	for {
		j, ok := s.next(sessionID)
		if !ok {
			return
		}
		b.finish(j, b.retry(label(j), func(ctx context.Context) error {
			return b.write(ctx, j)
		}))
	}
}

func (b *Bridge) write(ctx context.Context, j job) error {
	switch j.kind {
	case jobDelta:
		return b.store.AppendDelta(ctx, j.delta)
	case jobSnapshot:
		return b.store.WriteSnapshot(ctx, j.snapshot)
	}
	return nil
}

func (b *Bridge) finish(j job, err error) {
	switch j.kind {
	case jobDelta:
		if err != nil {
			log.Printf("sync: dropped delta %s/%d after retries: %v", j.sessionID, j.delta.Sequence, err)
			b.markDirty(j.sessionID, j.delta.Sequence)
		}
	case jobSnapshot:
		if err != nil {
			log.Printf("sync: dropped snapshot %s/%d after retries: %v", j.sessionID, j.snapshot.Sequence, err)
			break
		}
		b.clearDirty(j.sessionID, j.snapshot.Sequence)
		if perr := b.store.PruneDeltas(b.ctx, j.sessionID, j.snapshot.Sequence); perr != nil {
			log.Printf("sync: prune deltas %s through %d: %v", j.sessionID, j.snapshot.Sequence, perr)
		}
	}
	if j.done != nil {
		j.done <- err
	}
}

func label(j job) string {
	switch j.kind {
	case jobDelta:
		return fmt.Sprintf("append delta %s/%d", j.sessionID, j.delta.Sequence)
	case jobSnapshot:
		return fmt.Sprintf("write snapshot %s/%d", j.sessionID, j.snapshot.Sequence)
	}
	return "barrier " + j.sessionID
}

func (b *Bridge) retry(label string, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.InitialInterval
	policy.MaxInterval = b.opts.MaxInterval

	_, err := backoff.Retry(b.ctx, func() (struct{}, error) {
		if err := op(b.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(b.opts.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("sync: %s failed, retrying in %s: %v", label, next, err)
		}),
	)
	return err
}
