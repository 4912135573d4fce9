package engine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
)

// op runs on the actor goroutine. loadErr is set when the session could not
// be loaded or the actor retired before reaching the op; st is nil then.
type op func(st *session.State, loadErr error)

// actor serializes every operation on one session. Its mailbox is an
// unbounded FIFO so producers never block on a busy session.
type actor struct {
	sessionID string

	mu     sync.Mutex
	queue  []op
	closed bool
	wake   chan struct{}
	done   chan struct{}

	ready atomic.Bool
	seq   atomic.Uint64

	// Owned by the actor goroutine.
	commands      *commandLog
	sinceSnapshot int
	lastSnapshot  time.Time
	retiring      bool
}

func newActor(sessionID string, commandRecords int) *actor {
	return &actor{
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		commands:  newCommandLog(commandRecords),
	}
}

func (a *actor) enqueue(fn op) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, fn)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

func (a *actor) drain() []op {
	a.mu.Lock()
	defer a.mu.Unlock()
	ops := a.queue
	a.queue = nil
	return ops
}

// seal refuses further ops and returns those still queued.
func (a *actor) seal() []op {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	ops := a.queue
	a.queue = nil
	return ops
}

// currentSeq returns the applied sequence once the session is loaded.
func (a *actor) currentSeq() (uint64, bool) {
	if !a.ready.Load() {
		return 0, false
	}
	return a.seq.Load(), true
}

func (e *Engine) runActor(a *actor) {
	defer close(a.done)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LoadTimeout)
	st, err := e.states.GetOrCreate(ctx, a.sessionID)
	cancel()
	if err != nil {
		log.Printf("sync: load session %s: %v", a.sessionID, err)
		e.retire(a, err)
		return
	}
	a.seq.Store(st.Sequence)
	a.ready.Store(true)
	a.lastSnapshot = e.cfg.Now()

	var tick <-chan time.Time
	if e.cfg.Snapshots.Interval > 0 {
		ticker := time.NewTicker(e.cfg.Snapshots.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-a.wake:
			for _, fn := range a.drain() {
				if a.retiring {
					fn(nil, errActorClosed)
					continue
				}
				fn(st, nil)
			}
		case <-tick:
			e.maybeSnapshot(a, st)
		}
		if a.retiring {
			e.retire(a, errActorClosed)
			return
		}
	}
}

// retire removes a from the engine and fails whatever is still queued with
// reason. Callers that see errActorClosed retry on a fresh actor.
func (e *Engine) retire(a *actor, reason error) {
	e.mu.Lock()
	if e.actors[a.sessionID] == a {
		delete(e.actors, a.sessionID)
	}
	e.mu.Unlock()
	for _, fn := range a.seal() {
		fn(nil, reason)
	}
}
