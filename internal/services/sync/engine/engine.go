// Package engine runs the synchronization loop of every live session:
// it admits participant commands, stamps them with the next sequence number,
// folds them into session state and fans the resulting deltas out to every
// connected participant in the same order.
//
// Each session is owned by one actor goroutine. Join, submit, resync and
// eviction for a session are queued on its actor and run one at a time, so
// a participant who joins receives a snapshot followed by exactly the deltas
// applied after it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/authz"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/command"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/participant"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
	"github.com/louisbranch/tablesync/internal/services/sync/persist"
	"github.com/louisbranch/tablesync/internal/services/sync/registry"
	"github.com/louisbranch/tablesync/internal/services/sync/state"
)

const (
	defaultIdleTimeout     = 30 * time.Minute
	defaultSweepInterval   = time.Minute
	defaultMaxSequenceLag  = 1000
	defaultSnapshotTimeout = 10 * time.Second
	defaultLoadTimeout     = 10 * time.Second
	defaultSnapshotEvery   = 100
	defaultSnapshotPeriod  = 30 * time.Second
)

const tracerName = "github.com/louisbranch/tablesync/internal/services/sync/engine"

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	// IdleTimeout is how long a session may have no members before it is
	// snapshotted and dropped from memory.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// MaxSequenceLag bounds how far behind a submission's sequence hint may
	// be before it is refused as stale.
	MaxSequenceLag  uint64
	Snapshots       persist.SnapshotPolicy
	SnapshotTimeout time.Duration
	LoadTimeout     time.Duration
	CommandRecords  int
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.MaxSequenceLag == 0 {
		c.MaxSequenceLag = defaultMaxSequenceLag
	}
	if c.Snapshots == (persist.SnapshotPolicy{}) {
		c.Snapshots = persist.SnapshotPolicy{EveryDeltas: defaultSnapshotEvery, Interval: defaultSnapshotPeriod}
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = defaultSnapshotTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = defaultLoadTimeout
	}
	if c.CommandRecords <= 0 {
		c.CommandRecords = defaultCommandRecords
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Codec renders the outbound messages the engine emits.
type Codec interface {
	Joined(req JoinRequest, snap session.Snapshot, participants []participant.Participant) []byte
	ParticipantJoined(sessionID string, p participant.Participant) []byte
	Delta(d session.Delta) []byte
	Snapshot(requestID string, snap session.Snapshot, participants []participant.Participant) []byte
}

// JoinRequest attaches a connection to a session.
type JoinRequest struct {
	SessionID   string
	GameID      string
	Participant participant.Participant
	Conn        registry.Conn
	Locale      string
	RequestID   string
}

// Engine coordinates the live sessions.
type Engine struct {
	cfg       Config
	codec     Codec
	registry  *registry.Registry
	states    *state.Store
	bridge    *persist.Bridge
	validator *authz.Validator
	tracer    trace.Tracer

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

// New wires an engine over its collaborators.
func New(cfg Config, reg *registry.Registry, states *state.Store, bridge *persist.Bridge, codec Codec) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		codec:     codec,
		registry:  reg,
		states:    states,
		bridge:    bridge,
		validator: &authz.Validator{},
		tracer:    otel.Tracer(tracerName),
		actors:    make(map[string]*actor),
	}
}

func (e *Engine) actorFor(sessionID string) (*actor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if a, ok := e.actors[sessionID]; ok {
		return a, nil
	}
	a := newActor(sessionID, e.cfg.CommandRecords)
	e.actors[sessionID] = a
	go e.runActor(a)
	return a, nil
}

func (e *Engine) lookup(sessionID string) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actors[sessionID]
}

// do runs fn on the actor of sessionID and waits for its result. An op that
// has not started when ctx ends is skipped. Ops caught by a retiring actor
// are retried on a fresh one.
func (e *Engine) do(ctx context.Context, sessionID string, fn func(a *actor, st *session.State) error) error {
	for {
		a, err := e.actorFor(sessionID)
		if err != nil {
			return err
		}
		var claimed atomic.Bool
		result := make(chan error, 1)
		queued := a.enqueue(func(st *session.State, loadErr error) {
			if !claimed.CompareAndSwap(false, true) {
				return
			}
			if loadErr != nil {
				result <- loadErr
				return
			}
			result <- fn(a, st)
		})
		if !queued {
			continue
		}

		select {
		case err = <-result:
		case <-ctx.Done():
			if claimed.CompareAndSwap(false, true) {
				return ctx.Err()
			}
			err = <-result
		}
		if errors.Is(err, errActorClosed) {
			continue
		}
		return err
	}
}

// Join registers req.Conn in the session, sends the joiner a snapshot and
// tells the other members. No delta can be broadcast between registration
// and the snapshot.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (*registry.Handle, error) {
	if req.SessionID == "" || req.Participant.UserID == "" || req.Conn == nil {
		return nil, ErrInvalidJoin
	}
	var h *registry.Handle
	err := e.do(ctx, req.SessionID, func(a *actor, st *session.State) error {
		e.states.AttachGame(req.SessionID, req.GameID)
		h = e.registry.Register(req.SessionID, req.Participant, req.Conn)
		participants := e.registry.Participants(req.SessionID)
		e.registry.SendTo(h, e.codec.Joined(req, st.Snapshot(e.cfg.Now()), participants))
		e.registry.Broadcast(req.SessionID, e.codec.ParticipantJoined(req.SessionID, req.Participant), h)
		log.Printf("sync: %s joined session %s as %s at %d", req.Participant.UserID, req.SessionID, req.Participant.Role, st.Sequence)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Leave detaches h. Commands it already submitted stay admitted.
func (e *Engine) Leave(h *registry.Handle) {
	if h == nil {
		return
	}
	if e.registry.Unregister(h) {
		log.Printf("sync: %s left session %s", h.Participant.UserID, h.SessionID)
	}
}

// Submit validates cmd for h's participant and, when accepted, applies and
// broadcasts it. The returned delta carries the assigned sequence number.
// Once queued, the command runs even if ctx ends first.
func (e *Engine) Submit(ctx context.Context, h *registry.Handle, cmd command.Command) (session.Delta, error) {
	if h == nil {
		return session.Delta{}, ErrNotJoined
	}
	ctx, span := e.tracer.Start(ctx, "sync.submit", trace.WithAttributes(
		attribute.String("session.id", h.SessionID),
		attribute.String("user.id", h.Participant.UserID),
		attribute.String("command.kind", string(cmd.Kind)),
	))
	defer span.End()

	d, err := e.submit(ctx, h, cmd)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.code", string(ErrorCode(err))))
		return session.Delta{}, err
	}
	span.SetAttributes(attribute.Int64("session.sequence", int64(d.Sequence)))
	return d, nil
}

func (e *Engine) submit(ctx context.Context, h *registry.Handle, cmd command.Command) (session.Delta, error) {
	if h.Closed() {
		return session.Delta{}, ErrNotJoined
	}
	if r := authz.CheckStructure(cmd); r != nil {
		return session.Delta{}, rejected(r)
	}
	if cmd.Kind == session.KindChatMessage && !h.AllowChat() {
		return session.Delta{}, &ValidationError{Reason: command.ReasonRateLimited, Message: "chat rate exceeded"}
	}
	if a := e.lookup(h.SessionID); a != nil {
		if current, ok := a.currentSeq(); ok && e.stale(cmd.SequenceHint, current) {
			return session.Delta{}, staleError(cmd.SequenceHint, current)
		}
	}

	var d session.Delta
	err := e.do(context.WithoutCancel(ctx), h.SessionID, func(a *actor, st *session.State) error {
		var err error
		d, err = e.admit(a, st, h, cmd)
		return err
	})
	return d, err
}

// admit runs on the actor goroutine. Membership is checked before queueing
// only; a command already queued applies even if its submitter has left.
func (e *Engine) admit(a *actor, st *session.State, h *registry.Handle, cmd command.Command) (session.Delta, error) {
	if e.stale(cmd.SequenceHint, st.Sequence) {
		return session.Delta{}, staleError(cmd.SequenceHint, st.Sequence)
	}
	key := commandKey(h.Participant.UserID, cmd.ID)
	if cmd.ID != "" {
		if prior, ok := a.commands.get(key); ok {
			return prior, nil
		}
	}

	decision := e.validator.Validate(st, h.Participant, cmd)
	if !decision.Accepted() {
		return session.Delta{}, rejected(decision.Rejection)
	}
	d := session.Delta{
		SessionID: a.sessionID,
		Sequence:  st.Sequence + 1,
		Kind:      decision.Change.Kind,
		TargetID:  decision.Change.TargetID,
		Payload:   decision.Change.Payload,
		UserID:    h.Participant.UserID,
		CommandID: cmd.ID,
		AppliedAt: e.cfg.Now().UTC().Truncate(time.Millisecond),
	}
	if _, err := e.states.ApplyDelta(a.sessionID, d); err != nil {
		if errors.Is(err, session.ErrInvalidDelta) {
			return session.Delta{}, &ValidationError{Reason: command.ReasonMalformed, Message: err.Error()}
		}
		return session.Delta{}, err
	}
	a.seq.Store(d.Sequence)
	if cmd.ID != "" {
		a.commands.put(key, d)
	}

	e.bridge.Persist(d)
	e.registry.Broadcast(a.sessionID, e.codec.Delta(d), nil)

	a.sinceSnapshot++
	e.maybeSnapshot(a, st)
	return d, nil
}

// stale reports whether a client hint is ahead of the session or too far
// behind it. A zero hint is never stale.
func (e *Engine) stale(hint, current uint64) bool {
	if hint == 0 {
		return false
	}
	return hint > current || current-hint > e.cfg.MaxSequenceLag
}

func staleError(hint, current uint64) error {
	return fmt.Errorf("%w: hint %d against %d", ErrSequenceConflict, hint, current)
}

// maybeSnapshot hands a snapshot to the bridge when the cadence is due or a
// dropped write left the durable log incomplete.
func (e *Engine) maybeSnapshot(a *actor, st *session.State) {
	if a.sinceSnapshot == 0 {
		return
	}
	now := e.cfg.Now()
	if !e.cfg.Snapshots.Due(a.sinceSnapshot, now.Sub(a.lastSnapshot)) && !e.bridge.NeedsSnapshot(a.sessionID) {
		return
	}
	e.bridge.Snapshot(st.Snapshot(now))
	a.sinceSnapshot = 0
	a.lastSnapshot = now
}

// Resync sends h a fresh snapshot of its session.
func (e *Engine) Resync(ctx context.Context, h *registry.Handle, requestID string) error {
	if h == nil || h.Closed() {
		return ErrNotJoined
	}
	return e.do(ctx, h.SessionID, func(a *actor, st *session.State) error {
		if !e.registry.Member(h) {
			return ErrNotJoined
		}
		snap := st.Snapshot(e.cfg.Now())
		e.registry.SendTo(h, e.codec.Snapshot(requestID, snap, e.registry.Participants(h.SessionID)))
		return nil
	})
}

// ChatHistory pages the chat log of h's session backwards from before.
func (e *Engine) ChatHistory(ctx context.Context, h *registry.Handle, before uint64, limit int) ([]session.ChatEntry, error) {
	if h == nil || h.Closed() {
		return nil, ErrNotJoined
	}
	var entries []session.ChatEntry
	err := e.do(ctx, h.SessionID, func(a *actor, st *session.State) error {
		entries = st.ChatBefore(before, limit)
		return nil
	})
	return entries, err
}

// Snapshot returns the current state of sessionID, loading it if needed.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (session.Snapshot, error) {
	var snap session.Snapshot
	err := e.do(ctx, sessionID, func(a *actor, st *session.State) error {
		snap = st.Snapshot(e.cfg.Now())
		return nil
	})
	return snap, err
}

// Live returns how many sessions have an actor.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

// Sweep evicts sessions that have had no members for IdleTimeout and
// returns how many it dropped. A session whose final snapshot cannot be
// written stays in memory.
func (e *Engine) Sweep(ctx context.Context) int {
	e.mu.Lock()
	candidates := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		candidates = append(candidates, a)
	}
	e.mu.Unlock()

	evicted := 0
	for _, a := range candidates {
		if idle, ok := e.registry.IdleFor(a.sessionID); !ok || idle < e.cfg.IdleTimeout {
			continue
		}
		result := make(chan bool, 1)
		if !a.enqueue(func(st *session.State, loadErr error) {
			result <- loadErr == nil && e.evict(ctx, a, st)
		}) {
			continue
		}
		select {
		case ok := <-result:
			if ok {
				evicted++
			}
		case <-ctx.Done():
			return evicted
		}
	}
	return evicted
}

// evict runs on the actor goroutine.
func (e *Engine) evict(ctx context.Context, a *actor, st *session.State) bool {
	if idle, ok := e.registry.IdleFor(a.sessionID); !ok || idle < e.cfg.IdleTimeout {
		return false
	}
	if st.Sequence > 0 {
		wctx, cancel := context.WithTimeout(ctx, e.cfg.SnapshotTimeout)
		err := e.bridge.WriteSnapshot(wctx, st.Snapshot(e.cfg.Now()))
		cancel()
		if err != nil {
			log.Printf("sync: keep idle session %s: final snapshot failed: %v", a.sessionID, err)
			return false
		}
	}
	e.states.Evict(a.sessionID)
	e.registry.Forget(a.sessionID)
	a.retiring = true
	log.Printf("sync: evicted idle session %s at %d", a.sessionID, st.Sequence)
	return true
}

// Run sweeps idle sessions until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sweep(ctx); n > 0 {
				log.Printf("sync: sweep evicted %d sessions", n)
			}
		}
	}
}

// Close refuses new work, writes a final snapshot of every live session and
// stops the actors. Connections and the bridge are left to their owners.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	var errs []error
	var errMu sync.Mutex
	for _, a := range actors {
		a.enqueue(func(st *session.State, loadErr error) {
			if loadErr != nil {
				return
			}
			a.retiring = true
			if st.Sequence == 0 {
				return
			}
			if err := e.bridge.WriteSnapshot(ctx, st.Snapshot(e.cfg.Now())); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				log.Printf("sync: final snapshot of %s: %v", a.sessionID, err)
			}
		})
	}
	for _, a := range actors {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	errMu.Lock()
	defer errMu.Unlock()
	return errors.Join(errs...)
}
