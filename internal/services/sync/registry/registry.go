// Package registry tracks live participant connections per session and fans
// messages out to them.
//
// Each handle owns a bounded outbound queue drained by its own writer
// goroutine, so a slow client never stalls a broadcast. A full queue or a
// failed write unregisters the handle instead of surfacing an error.
package registry

import (
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/participant"
)

const (
	defaultBuffer    = 256
	defaultChatRate  = rate.Limit(2)
	defaultChatBurst = 5
)

// Conn is the write side of a participant transport.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Options configures a Registry.
type Options struct {
	// Buffer is the outbound queue length per handle.
	Buffer int
	// ChatRate and ChatBurst shape the per-handle chat limiter.
	ChatRate  rate.Limit
	ChatBurst int
	// LeftMessage builds the notice sent to remaining members when a
	// participant unregisters. Nil disables the notice.
	LeftMessage func(sessionID string, p participant.Participant) []byte
	// Now overrides the clock used for idle tracking.
	Now func() time.Time
}

// Handle is one registered participant connection.
type Handle struct {
	ID          string
	SessionID   string
	Participant participant.Participant

	conn      Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	lastAck   atomic.Uint64
	chat      *rate.Limiter
	reg       *Registry
}

// Done is closed once the handle is unregistered or replaced.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Closed reports whether the handle has been shut down.
func (h *Handle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Ack records the highest sequence the client reports having applied.
func (h *Handle) Ack(seq uint64) {
	for {
		current := h.lastAck.Load()
		if seq <= current || h.lastAck.CompareAndSwap(current, seq) {
			return
		}
	}
}

// LastAck returns the highest acknowledged sequence.
func (h *Handle) LastAck() uint64 {
	return h.lastAck.Load()
}

// AllowChat consumes one chat token from the handle's limiter.
func (h *Handle) AllowChat() bool {
	return h.chat.Allow()
}

func (h *Handle) enqueue(msg []byte) bool {
	if h.Closed() {
		return false
	}
	select {
	case h.out <- msg:
		return true
	default:
		return false
	}
}

func (h *Handle) shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)
		if err := h.conn.Close(); err != nil {
			log.Printf("sync: close connection %s: %v", h.ID, err)
		}
	})
}

func (h *Handle) writeLoop() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.out:
			if err := h.conn.WriteMessage(msg); err != nil {
				log.Printf("sync: write to %s in session %s failed: %v", h.Participant.UserID, h.SessionID, err)
				h.reg.Unregister(h)
				return
			}
		}
	}
}

type group struct {
	mu         sync.Mutex
	members    map[string]*Handle
	emptySince time.Time
}

// Registry maps sessions to their connected participants.
type Registry struct {
	mu     sync.Mutex
	groups map[string]*group
	opts   Options
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.ChatRate <= 0 {
		opts.ChatRate = defaultChatRate
	}
	if opts.ChatBurst <= 0 {
		opts.ChatBurst = defaultChatBurst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{groups: make(map[string]*group), opts: opts}
}

func (r *Registry) lookup(sessionID string) *group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[sessionID]
}

// Register attaches conn for p to sessionID. An existing connection of the
// same user in that session is closed without a departure notice.
func (r *Registry) Register(sessionID string, p participant.Participant, conn Conn) *Handle {
	h := &Handle{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Participant: p,
		conn:        conn,
		out:         make(chan []byte, r.opts.Buffer),
		done:        make(chan struct{}),
		chat:        rate.NewLimiter(r.opts.ChatRate, r.opts.ChatBurst),
		reg:         r,
	}

	r.mu.Lock()
	g, ok := r.groups[sessionID]
	if !ok {
		g = &group{members: make(map[string]*Handle)}
		r.groups[sessionID] = g
	}
	g.mu.Lock()
	prior := g.members[p.UserID]
	g.members[p.UserID] = h
	g.emptySince = time.Time{}
	g.mu.Unlock()
	r.mu.Unlock()

	if prior != nil {
		log.Printf("sync: user %s reconnected to session %s; closing prior connection", p.UserID, sessionID)
		prior.shutdown()
	}
	go h.writeLoop()
	return h
}

// Unregister detaches h and tells the remaining members. It reports whether
// h was still registered.
func (r *Registry) Unregister(h *Handle) bool {
	if h == nil {
		return false
	}
	removed := false
	if g := r.lookup(h.SessionID); g != nil {
		g.mu.Lock()
		if g.members[h.Participant.UserID] == h {
			delete(g.members, h.Participant.UserID)
			removed = true
			if len(g.members) == 0 {
				g.emptySince = r.opts.Now()
			}
		}
		g.mu.Unlock()
	}
	h.shutdown()

	if removed && r.opts.LeftMessage != nil {
		if msg := r.opts.LeftMessage(h.SessionID, h.Participant); msg != nil {
			r.Broadcast(h.SessionID, msg, nil)
		}
	}
	return removed
}

// Broadcast enqueues msg for every member of sessionID except exclude and
// returns how many members accepted it. Members whose queue is full are
// unregistered.
func (r *Registry) Broadcast(sessionID string, msg []byte, exclude *Handle) int {
	g := r.lookup(sessionID)
	if g == nil {
		return 0
	}

	var failed []*Handle
	delivered := 0
	g.mu.Lock()
	for _, h := range g.members {
		if h == exclude {
			continue
		}
		if h.enqueue(msg) {
			delivered++
		} else {
			failed = append(failed, h)
		}
	}
	g.mu.Unlock()

	for _, h := range failed {
		log.Printf("sync: outbound queue full for %s in session %s", h.Participant.UserID, sessionID)
		r.Unregister(h)
	}
	return delivered
}

// SendTo enqueues msg for h alone.
func (r *Registry) SendTo(h *Handle, msg []byte) bool {
	if h == nil {
		return false
	}
	if h.enqueue(msg) {
		return true
	}
	if !h.Closed() {
		log.Printf("sync: outbound queue full for %s in session %s", h.Participant.UserID, h.SessionID)
	}
	r.Unregister(h)
	return false
}

// Count returns the number of members in sessionID.
func (r *Registry) Count(sessionID string) int {
	g := r.lookup(sessionID)
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Member reports whether h is the current connection of its user.
func (r *Registry) Member(h *Handle) bool {
	if h == nil {
		return false
	}
	g := r.lookup(h.SessionID)
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members[h.Participant.UserID] == h
}

// IdleFor reports how long sessionID has had no members. The boolean is
// false while anyone is connected. Unknown sessions count as idle forever.
func (r *Registry) IdleFor(sessionID string) (time.Duration, bool) {
	g := r.lookup(sessionID)
	if g == nil {
		return time.Duration(math.MaxInt64), true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) > 0 {
		return 0, false
	}
	return r.opts.Now().Sub(g.emptySince), true
}

// Participants lists the members of sessionID ordered by user id.
func (r *Registry) Participants(sessionID string) []participant.Participant {
	g := r.lookup(sessionID)
	if g == nil {
		return nil
	}
	g.mu.Lock()
	out := make([]participant.Participant, 0, len(g.members))
	for _, h := range g.members {
		out = append(out, h.Participant)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Forget drops the bookkeeping of an empty session. It refuses while members
// are connected.
func (r *Registry) Forget(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[sessionID]
	if !ok {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) > 0 {
		return false
	}
	delete(r.groups, sessionID)
	return true
}

// CloseAll shuts every connection without departure notices.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var handles []*Handle
	for _, g := range r.groups {
		g.mu.Lock()
		for _, h := range g.members {
			handles = append(handles, h)
		}
		g.members = make(map[string]*Handle)
		g.emptySince = r.opts.Now()
		g.mu.Unlock()
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.shutdown()
	}
}
