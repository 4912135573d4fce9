package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/command"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/participant"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
	"github.com/louisbranch/tablesync/internal/services/sync/persist"
	"github.com/louisbranch/tablesync/internal/services/sync/registry"
	"github.com/louisbranch/tablesync/internal/services/sync/state"
	"github.com/louisbranch/tablesync/internal/services/sync/storage/memory"
)

type fakeConn struct {
	got chan string

	mu     sync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{got: make(chan string, 1024)}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.got <- string(data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-c.got:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

// nextDelta skips presence notices and returns the next delta frame.
func (c *fakeConn) nextDelta(t *testing.T) string {
	t.Helper()
	for {
		msg := c.next(t)
		if strings.HasPrefix(msg, "delta:") {
			return msg
		}
	}
}

func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.got:
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeCodec struct{}

func (fakeCodec) Joined(req JoinRequest, snap session.Snapshot, participants []participant.Participant) []byte {
	return fmt.Appendf(nil, "joined:%d:%d", snap.Sequence, len(participants))
}

func (fakeCodec) ParticipantJoined(sessionID string, p participant.Participant) []byte {
	return []byte("participant-joined:" + p.UserID)
}

func (fakeCodec) Delta(d session.Delta) []byte {
	return fmt.Appendf(nil, "delta:%d:%s:%s", d.Sequence, d.Kind, d.UserID)
}

func (fakeCodec) Snapshot(requestID string, snap session.Snapshot, participants []participant.Participant) []byte {
	return fmt.Appendf(nil, "snapshot:%s:%d", requestID, snap.Sequence)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine  *Engine
	reg     *registry.Registry
	states  *state.Store
	bridge  *persist.Bridge
	durable *memory.Store
	clock   *clock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)}
	durable := memory.New()
	reg := registry.New(registry.Options{ChatBurst: 100, Now: clk.Now})
	states := state.New(durable, state.WithClock(clk.Now))
	bridge := persist.New(durable, persist.Options{Shards: 2})
	cfg.Now = clk.Now
	h := &harness{
		engine:  New(cfg, reg, states, bridge, fakeCodec{}),
		reg:     reg,
		states:  states,
		bridge:  bridge,
		durable: durable,
		clock:   clk,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.engine.Close(ctx)
		reg.CloseAll()
		_ = bridge.Close(ctx)
	})
	return h
}

func (h *harness) join(t *testing.T, sessionID, userID string, role participant.Role) (*registry.Handle, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	handle, err := h.engine.Join(context.Background(), JoinRequest{
		SessionID:   sessionID,
		Participant: participant.Participant{UserID: userID, Role: role},
		Conn:        conn,
	})
	if err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	return handle, conn
}

func addTokenCmd(id string) command.Command {
	payload, _ := json.Marshal(session.Token{ID: id, Name: id})
	return command.Command{Kind: session.KindAddToken, TargetID: id, Payload: payload}
}

func moveCmd(id string, x, y float64) command.Command {
	payload, _ := json.Marshal(session.MovePayload{X: &x, Y: &y})
	return command.Command{Kind: session.KindMoveToken, TargetID: id, Payload: payload}
}

func chatCmd(id, body string) command.Command {
	payload, _ := json.Marshal(session.ChatPayload{Body: body})
	return command.Command{ID: id, Kind: session.KindChatMessage, Payload: payload}
}

func mustSubmit(t *testing.T, e *Engine, h *registry.Handle, cmd command.Command) session.Delta {
	t.Helper()
	d, err := e.Submit(context.Background(), h, cmd)
	if err != nil {
		t.Fatalf("submit %s: %v", cmd.Kind, err)
	}
	return d
}

func TestJoinSendsSnapshotAndNotifiesOthers(t *testing.T) {
	h := newHarness(t, Config{})
	_, ownerConn := h.join(t, "s-1", "gm", participant.RoleOwner)
	if got := ownerConn.next(t); got != "joined:0:1" {
		t.Fatalf("owner first message = %q, want joined:0:1", got)
	}

	_, playerConn := h.join(t, "s-1", "p1", participant.RolePlayer)
	if got := playerConn.next(t); got != "joined:0:2" {
		t.Fatalf("player first message = %q, want joined:0:2", got)
	}
	if got := ownerConn.next(t); got != "participant-joined:p1" {
		t.Fatalf("owner notice = %q, want participant-joined:p1", got)
	}
	playerConn.expectNone(t)
}

func TestConcurrentMovesAreOrderedIdentically(t *testing.T) {
	h := newHarness(t, Config{})
	owner, ownerConn := h.join(t, "s-1", "gm", participant.RoleOwner)
	player, playerConn := h.join(t, "s-1", "p1", participant.RolePlayer)
	mustSubmit(t, h.engine, owner, addTokenCmd("t-1"))

	var wg sync.WaitGroup
	results := make(chan session.Delta, 2)
	for _, sub := range []struct {
		handle *registry.Handle
		x, y   float64
	}{{player, 5, 5}, {owner, 1, 1}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := h.engine.Submit(context.Background(), sub.handle, moveCmd("t-1", sub.x, sub.y))
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			results <- d
		}()
	}
	wg.Wait()
	close(results)

	var last session.Delta
	for d := range results {
		if d.Sequence > last.Sequence {
			last = d
		}
	}
	if last.Sequence != 3 {
		t.Fatalf("last sequence = %d, want 3", last.Sequence)
	}

	snap, err := h.engine.Snapshot(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var move session.MovePayload
	if err := json.Unmarshal(last.Payload, &move); err != nil {
		t.Fatalf("decode move: %v", err)
	}
	if token := snap.Scene.Tokens["t-1"]; token.X != *move.X || token.Y != *move.Y {
		t.Fatalf("token = (%v, %v), want last admitted (%v, %v)", token.X, token.Y, *move.X, *move.Y)
	}

	for _, conn := range []*fakeConn{ownerConn, playerConn} {
		var seqs []string
		for range 3 {
			seqs = append(seqs, strings.SplitN(conn.nextDelta(t), ":", 3)[1])
		}
		if got := strings.Join(seqs, ","); got != "1,2,3" {
			t.Fatalf("delta order = %s, want 1,2,3", got)
		}
	}
}

func TestStreamsAreIdenticalAcrossParticipants(t *testing.T) {
	h := newHarness(t, Config{})
	owner, ownerConn := h.join(t, "s-1", "gm", participant.RoleOwner)
	p1, p1Conn := h.join(t, "s-1", "p1", participant.RolePlayer)
	p2, p2Conn := h.join(t, "s-1", "p2", participant.RolePlayer)
	mustSubmit(t, h.engine, owner, addTokenCmd("t-1"))

	const perUser = 20
	var wg sync.WaitGroup
	for i, handle := range []*registry.Handle{owner, p1, p2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range perUser {
				if _, err := h.engine.Submit(context.Background(), handle, moveCmd("t-1", float64(i), float64(n))); err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	total := 1 + 3*perUser
	var streams [3][]string
	for i, conn := range []*fakeConn{ownerConn, p1Conn, p2Conn} {
		for range total {
			streams[i] = append(streams[i], conn.nextDelta(t))
		}
	}
	for i, msg := range streams[0] {
		want := fmt.Sprintf("delta:%d:", i+1)
		if !strings.HasPrefix(msg, want) {
			t.Fatalf("delta %d = %q, want prefix %q", i, msg, want)
		}
		if streams[1][i] != msg || streams[2][i] != msg {
			t.Fatalf("streams diverge at %d: %q %q %q", i, msg, streams[1][i], streams[2][i])
		}
	}
}

func TestRejectedCommandIsNotBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	owner, _ := h.join(t, "s-1", "gm", participant.RoleOwner)
	watcher, watcherConn := h.join(t, "s-1", "w1", participant.RoleObserver)
	watcherConn.next(t)

	_, err := h.engine.Submit(context.Background(), owner, moveCmd("missing", 1, 1))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Reason != command.ReasonNotFound {
		t.Fatalf("err = %v, want not-found rejection", err)
	}
	_, err = h.engine.Submit(context.Background(), watcher, addTokenCmd("t-9"))
	if !errors.As(err, &verr) || verr.Reason != command.ReasonForbidden {
		t.Fatalf("err = %v, want forbidden rejection", err)
	}
	watcherConn.expectNone(t)

	d := mustSubmit(t, h.engine, owner, addTokenCmd("t-1"))
	if d.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", d.Sequence)
	}
	if got := watcherConn.next(t); got != "delta:1:add-token:gm" {
		t.Fatalf("watcher message = %q, want delta:1:add-token:gm", got)
	}
}

func TestMalformedCommandIsRejectedBeforeQueueing(t *testing.T) {
	h := newHarness(t, Config{})
	owner, _ := h.join(t, "s-1", "gm", participant.RoleOwner)
	_, err := h.engine.Submit(context.Background(), owner, command.Command{Kind: "teleport"})
	if got := ErrorCode(err); got != command.ReasonMalformed.Code() {
		t.Fatalf("code = %v, want %v", got, command.ReasonMalformed.Code())
	}
}

func TestResubmittedCommandReturnsOriginalDelta(t *testing.T) {
	h := newHarness(t, Config{})
	owner, conn := h.join(t, "s-1", "gm", participant.RoleOwner)
	conn.next(t)

	first := mustSubmit(t, h.engine, owner, chatCmd("c-1", "hello"))
	second := mustSubmit(t, h.engine, owner, chatCmd("c-1", "hello"))
	if second.Sequence != first.Sequence {
		t.Fatalf("resubmit sequence = %d, want %d", second.Sequence, first.Sequence)
	}
	conn.next(t)
	conn.expectNone(t)

	entries, err := h.engine.ChatHistory(context.Background(), owner, 0, 10)
	if err != nil {
		t.Fatalf("chat history: %v", err)
	}
	if len(entries) != 1 || entries[0].Body != "hello" {
		t.Fatalf("chat = %+v, want one hello", entries)
	}
}

func TestStaleSequenceHintConflicts(t *testing.T) {
	h := newHarness(t, Config{MaxSequenceLag: 2})
	owner, _ := h.join(t, "s-1", "gm", participant.RoleOwner)
	mustSubmit(t, h.engine, owner, addTokenCmd("t-1"))

	ahead := moveCmd("t-1", 1, 1)
	ahead.SequenceHint = 5
	if _, err := h.engine.Submit(context.Background(), owner, ahead); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("err = %v, want sequence conflict", err)
	}

	for n := range 3 {
		mustSubmit(t, h.engine, owner, moveCmd("t-1", float64(n), 0))
	}
	behind := moveCmd("t-1", 9, 9)
	behind.SequenceHint = 1
	if _, err := h.engine.Submit(context.Background(), owner, behind); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("err = %v, want sequence conflict", err)
	}

	current := moveCmd("t-1", 9, 9)
	current.SequenceHint = 4
	if d := mustSubmit(t, h.engine, owner, current); d.Sequence != 5 {
		t.Fatalf("sequence = %d, want 5", d.Sequence)
	}
}

func TestSubmitAfterLeaveIsNotJoined(t *testing.T) {
	h := newHarness(t, Config{})
	owner, _ := h.join(t, "s-1", "gm", participant.RoleOwner)
	h.engine.Leave(owner)
	if _, err := h.engine.Submit(context.Background(), owner, addTokenCmd("t-1")); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("err = %v, want %v", err, ErrNotJoined)
	}
}

func queuedOps(a *actor) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func TestQueuedCommandAppliesAfterSubmitterLeaves(t *testing.T) {
	h := newHarness(t, Config{})
	owner, _ := h.join(t, "s-1", "gm", participant.RoleOwner)
	_, playerConn := h.join(t, "s-1", "p1", participant.RolePlayer)
	playerConn.next(t)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.engine.do(context.Background(), "s-1", func(*actor, *session.State) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	type outcome struct {
		d   session.Delta
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		d, err := h.engine.Submit(context.Background(), owner, addTokenCmd("t-1"))
		done <- outcome{d, err}
	}()

	a := h.engine.lookup("s-1")
	deadline := time.Now().Add(2 * time.Second)
	for queuedOps(a) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the command to queue")
		}
		time.Sleep(time.Millisecond)
	}
	h.engine.Leave(owner)
	close(release)

	got := <-done
	if got.err != nil {
		t.Fatalf("submit: %v", got.err)
	}
	if got.d.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", got.d.Sequence)
	}
	if msg := playerConn.nextDelta(t); msg != "delta:1:add-token:gm" {
		t.Fatalf("player delta = %q, want delta:1:add-token:gm", msg)
	}
	snap, err := h.states.Snapshot("s-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap.Scene.Tokens["t-1"]; !ok {
		t.Fatal("expected token t-1 in session state")
	}
}

func TestLateJoinerSeesNoGap(t *testing.T) {
	h := newHarness(t, Config{})
	owner, _ := h.join(t, "s-1", "gm", participant.RoleOwner)
	mustSubmit(t, h.engine, owner, addTokenCmd("t-1"))
	for n := range 99 {
		mustSubmit(t, h.engine, owner, moveCmd("t-1", float64(n), 0))
	}

	_, late := h.join(t, "s-1", "p1", participant.RolePlayer)
	if got := late.next(t); got != "joined:100:2" {
		t.Fatalf("late joiner first message = %q, want joined:100:2", got)
	}
	mustSubmit(t, h.engine, owner, moveCmd("t-1", 1, 1))
	if got := late.nextDelta(t); !strings.HasPrefix(got, "delta:101:") {
		t.Fatalf("next delta = %q, want sequence 101", got)
	}
}

func TestResyncSendsSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	owner, conn := h.join(t, "s-1", "gm", participant.RoleOwner)
	conn.next(t)
	mustSubmit(t, h.engine, owner, addTokenCmd("t-1"))
	conn.next(t)

	if err := h.engine.Resync(context.Background(), owner, "r-7"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if got := conn.next(t); got != "snapshot:r-7:1" {
		t.Fatalf("message = %q, want snapshot:r-7:1", got)
	}
}

func TestSweepEvictsIdleSessionAndReloads(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 30 * time.Minute})
	owner, _ := h.join(t, "s-1", "gm", participant.RoleOwner)
	mustSubmit(t, h.engine, owner, addTokenCmd("t-1"))
	mustSubmit(t, h.engine, owner, moveCmd("t-1", 3, 4))
	before, err := h.engine.Snapshot(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	h.engine.Leave(owner)

	h.clock.Advance(10 * time.Minute)
	if n := h.engine.Sweep(context.Background()); n != 0 {
		t.Fatalf("evicted = %d, want 0 before timeout", n)
	}
	h.clock.Advance(25 * time.Minute)
	if n := h.engine.Sweep(context.Background()); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if h.states.Loaded("s-1") {
		t.Fatal("expected session to be dropped from memory")
	}
	stored, err := h.durable.LoadSnapshot(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if stored.Sequence != 2 {
		t.Fatalf("stored sequence = %d, want 2", stored.Sequence)
	}

	_, conn := h.join(t, "s-1", "p1", participant.RolePlayer)
	if got := conn.next(t); got != "joined:2:1" {
		t.Fatalf("rejoin message = %q, want joined:2:1", got)
	}
	after, err := h.engine.Snapshot(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if after.Scene.Tokens["t-1"] != before.Scene.Tokens["t-1"] || after.Sequence != before.Sequence {
		t.Fatalf("reloaded = %+v, want %+v", after.Scene.Tokens, before.Scene.Tokens)
	}
}

func TestSweepKeepsOccupiedSessions(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: time.Minute})
	h.join(t, "s-1", "gm", participant.RoleOwner)
	h.clock.Advance(time.Hour)
	if n := h.engine.Sweep(context.Background()); n != 0 {
		t.Fatalf("evicted = %d, want 0", n)
	}
	if !h.states.Loaded("s-1") {
		t.Fatal("expected occupied session to stay loaded")
	}
}

func TestCloseWritesFinalSnapshots(t *testing.T) {
	h := newHarness(t, Config{})
	owner, _ := h.join(t, "s-1", "gm", participant.RoleOwner)
	mustSubmit(t, h.engine, owner, addTokenCmd("t-1"))
	mustSubmit(t, h.engine, owner, moveCmd("t-1", 2, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	stored, err := h.durable.LoadSnapshot(ctx, "s-1")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if stored.Sequence != 2 {
		t.Fatalf("stored sequence = %d, want 2", stored.Sequence)
	}
	if _, err := h.engine.Submit(ctx, owner, moveCmd("t-1", 1, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want %v", err, ErrClosed)
	}
}

func TestSnapshotCadenceWritesEveryN(t *testing.T) {
	h := newHarness(t, Config{Snapshots: persist.SnapshotPolicy{EveryDeltas: 3}})
	owner, _ := h.join(t, "s-1", "gm", participant.RoleOwner)
	mustSubmit(t, h.engine, owner, addTokenCmd("t-1"))
	mustSubmit(t, h.engine, owner, moveCmd("t-1", 1, 0))
	mustSubmit(t, h.engine, owner, moveCmd("t-1", 2, 0))
	mustSubmit(t, h.engine, owner, moveCmd("t-1", 3, 0))

	if err := h.bridge.Flush(context.Background(), "s-1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	stored, err := h.durable.LoadSnapshot(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if stored.Sequence != 3 {
		t.Fatalf("snapshot sequence = %d, want 3", stored.Sequence)
	}
	deltas, err := h.durable.ListDeltas(context.Background(), "s-1", 0, 10)
	if err != nil {
		t.Fatalf("list deltas: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Sequence != 4 {
		t.Fatalf("deltas after prune = %+v, want only sequence 4", deltas)
	}
}

func TestCommandLogEvictsOldest(t *testing.T) {
	log := newCommandLog(2)
	log.put("a", session.Delta{Sequence: 1})
	log.put("b", session.Delta{Sequence: 2})
	log.put("c", session.Delta{Sequence: 3})
	if _, ok := log.get("a"); ok {
		t.Fatal("expected oldest record to be evicted")
	}
	if d, ok := log.get("c"); !ok || d.Sequence != 3 {
		t.Fatalf("record c = %+v, %v", d, ok)
	}
}
