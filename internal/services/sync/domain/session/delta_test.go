package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/dice"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func delta(seq uint64, kind Kind, target string, payload any) Delta {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Delta{
		SessionID: "s-1",
		Sequence:  seq,
		Kind:      kind,
		TargetID:  target,
		Payload:   raw,
		UserID:    "u-1",
		AppliedAt: testNow.Add(time.Duration(seq) * time.Second),
	}
}

func f(v float64) *float64 { return &v }

func mustApply(t *testing.T, st *State, d Delta) {
	t.Helper()
	if err := Apply(st, d); err != nil {
		t.Fatalf("apply %s seq %d: %v", d.Kind, d.Sequence, err)
	}
}

func stateJSON(t *testing.T, st *State) string {
	t.Helper()
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	return string(data)
}

func TestApplyTokenLifecycle(t *testing.T) {
	st := New("s-1")
	mustApply(t, st, delta(1, KindAddToken, "t-1", Token{ID: "t-1", Name: "Goblin", X: 10, Y: 20}))
	mustApply(t, st, delta(2, KindMoveToken, "t-1", MovePayload{X: f(5), Y: f(5), Rotation: f(90)}))
	hidden := true
	mustApply(t, st, delta(3, KindUpdateToken, "t-1", TokenPatch{Hidden: &hidden}))

	token := st.Scene.Tokens["t-1"]
	if token.X != 5 || token.Y != 5 {
		t.Fatalf("position = (%v,%v), want (5,5)", token.X, token.Y)
	}
	if token.Rotation != 90 {
		t.Fatalf("rotation = %v, want 90", token.Rotation)
	}
	if !token.Visibility.Hidden {
		t.Fatal("expected token to be hidden")
	}
	if token.Name != "Goblin" {
		t.Fatalf("name = %q, want Goblin", token.Name)
	}

	mustApply(t, st, delta(4, KindRemoveToken, "t-1", nil))
	if _, ok := st.Scene.Tokens["t-1"]; ok {
		t.Fatal("expected token to be removed")
	}
	if st.Sequence != 4 {
		t.Fatalf("sequence = %d, want 4", st.Sequence)
	}
}

func TestApplyRejectsOutOfOrderSequence(t *testing.T) {
	st := New("s-1")
	mustApply(t, st, delta(1, KindAddToken, "t-1", Token{ID: "t-1"}))

	for _, seq := range []uint64{1, 3} {
		err := Apply(st, delta(seq, KindMoveToken, "t-1", MovePayload{X: f(1), Y: f(1)}))
		if !errors.Is(err, ErrSequenceConflict) {
			t.Fatalf("seq %d: err = %v, want sequence conflict", seq, err)
		}
	}
	if st.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", st.Sequence)
	}
	if token := st.Scene.Tokens["t-1"]; token.X != 0 || token.Y != 0 {
		t.Fatalf("token moved after conflict: %+v", token)
	}
}

func TestApplyInvalidDeltaLeavesStateUntouched(t *testing.T) {
	st := New("s-1")
	before := stateJSON(t, st)

	err := Apply(st, delta(1, KindMoveToken, "missing", MovePayload{X: f(1), Y: f(1)}))
	if !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("err = %v, want invalid delta", err)
	}
	if after := stateJSON(t, st); after != before {
		t.Fatalf("state changed:\n%s\n%s", before, after)
	}
}

func TestApplyCombatTurnsWrapRound(t *testing.T) {
	st := New("s-1")
	mustApply(t, st, delta(1, KindUpdateCombat, "", CombatPayload{
		Action: CombatStart,
		Combatants: []Combatant{
			{ID: "c-1", Initiative: 18},
			{ID: "c-2", Initiative: 12},
		},
	}))
	if st.Combat.Round != 1 || st.Combat.Turn != 0 {
		t.Fatalf("start = round %d turn %d, want round 1 turn 0", st.Combat.Round, st.Combat.Turn)
	}

	mustApply(t, st, delta(2, KindUpdateCombat, "", CombatPayload{Action: CombatAdvanceTurn}))
	if st.Combat.Turn != 1 || st.Combat.Round != 1 {
		t.Fatalf("after advance = round %d turn %d, want round 1 turn 1", st.Combat.Round, st.Combat.Turn)
	}
	mustApply(t, st, delta(3, KindUpdateCombat, "", CombatPayload{Action: CombatAdvanceTurn}))
	if st.Combat.Turn != 0 || st.Combat.Round != 2 {
		t.Fatalf("after wrap = round %d turn %d, want round 2 turn 0", st.Combat.Round, st.Combat.Turn)
	}

	mustApply(t, st, delta(4, KindUpdateCombat, "", CombatPayload{Action: CombatEnd}))
	if st.Combat.Active {
		t.Fatal("expected combat to end")
	}
}

func TestApplySetOrderKeepsActiveCombatant(t *testing.T) {
	st := New("s-1")
	mustApply(t, st, delta(1, KindUpdateCombat, "", CombatPayload{
		Action:     CombatStart,
		Combatants: []Combatant{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	}))
	mustApply(t, st, delta(2, KindUpdateCombat, "", CombatPayload{Action: CombatAdvanceTurn}))
	mustApply(t, st, delta(3, KindUpdateCombat, "", CombatPayload{
		Action:     CombatSetOrder,
		Combatants: []Combatant{{ID: "c"}, {ID: "b"}, {ID: "a"}},
	}))

	current, ok := st.Combat.Current()
	if !ok || current.ID != "b" {
		t.Fatalf("current = %+v, want b", current)
	}
}

func TestApplyAdvanceWithoutCombatFails(t *testing.T) {
	st := New("s-1")
	err := Apply(st, delta(1, KindUpdateCombat, "", CombatPayload{Action: CombatAdvanceTurn}))
	if !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("err = %v, want invalid delta", err)
	}
}

func TestApplyChatAppendsToLog(t *testing.T) {
	st := New("s-1")
	mustApply(t, st, delta(1, KindChatMessage, "", ChatPayload{Body: "hello"}))
	mustApply(t, st, delta(2, KindAddToken, "t-1", Token{ID: "t-1"}))
	mustApply(t, st, delta(3, KindChatMessage, "", ChatPayload{Body: "moved"}))

	if len(st.Chat) != 2 {
		t.Fatalf("chat len = %d, want 2", len(st.Chat))
	}
	if st.Chat[1].Sequence != 3 || st.Chat[1].Body != "moved" {
		t.Fatalf("chat[1] = %+v", st.Chat[1])
	}

	page := st.ChatBefore(3, 10)
	if len(page) != 1 || page[0].Body != "hello" {
		t.Fatalf("ChatBefore(3) = %+v", page)
	}
	if page := st.ChatBefore(0, 1); len(page) != 1 || page[0].Body != "moved" {
		t.Fatalf("ChatBefore(0,1) = %+v", page)
	}
}

func TestApplyChatKeepsRollResult(t *testing.T) {
	st := New("s-1")
	result := &dice.Result{Seed: 3, Groups: []dice.Group{{Sides: 20, Results: []int{17}, Total: 17}}, Total: 17}
	mustApply(t, st, delta(1, KindChatMessage, "", ChatPayload{Body: "perception", Result: result}))
	if st.Chat[0].Roll == nil || st.Chat[0].Roll.Total != 17 {
		t.Fatalf("chat roll = %+v, want total 17", st.Chat[0].Roll)
	}
}

func TestUpdateSceneResetClearsBoard(t *testing.T) {
	st := New("s-1")
	mustApply(t, st, delta(1, KindAddToken, "t-1", Token{ID: "t-1"}))
	mustApply(t, st, delta(2, KindAddWall, "w-1", Wall{ID: "w-1", X2: 100}))
	name := "Crypt"
	mustApply(t, st, delta(3, KindUpdateScene, "", ScenePatch{Name: &name, Reset: true}))

	if len(st.Scene.Tokens) != 0 || len(st.Scene.Walls) != 0 {
		t.Fatalf("board not cleared: %+v", st.Scene)
	}
	if st.Scene.Name != "Crypt" {
		t.Fatalf("scene name = %q, want Crypt", st.Scene.Name)
	}
}

func TestSnapshotReplayMatchesContinuousApply(t *testing.T) {
	deltas := []Delta{
		delta(1, KindAddToken, "t-1", Token{ID: "t-1", X: 1}),
		delta(2, KindAddLight, "l-1", Light{ID: "l-1", Radius: 30}),
		delta(3, KindMoveToken, "t-1", MovePayload{X: f(4), Y: f(2)}),
		delta(4, KindChatMessage, "", ChatPayload{Body: "hi"}),
		delta(5, KindUpdateCombat, "", CombatPayload{Action: CombatStart, Combatants: []Combatant{{ID: "c-1"}, {ID: "c-2"}}}),
		delta(6, KindUpdateCombat, "", CombatPayload{Action: CombatAdvanceTurn}),
		delta(7, KindRemoveLight, "l-1", nil),
	}

	for split := 0; split <= len(deltas); split++ {
		continuous := New("s-1")
		for _, d := range deltas {
			mustApply(t, continuous, d)
		}

		partial := New("s-1")
		for _, d := range deltas[:split] {
			mustApply(t, partial, d)
		}
		data, err := json.Marshal(partial.Snapshot(testNow))
		if err != nil {
			t.Fatalf("marshal snapshot: %v", err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			t.Fatalf("unmarshal snapshot: %v", err)
		}
		restored := Restore(snap)
		for _, d := range deltas[split:] {
			mustApply(t, restored, d)
		}

		if got, want := stateJSON(t, restored), stateJSON(t, continuous); got != want {
			t.Fatalf("split %d: restored state differs\n got %s\nwant %s", split, got, want)
		}
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	st := New("s-1")
	mustApply(t, st, delta(1, KindAddToken, "t-1", Token{ID: "t-1"}))
	snap := st.Snapshot(testNow)

	mustApply(t, st, delta(2, KindMoveToken, "t-1", MovePayload{X: f(9), Y: f(9)}))
	if snap.Scene.Tokens["t-1"].X != 0 {
		t.Fatal("snapshot observed later mutation")
	}
	if snap.Sequence != 1 {
		t.Fatalf("snapshot sequence = %d, want 1", snap.Sequence)
	}
}
