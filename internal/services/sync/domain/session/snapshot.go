package session

import "time"

// Snapshot is a durable copy of a session at a sequence number.
type Snapshot struct {
	SessionID string      `json:"sessionId"`
	GameID    string      `json:"gameId,omitempty"`
	Scene     Scene       `json:"scene"`
	Combat    Combat      `json:"combat"`
	Chat      []ChatEntry `json:"chat,omitempty"`
	Sequence  uint64      `json:"sequenceNumber"`
	TakenAt   time.Time   `json:"takenAt"`
}

// Snapshot captures a deep copy of the state.
func (s *State) Snapshot(now time.Time) Snapshot {
	c := s.Clone()
	return Snapshot{
		SessionID: c.SessionID,
		GameID:    c.GameID,
		Scene:     c.Scene,
		Combat:    c.Combat,
		Chat:      c.Chat,
		Sequence:  c.Sequence,
		TakenAt:   now.UTC(),
	}
}

// Restore rebuilds state from a snapshot. The snapshot is copied.
func Restore(snap Snapshot) *State {
	st := &State{
		SessionID: snap.SessionID,
		GameID:    snap.GameID,
		Scene:     snap.Scene,
		Combat:    snap.Combat,
		Chat:      snap.Chat,
		Sequence:  snap.Sequence,
	}
	return st.Clone()
}
