package session

import (
	"time"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/dice"
)

// State is the in-memory view of one session.
type State struct {
	SessionID string      `json:"sessionId"`
	GameID    string      `json:"gameId,omitempty"`
	Scene     Scene       `json:"scene"`
	Combat    Combat      `json:"combat"`
	Chat      []ChatEntry `json:"chat,omitempty"`
	Sequence  uint64      `json:"sequenceNumber"`
}

// Scene is the active board.
type Scene struct {
	ID     string           `json:"id,omitempty"`
	Name   string           `json:"name,omitempty"`
	Grid   Grid             `json:"grid"`
	Tokens map[string]Token `json:"tokens"`
	Walls  map[string]Wall  `json:"walls"`
	Lights map[string]Light `json:"lights"`
}

// Token is a movable piece on the board.
type Token struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	X           float64    `json:"x"`
	Y           float64    `json:"y"`
	Rotation    float64    `json:"rotation,omitempty"`
	ActorID     string     `json:"actorId,omitempty"`
	OwnerUserID string     `json:"ownerUserId,omitempty"`
	Visibility  Visibility `json:"visibility"`
}

// Visibility holds the per-token display flags.
type Visibility struct {
	Hidden bool `json:"hidden,omitempty"`
	Vision bool `json:"vision,omitempty"`
}

// DoorState is the door mode of a wall segment. Empty means not a door.
type DoorState string

const (
	DoorNone   DoorState = ""
	DoorClosed DoorState = "closed"
	DoorOpen   DoorState = "open"
	DoorLocked DoorState = "locked"
)

// Valid reports whether d is a known door state.
func (d DoorState) Valid() bool {
	switch d {
	case DoorNone, DoorClosed, DoorOpen, DoorLocked:
		return true
	}
	return false
}

// Wall is a line segment that can block movement and sight.
type Wall struct {
	ID             string    `json:"id"`
	X1             float64   `json:"x1"`
	Y1             float64   `json:"y1"`
	X2             float64   `json:"x2"`
	Y2             float64   `json:"y2"`
	BlocksMovement bool      `json:"blocksMovement,omitempty"`
	BlocksVision   bool      `json:"blocksVision,omitempty"`
	Door           DoorState `json:"door,omitempty"`
	OwnerUserID    string    `json:"ownerUserId,omitempty"`
}

// Light is an ambient light source.
type Light struct {
	ID          string  `json:"id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Radius      float64 `json:"radius"`
	Color       string  `json:"color,omitempty"`
	OwnerUserID string  `json:"ownerUserId,omitempty"`
}

// Combat is the initiative tracker.
type Combat struct {
	Active     bool        `json:"active"`
	Combatants []Combatant `json:"combatants,omitempty"`
	Turn       int         `json:"turn"`
	Round      int         `json:"round"`
}

// Combatant is one entry in the initiative order.
type Combatant struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	TokenID     string  `json:"tokenId,omitempty"`
	OwnerUserID string  `json:"ownerUserId,omitempty"`
	Initiative  float64 `json:"initiative"`
}

// Current returns the combatant whose turn it is.
func (c Combat) Current() (Combatant, bool) {
	if !c.Active || c.Turn < 0 || c.Turn >= len(c.Combatants) {
		return Combatant{}, false
	}
	return c.Combatants[c.Turn], true
}

// ChatEntry is one line of the session chat log.
type ChatEntry struct {
	Sequence uint64       `json:"sequenceNumber"`
	UserID   string       `json:"userId"`
	Body     string       `json:"body"`
	Roll     *dice.Result `json:"roll,omitempty"`
	SentAt   time.Time    `json:"sentAt"`
}

// New returns an empty session with an empty scene.
func New(sessionID string) *State {
	return &State{
		SessionID: sessionID,
		Scene:     emptyScene(),
	}
}

func emptyScene() Scene {
	return Scene{
		Tokens: map[string]Token{},
		Walls:  map[string]Wall{},
		Lights: map[string]Light{},
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Scene = s.Scene.clone()
	out.Combat = s.Combat.clone()
	out.Chat = append([]ChatEntry(nil), s.Chat...)
	return &out
}

func (sc *Scene) ensureMaps() {
	if sc.Tokens == nil {
		sc.Tokens = map[string]Token{}
	}
	if sc.Walls == nil {
		sc.Walls = map[string]Wall{}
	}
	if sc.Lights == nil {
		sc.Lights = map[string]Light{}
	}
}

func (sc Scene) clone() Scene {
	out := sc
	out.Tokens = make(map[string]Token, len(sc.Tokens))
	for id, token := range sc.Tokens {
		out.Tokens[id] = token
	}
	out.Walls = make(map[string]Wall, len(sc.Walls))
	for id, wall := range sc.Walls {
		out.Walls[id] = wall
	}
	out.Lights = make(map[string]Light, len(sc.Lights))
	for id, light := range sc.Lights {
		out.Lights[id] = light
	}
	return out
}

func (c Combat) clone() Combat {
	out := c
	out.Combatants = append([]Combatant(nil), c.Combatants...)
	return out
}

// ChatBefore returns up to limit chat entries with a sequence lower than
// before, oldest first. A zero before means the end of the log.
func (s *State) ChatBefore(before uint64, limit int) []ChatEntry {
	end := len(s.Chat)
	if before > 0 {
		end = 0
		for end < len(s.Chat) && s.Chat[end].Sequence < before {
			end++
		}
	}
	start := end - limit
	if limit <= 0 || start < 0 {
		start = 0
	}
	return append([]ChatEntry(nil), s.Chat[start:end]...)
}
