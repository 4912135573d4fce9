package session

import "github.com/louisbranch/tablesync/internal/services/sync/domain/dice"

// Kind names a board mutation. The set is closed.
type Kind string

const (
	KindAddToken     Kind = "add-token"
	KindMoveToken    Kind = "move-token"
	KindUpdateToken  Kind = "update-token"
	KindRemoveToken  Kind = "remove-token"
	KindAddWall      Kind = "add-wall"
	KindUpdateWall   Kind = "update-wall"
	KindRemoveWall   Kind = "remove-wall"
	KindAddLight     Kind = "add-light"
	KindUpdateLight  Kind = "update-light"
	KindRemoveLight  Kind = "remove-light"
	KindUpdateScene  Kind = "update-scene"
	KindUpdateCombat Kind = "update-combat"
	KindChatMessage  Kind = "chat-message"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAddToken, KindMoveToken, KindUpdateToken, KindRemoveToken,
		KindAddWall, KindUpdateWall, KindRemoveWall,
		KindAddLight, KindUpdateLight, KindRemoveLight,
		KindUpdateScene, KindUpdateCombat, KindChatMessage:
		return true
	}
	return false
}

// IsCreate reports whether k introduces a new entity.
func (k Kind) IsCreate() bool {
	return k == KindAddToken || k == KindAddWall || k == KindAddLight
}

// NeedsTarget reports whether k addresses an existing entity by id.
func (k Kind) NeedsTarget() bool {
	switch k {
	case KindMoveToken, KindUpdateToken, KindRemoveToken,
		KindUpdateWall, KindRemoveWall,
		KindUpdateLight, KindRemoveLight:
		return true
	}
	return false
}

// MovePayload moves a token. Rotation is optional.
type MovePayload struct {
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	Rotation *float64 `json:"rotation,omitempty"`
}

// TokenPatch updates the supplied token fields only.
type TokenPatch struct {
	Name        *string  `json:"name,omitempty"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Rotation    *float64 `json:"rotation,omitempty"`
	ActorID     *string  `json:"actorId,omitempty"`
	OwnerUserID *string  `json:"ownerUserId,omitempty"`
	Hidden      *bool    `json:"hidden,omitempty"`
	Vision      *bool    `json:"vision,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TokenPatch) Empty() bool {
	return p == TokenPatch{}
}

// WallPatch updates the supplied wall fields only.
type WallPatch struct {
	X1             *float64   `json:"x1,omitempty"`
	Y1             *float64   `json:"y1,omitempty"`
	X2             *float64   `json:"x2,omitempty"`
	Y2             *float64   `json:"y2,omitempty"`
	BlocksMovement *bool      `json:"blocksMovement,omitempty"`
	BlocksVision   *bool      `json:"blocksVision,omitempty"`
	Door           *DoorState `json:"door,omitempty"`
	OwnerUserID    *string    `json:"ownerUserId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p WallPatch) Empty() bool {
	return p == WallPatch{}
}

// LightPatch updates the supplied light fields only.
type LightPatch struct {
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Radius      *float64 `json:"radius,omitempty"`
	Color       *string  `json:"color,omitempty"`
	OwnerUserID *string  `json:"ownerUserId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p LightPatch) Empty() bool {
	return p == LightPatch{}
}

// ScenePatch changes scene metadata. Reset clears every board entity, which
// is how a scene switch is expressed.
type ScenePatch struct {
	ID    *string `json:"id,omitempty"`
	Name  *string `json:"name,omitempty"`
	Grid  *Grid   `json:"grid,omitempty"`
	Reset bool    `json:"reset,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ScenePatch) Empty() bool {
	return p == ScenePatch{}
}

// CombatAction is the update-combat sub-command.
type CombatAction string

const (
	CombatStart       CombatAction = "start"
	CombatAdvanceTurn CombatAction = "advance-turn"
	CombatSetOrder    CombatAction = "set-order"
	CombatEnd         CombatAction = "end"
)

// CombatPayload carries an update-combat action. Combatants is used by start
// and set-order and is already in initiative order once admitted.
type CombatPayload struct {
	Action     CombatAction `json:"action"`
	Combatants []Combatant  `json:"combatants,omitempty"`
}

// ChatPayload is a chat line. Roll asks the server to roll dice with the
// message; Result is filled in on admission and never accepted from clients.
type ChatPayload struct {
	Body   string        `json:"body"`
	Roll   *dice.Request `json:"roll,omitempty"`
	Result *dice.Result  `json:"result,omitempty"`
}
