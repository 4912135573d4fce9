package authz

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/command"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/dice"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
)

const (
	// MaxChatRunes bounds one chat message.
	MaxChatRunes = 2000
	maxIDLength  = 128
)

// CheckStructure rejects commands that are malformed regardless of session
// state. It is cheap enough to run before a command is queued.
func CheckStructure(cmd command.Command) *command.Rejection {
	if !cmd.Kind.Valid() {
		return malformed("unknown command kind %q", cmd.Kind)
	}
	if cmd.Kind.NeedsTarget() && strings.TrimSpace(cmd.TargetID) == "" {
		return malformed("%s requires a target id", cmd.Kind)
	}
	if len(cmd.TargetID) > maxIDLength {
		return malformed("target id is too long")
	}

	switch cmd.Kind {
	case session.KindAddToken:
		var token session.Token
		if err := decodePayload(cmd.Payload, &token); err != nil {
			return malformed("%v", err)
		}
		if token.ID != "" && cmd.TargetID != "" && token.ID != cmd.TargetID {
			return malformed("token id does not match target id")
		}
	case session.KindMoveToken:
		var move session.MovePayload
		if err := decodePayload(cmd.Payload, &move); err != nil {
			return malformed("%v", err)
		}
		if move.X == nil || move.Y == nil {
			return malformed("move-token requires x and y")
		}
	case session.KindUpdateToken:
		var patch session.TokenPatch
		if err := decodePayload(cmd.Payload, &patch); err != nil {
			return malformed("%v", err)
		}
		if patch.Empty() {
			return malformed("update-token has no fields")
		}
	case session.KindAddWall:
		var wall session.Wall
		if err := decodePayload(cmd.Payload, &wall); err != nil {
			return malformed("%v", err)
		}
		if wall.ID != "" && cmd.TargetID != "" && wall.ID != cmd.TargetID {
			return malformed("wall id does not match target id")
		}
		if !wall.Door.Valid() {
			return malformed("unknown door state %q", wall.Door)
		}
	case session.KindUpdateWall:
		var patch session.WallPatch
		if err := decodePayload(cmd.Payload, &patch); err != nil {
			return malformed("%v", err)
		}
		if patch.Empty() {
			return malformed("update-wall has no fields")
		}
		if patch.Door != nil && !patch.Door.Valid() {
			return malformed("unknown door state %q", *patch.Door)
		}
	case session.KindAddLight:
		var light session.Light
		if err := decodePayload(cmd.Payload, &light); err != nil {
			return malformed("%v", err)
		}
		if light.ID != "" && cmd.TargetID != "" && light.ID != cmd.TargetID {
			return malformed("light id does not match target id")
		}
		if light.Radius < 0 {
			return malformed("light radius must not be negative")
		}
	case session.KindUpdateLight:
		var patch session.LightPatch
		if err := decodePayload(cmd.Payload, &patch); err != nil {
			return malformed("%v", err)
		}
		if patch.Empty() {
			return malformed("update-light has no fields")
		}
		if patch.Radius != nil && *patch.Radius < 0 {
			return malformed("light radius must not be negative")
		}
	case session.KindUpdateScene:
		var patch session.ScenePatch
		if err := decodePayload(cmd.Payload, &patch); err != nil {
			return malformed("%v", err)
		}
		if patch.Empty() {
			return malformed("update-scene has no fields")
		}
		if patch.Grid != nil && !patch.Grid.Valid() {
			return malformed("invalid grid settings")
		}
	case session.KindUpdateCombat:
		var payload session.CombatPayload
		if err := decodePayload(cmd.Payload, &payload); err != nil {
			return malformed("%v", err)
		}
		return checkCombat(payload)
	case session.KindChatMessage:
		var chat session.ChatPayload
		if err := decodePayload(cmd.Payload, &chat); err != nil {
			return malformed("%v", err)
		}
		if chat.Result != nil {
			return malformed("roll results are assigned by the server")
		}
		if chat.Roll != nil {
			if err := dice.Check(*chat.Roll); err != nil {
				return malformed("%v", err)
			}
		}
		body := strings.TrimSpace(chat.Body)
		if body == "" && chat.Roll == nil {
			return malformed("chat body is required")
		}
		if utf8.RuneCountInString(body) > MaxChatRunes {
			return malformed("chat body exceeds %d characters", MaxChatRunes)
		}
	}
	return nil
}

func checkCombat(payload session.CombatPayload) *command.Rejection {
	switch payload.Action {
	case session.CombatStart, session.CombatSetOrder:
		if len(payload.Combatants) == 0 {
			return malformed("%s requires combatants", payload.Action)
		}
		seen := make(map[string]struct{}, len(payload.Combatants))
		for _, c := range payload.Combatants {
			if c.ID == "" {
				if payload.Action == session.CombatSetOrder {
					return malformed("set-order requires combatant ids")
				}
				continue
			}
			if _, dup := seen[c.ID]; dup {
				return malformed("duplicate combatant %q", c.ID)
			}
			seen[c.ID] = struct{}{}
		}
	case session.CombatAdvanceTurn, session.CombatEnd:
	default:
		return malformed("unknown combat action %q", payload.Action)
	}
	return nil
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func malformed(format string, args ...any) *command.Rejection {
	return &command.Rejection{Reason: command.ReasonMalformed, Message: fmt.Sprintf(format, args...)}
}
