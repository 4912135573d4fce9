package authz

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/command"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/dice"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/participant"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
)

// Validator admits or rejects commands. The zero value is ready to use.
type Validator struct {
	// NewID assigns ids to created entities that arrive without one.
	NewID func() string
	// Seed picks the seed of each dice roll.
	Seed func() (int64, error)
}

func (v *Validator) seed() (int64, error) {
	if v.Seed != nil {
		return v.Seed()
	}
	return dice.NewSeed()
}

// Validate returns the decision for cmd submitted by p against st.
func (v *Validator) Validate(st *session.State, p participant.Participant, cmd command.Command) command.Decision {
	if st == nil {
		return command.Reject(command.ReasonNotFound, "session is not loaded")
	}
	if rej := CheckStructure(cmd); rej != nil {
		return command.Decision{Rejection: rej}
	}

	switch cmd.Kind {
	case session.KindChatMessage:
		return v.chat(cmd)
	case session.KindUpdateCombat:
		return v.combat(st, p, cmd)
	}

	if !p.CanMutate() {
		return command.Reject(command.ReasonForbidden, "observers may only chat")
	}

	switch cmd.Kind {
	case session.KindAddToken:
		return v.addToken(st, p, cmd)
	case session.KindMoveToken:
		return v.moveToken(st, p, cmd)
	case session.KindUpdateToken:
		return v.updateToken(st, p, cmd)
	case session.KindRemoveToken:
		token, ok := st.Scene.Tokens[cmd.TargetID]
		if !ok {
			return notFound("token", cmd.TargetID)
		}
		if !p.Owns(token.OwnerUserID) {
			return forbidden("token", cmd.TargetID)
		}
		return command.Accept(command.Change{Kind: cmd.Kind, TargetID: cmd.TargetID})
	case session.KindAddWall:
		return v.addWall(st, p, cmd)
	case session.KindUpdateWall:
		return v.updateWall(st, p, cmd)
	case session.KindRemoveWall:
		wall, ok := st.Scene.Walls[cmd.TargetID]
		if !ok {
			return notFound("wall", cmd.TargetID)
		}
		if !p.Owns(wall.OwnerUserID) {
			return forbidden("wall", cmd.TargetID)
		}
		return command.Accept(command.Change{Kind: cmd.Kind, TargetID: cmd.TargetID})
	case session.KindAddLight:
		return v.addLight(st, p, cmd)
	case session.KindUpdateLight:
		return v.updateLight(st, p, cmd)
	case session.KindRemoveLight:
		light, ok := st.Scene.Lights[cmd.TargetID]
		if !ok {
			return notFound("light", cmd.TargetID)
		}
		if !p.Owns(light.OwnerUserID) {
			return forbidden("light", cmd.TargetID)
		}
		return command.Accept(command.Change{Kind: cmd.Kind, TargetID: cmd.TargetID})
	case session.KindUpdateScene:
		if !p.IsOwner() {
			return command.Reject(command.ReasonForbidden, "only the session owner may change the scene")
		}
		var patch session.ScenePatch
		_ = decodePayload(cmd.Payload, &patch)
		return accept(cmd.Kind, "", patch)
	}
	return command.Reject(command.ReasonMalformed, fmt.Sprintf("unsupported command kind %q", cmd.Kind))
}

func (v *Validator) addToken(st *session.State, p participant.Participant, cmd command.Command) command.Decision {
	var token session.Token
	_ = decodePayload(cmd.Payload, &token)
	token.ID = v.entityID(cmd.TargetID, token.ID)
	if _, exists := st.Scene.Tokens[token.ID]; exists {
		return command.Reject(command.ReasonMalformed, fmt.Sprintf("token %s already exists", token.ID))
	}
	if !p.IsOwner() {
		token.OwnerUserID = p.UserID
	}
	token.X, token.Y = st.Scene.Grid.SnapPoint(token.X, token.Y)
	return accept(cmd.Kind, token.ID, token)
}

func (v *Validator) moveToken(st *session.State, p participant.Participant, cmd command.Command) command.Decision {
	token, ok := st.Scene.Tokens[cmd.TargetID]
	if !ok {
		return notFound("token", cmd.TargetID)
	}
	if !p.Owns(token.OwnerUserID) {
		return forbidden("token", cmd.TargetID)
	}
	var move session.MovePayload
	_ = decodePayload(cmd.Payload, &move)
	x, y := st.Scene.Grid.SnapPoint(*move.X, *move.Y)
	move.X, move.Y = &x, &y
	return accept(cmd.Kind, cmd.TargetID, move)
}

func (v *Validator) updateToken(st *session.State, p participant.Participant, cmd command.Command) command.Decision {
	token, ok := st.Scene.Tokens[cmd.TargetID]
	if !ok {
		return notFound("token", cmd.TargetID)
	}
	if !p.Owns(token.OwnerUserID) {
		return forbidden("token", cmd.TargetID)
	}
	var patch session.TokenPatch
	_ = decodePayload(cmd.Payload, &patch)
	if patch.OwnerUserID != nil && !p.IsOwner() {
		return command.Reject(command.ReasonForbidden, "only the session owner may reassign tokens")
	}
	if patch.X != nil || patch.Y != nil {
		x, y := token.X, token.Y
		if patch.X != nil {
			x = *patch.X
		}
		if patch.Y != nil {
			y = *patch.Y
		}
		x, y = st.Scene.Grid.SnapPoint(x, y)
		patch.X, patch.Y = &x, &y
	}
	return accept(cmd.Kind, cmd.TargetID, patch)
}

func (v *Validator) addWall(st *session.State, p participant.Participant, cmd command.Command) command.Decision {
	var wall session.Wall
	_ = decodePayload(cmd.Payload, &wall)
	wall.ID = v.entityID(cmd.TargetID, wall.ID)
	if _, exists := st.Scene.Walls[wall.ID]; exists {
		return command.Reject(command.ReasonMalformed, fmt.Sprintf("wall %s already exists", wall.ID))
	}
	if !p.IsOwner() {
		wall.OwnerUserID = p.UserID
	}
	return accept(cmd.Kind, wall.ID, wall)
}

func (v *Validator) updateWall(st *session.State, p participant.Participant, cmd command.Command) command.Decision {
	wall, ok := st.Scene.Walls[cmd.TargetID]
	if !ok {
		return notFound("wall", cmd.TargetID)
	}
	if !p.Owns(wall.OwnerUserID) {
		return forbidden("wall", cmd.TargetID)
	}
	var patch session.WallPatch
	_ = decodePayload(cmd.Payload, &patch)
	if patch.OwnerUserID != nil && !p.IsOwner() {
		return command.Reject(command.ReasonForbidden, "only the session owner may reassign walls")
	}
	return accept(cmd.Kind, cmd.TargetID, patch)
}

func (v *Validator) addLight(st *session.State, p participant.Participant, cmd command.Command) command.Decision {
	var light session.Light
	_ = decodePayload(cmd.Payload, &light)
	light.ID = v.entityID(cmd.TargetID, light.ID)
	if _, exists := st.Scene.Lights[light.ID]; exists {
		return command.Reject(command.ReasonMalformed, fmt.Sprintf("light %s already exists", light.ID))
	}
	if !p.IsOwner() {
		light.OwnerUserID = p.UserID
	}
	return accept(cmd.Kind, light.ID, light)
}

func (v *Validator) updateLight(st *session.State, p participant.Participant, cmd command.Command) command.Decision {
	light, ok := st.Scene.Lights[cmd.TargetID]
	if !ok {
		return notFound("light", cmd.TargetID)
	}
	if !p.Owns(light.OwnerUserID) {
		return forbidden("light", cmd.TargetID)
	}
	var patch session.LightPatch
	_ = decodePayload(cmd.Payload, &patch)
	if patch.OwnerUserID != nil && !p.IsOwner() {
		return command.Reject(command.ReasonForbidden, "only the session owner may reassign lights")
	}
	return accept(cmd.Kind, cmd.TargetID, patch)
}

func (v *Validator) combat(st *session.State, p participant.Participant, cmd command.Command) command.Decision {
	var payload session.CombatPayload
	_ = decodePayload(cmd.Payload, &payload)

	if payload.Action == session.CombatAdvanceTurn {
		current, ok := st.Combat.Current()
		if !ok {
			return command.Reject(command.ReasonNotFound, "combat is not active")
		}
		if !p.IsOwner() && (current.OwnerUserID == "" || current.OwnerUserID != p.UserID) {
			return command.Reject(command.ReasonOutOfTurn, fmt.Sprintf("it is %s's turn", combatantLabel(current)))
		}
		if !p.CanMutate() {
			return command.Reject(command.ReasonForbidden, "observers may only chat")
		}
		return accept(cmd.Kind, "", session.CombatPayload{Action: payload.Action})
	}

	if !p.IsOwner() {
		return command.Reject(command.ReasonForbidden, "only the session owner may run combat")
	}

	switch payload.Action {
	case session.CombatStart:
		if st.Combat.Active {
			return command.Reject(command.ReasonMalformed, "combat is already active")
		}
		combatants := append([]session.Combatant(nil), payload.Combatants...)
		for i := range combatants {
			if combatants[i].ID == "" {
				combatants[i].ID = v.newID()
			}
		}
		sort.SliceStable(combatants, func(i, j int) bool {
			return combatants[i].Initiative > combatants[j].Initiative
		})
		return accept(cmd.Kind, "", session.CombatPayload{Action: payload.Action, Combatants: combatants})
	case session.CombatSetOrder:
		if !st.Combat.Active {
			return command.Reject(command.ReasonNotFound, "combat is not active")
		}
		return accept(cmd.Kind, "", session.CombatPayload{Action: payload.Action, Combatants: payload.Combatants})
	case session.CombatEnd:
		if !st.Combat.Active {
			return command.Reject(command.ReasonNotFound, "combat is not active")
		}
		return accept(cmd.Kind, "", session.CombatPayload{Action: payload.Action})
	}
	return command.Reject(command.ReasonMalformed, fmt.Sprintf("unknown combat action %q", payload.Action))
}

func (v *Validator) chat(cmd command.Command) command.Decision {
	var chat session.ChatPayload
	_ = decodePayload(cmd.Payload, &chat)
	out := session.ChatPayload{Body: strings.TrimSpace(chat.Body)}
	if chat.Roll != nil {
		seed, err := v.seed()
		if err != nil {
			return command.Reject(command.ReasonMalformed, fmt.Sprintf("roll dice: %v", err))
		}
		result, err := dice.Roll(*chat.Roll, seed)
		if err != nil {
			return command.Reject(command.ReasonMalformed, err.Error())
		}
		out.Roll = chat.Roll
		out.Result = &result
	}
	return accept(cmd.Kind, "", out)
}

func (v *Validator) entityID(targetID, payloadID string) string {
	if id := strings.TrimSpace(targetID); id != "" {
		return id
	}
	if id := strings.TrimSpace(payloadID); id != "" {
		return id
	}
	return v.newID()
}

func (v *Validator) newID() string {
	if v.NewID != nil {
		return v.NewID()
	}
	return uuid.NewString()
}

func accept(kind session.Kind, targetID string, payload any) command.Decision {
	data, err := json.Marshal(payload)
	if err != nil {
		return command.Reject(command.ReasonMalformed, fmt.Sprintf("encode payload: %v", err))
	}
	return command.Accept(command.Change{Kind: kind, TargetID: targetID, Payload: data})
}

func notFound(entity, id string) command.Decision {
	return command.Reject(command.ReasonNotFound, fmt.Sprintf("%s %s not found", entity, id))
}

func forbidden(entity, id string) command.Decision {
	return command.Reject(command.ReasonForbidden, fmt.Sprintf("%s %s belongs to another player", entity, id))
}

func combatantLabel(c session.Combatant) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}
