package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/tablesync/internal/platform/errors"
)

var (
	// ErrSequenceConflict indicates a delta that does not directly follow the
	// current session sequence.
	ErrSequenceConflict = apperrors.New(apperrors.CodeSequenceConflict, "sequence conflict")
	// ErrInvalidDelta indicates a delta that cannot be folded into state.
	ErrInvalidDelta = errors.New("invalid delta")
)

// Delta is an admitted, sequence-numbered change. It is both the broadcast
// unit and the persistence unit.
type Delta struct {
	SessionID string          `json:"sessionId"`
	Sequence  uint64          `json:"sequenceNumber"`
	Kind      Kind            `json:"kind"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
	AppliedAt time.Time       `json:"appliedAt"`
}

// Apply folds d into st. It fails without touching st when d.Sequence is not
// st.Sequence+1 or when d does not fit the current state.
func Apply(st *State, d Delta) error {
	if st == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidDelta)
	}
	if d.Sequence != st.Sequence+1 {
		return fmt.Errorf("%w: expected %d got %d", ErrSequenceConflict, st.Sequence+1, d.Sequence)
	}
	st.Scene.ensureMaps()
	mutate, err := fold(st, d)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidDelta, d.Kind, d.TargetID, err)
	}
	mutate()
	st.Sequence = d.Sequence
	return nil
}

// fold validates d against st and returns the mutation to run. Nothing is
// written until every check has passed.
func fold(st *State, d Delta) (func(), error) {
	scene := &st.Scene
	switch d.Kind {
	case KindAddToken:
		var token Token
		if err := decode(d.Payload, &token); err != nil {
			return nil, err
		}
		if token.ID == "" || token.ID != d.TargetID {
			return nil, errors.New("token id mismatch")
		}
		if _, ok := scene.Tokens[token.ID]; ok {
			return nil, errors.New("token already exists")
		}
		return func() { scene.Tokens[token.ID] = token }, nil

	case KindMoveToken:
		token, ok := scene.Tokens[d.TargetID]
		if !ok {
			return nil, errors.New("token not found")
		}
		var move MovePayload
		if err := decode(d.Payload, &move); err != nil {
			return nil, err
		}
		if move.X == nil || move.Y == nil {
			return nil, errors.New("move requires x and y")
		}
		token.X, token.Y = *move.X, *move.Y
		if move.Rotation != nil {
			token.Rotation = *move.Rotation
		}
		return func() { scene.Tokens[token.ID] = token }, nil

	case KindUpdateToken:
		token, ok := scene.Tokens[d.TargetID]
		if !ok {
			return nil, errors.New("token not found")
		}
		var patch TokenPatch
		if err := decode(d.Payload, &patch); err != nil {
			return nil, err
		}
		setString(&token.Name, patch.Name)
		setFloat(&token.X, patch.X)
		setFloat(&token.Y, patch.Y)
		setFloat(&token.Rotation, patch.Rotation)
		setString(&token.ActorID, patch.ActorID)
		setString(&token.OwnerUserID, patch.OwnerUserID)
		setBool(&token.Visibility.Hidden, patch.Hidden)
		setBool(&token.Visibility.Vision, patch.Vision)
		return func() { scene.Tokens[token.ID] = token }, nil

	case KindRemoveToken:
		if _, ok := scene.Tokens[d.TargetID]; !ok {
			return nil, errors.New("token not found")
		}
		return func() { delete(scene.Tokens, d.TargetID) }, nil

	case KindAddWall:
		var wall Wall
		if err := decode(d.Payload, &wall); err != nil {
			return nil, err
		}
		if wall.ID == "" || wall.ID != d.TargetID {
			return nil, errors.New("wall id mismatch")
		}
		if _, ok := scene.Walls[wall.ID]; ok {
			return nil, errors.New("wall already exists")
		}
		return func() { scene.Walls[wall.ID] = wall }, nil

	case KindUpdateWall:
		wall, ok := scene.Walls[d.TargetID]
		if !ok {
			return nil, errors.New("wall not found")
		}
		var patch WallPatch
		if err := decode(d.Payload, &patch); err != nil {
			return nil, err
		}
		setFloat(&wall.X1, patch.X1)
		setFloat(&wall.Y1, patch.Y1)
		setFloat(&wall.X2, patch.X2)
		setFloat(&wall.Y2, patch.Y2)
		setBool(&wall.BlocksMovement, patch.BlocksMovement)
		setBool(&wall.BlocksVision, patch.BlocksVision)
		if patch.Door != nil {
			wall.Door = *patch.Door
		}
		setString(&wall.OwnerUserID, patch.OwnerUserID)
		return func() { scene.Walls[wall.ID] = wall }, nil

	case KindRemoveWall:
		if _, ok := scene.Walls[d.TargetID]; !ok {
			return nil, errors.New("wall not found")
		}
		return func() { delete(scene.Walls, d.TargetID) }, nil

	case KindAddLight:
		var light Light
		if err := decode(d.Payload, &light); err != nil {
			return nil, err
		}
		if light.ID == "" || light.ID != d.TargetID {
			return nil, errors.New("light id mismatch")
		}
		if _, ok := scene.Lights[light.ID]; ok {
			return nil, errors.New("light already exists")
		}
		return func() { scene.Lights[light.ID] = light }, nil

	case KindUpdateLight:
		light, ok := scene.Lights[d.TargetID]
		if !ok {
			return nil, errors.New("light not found")
		}
		var patch LightPatch
		if err := decode(d.Payload, &patch); err != nil {
			return nil, err
		}
		setFloat(&light.X, patch.X)
		setFloat(&light.Y, patch.Y)
		setFloat(&light.Radius, patch.Radius)
		setString(&light.Color, patch.Color)
		setString(&light.OwnerUserID, patch.OwnerUserID)
		return func() { scene.Lights[light.ID] = light }, nil

	case KindRemoveLight:
		if _, ok := scene.Lights[d.TargetID]; !ok {
			return nil, errors.New("light not found")
		}
		return func() { delete(scene.Lights, d.TargetID) }, nil

	case KindUpdateScene:
		var patch ScenePatch
		if err := decode(d.Payload, &patch); err != nil {
			return nil, err
		}
		next := scene.clone()
		if patch.Reset {
			next = emptyScene()
			next.ID, next.Name, next.Grid = scene.ID, scene.Name, scene.Grid
		}
		setString(&next.ID, patch.ID)
		setString(&next.Name, patch.Name)
		if patch.Grid != nil {
			next.Grid = *patch.Grid
		}
		return func() { st.Scene = next }, nil

	case KindUpdateCombat:
		var payload CombatPayload
		if err := decode(d.Payload, &payload); err != nil {
			return nil, err
		}
		next, err := foldCombat(st.Combat, payload)
		if err != nil {
			return nil, err
		}
		return func() { st.Combat = next }, nil

	case KindChatMessage:
		var chat ChatPayload
		if err := decode(d.Payload, &chat); err != nil {
			return nil, err
		}
		entry := ChatEntry{
			Sequence: d.Sequence,
			UserID:   d.UserID,
			Body:     chat.Body,
			Roll:     chat.Result,
			SentAt:   d.AppliedAt,
		}
		return func() { st.Chat = append(st.Chat, entry) }, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", d.Kind)
	}
}

func foldCombat(current Combat, payload CombatPayload) (Combat, error) {
	switch payload.Action {
	case CombatStart:
		if len(payload.Combatants) == 0 {
			return current, errors.New("combat needs combatants")
		}
		return Combat{
			Active:     true,
			Combatants: append([]Combatant(nil), payload.Combatants...),
			Turn:       0,
			Round:      1,
		}, nil

	case CombatAdvanceTurn:
		if !current.Active || len(current.Combatants) == 0 {
			return current, errors.New("combat is not active")
		}
		next := current.clone()
		next.Turn++
		if next.Turn >= len(next.Combatants) {
			next.Turn = 0
			next.Round++
		}
		return next, nil

	case CombatSetOrder:
		if !current.Active {
			return current, errors.New("combat is not active")
		}
		if len(payload.Combatants) == 0 {
			return current, errors.New("combat needs combatants")
		}
		next := current.clone()
		next.Combatants = append([]Combatant(nil), payload.Combatants...)
		next.Turn = 0
		if active, ok := current.Current(); ok {
			for i, c := range next.Combatants {
				if c.ID == active.ID {
					next.Turn = i
					break
				}
			}
		}
		return next, nil

	case CombatEnd:
		return Combat{}, nil

	default:
		return current, fmt.Errorf("unknown combat action %q", payload.Action)
	}
}

func decode(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return errors.New("payload is required")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
