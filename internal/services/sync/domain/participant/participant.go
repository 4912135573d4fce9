// Package participant describes who is connected to a live session and what
// they are allowed to touch.
package participant

import (
	"fmt"
	"strings"
)

// Role is the access level a verified identity holds inside one session.
type Role string

const (
	// RoleOwner runs the session and may mutate anything.
	RoleOwner Role = "owner"
	// RolePlayer may mutate entities it owns or that nobody owns.
	RolePlayer Role = "player"
	// RoleObserver may read the board and chat.
	RoleObserver Role = "observer"
)

// ParseRole normalizes a role label from an identity grant.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleOwner, "gm":
		return RoleOwner, nil
	case RolePlayer:
		return RolePlayer, nil
	case RoleObserver, "spectator":
		return RoleObserver, nil
	default:
		return "", fmt.Errorf("unknown participant role %q", value)
	}
}

// Participant is an authenticated user attached to a session.
type Participant struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// IsOwner reports whether the participant runs the session.
func (p Participant) IsOwner() bool {
	return p.Role == RoleOwner
}

// CanMutate reports whether the participant may submit board changes at all.
func (p Participant) CanMutate() bool {
	return p.Role == RoleOwner || p.Role == RolePlayer
}

// Owns reports whether an entity owned by ownerUserID is editable by p.
// Unowned entities are shared between all players.
func (p Participant) Owns(ownerUserID string) bool {
	if p.IsOwner() {
		return true
	}
	if !p.CanMutate() {
		return false
	}
	return ownerUserID == "" || ownerUserID == p.UserID
}
