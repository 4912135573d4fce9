// Package command defines the mutation envelope clients submit and the pure
// decision the validator returns for it.
package command

import (
	"encoding/json"
	"time"

	apperrors "github.com/louisbranch/tablesync/internal/platform/errors"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
)

// Command is an unvalidated mutation intent.
type Command struct {
	// ID is an optional client-chosen key; resubmitting the same ID returns
	// the original delta instead of applying twice.
	ID           string          `json:"commandId,omitempty"`
	Kind         session.Kind    `json:"kind"`
	TargetID     string          `json:"targetId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SequenceHint uint64          `json:"sequenceHint,omitempty"`
	SubmittedAt  time.Time       `json:"submittedAt,omitempty"`
}

// Reason is the machine-readable cause of a rejection.
type Reason string

const (
	ReasonForbidden   Reason = "forbidden"
	ReasonNotFound    Reason = "not-found"
	ReasonOutOfTurn   Reason = "out-of-turn"
	ReasonMalformed   Reason = "malformed"
	ReasonRateLimited Reason = "rate-limited"
)

// Code maps a reason to the platform error code.
func (r Reason) Code() apperrors.Code {
	switch r {
	case ReasonForbidden:
		return apperrors.CodeCommandForbidden
	case ReasonNotFound:
		return apperrors.CodeCommandNotFound
	case ReasonOutOfTurn:
		return apperrors.CodeCommandOutOfTurn
	case ReasonMalformed:
		return apperrors.CodeCommandMalformed
	case ReasonRateLimited:
		return apperrors.CodeCommandRateLimited
	default:
		return apperrors.CodeUnknown
	}
}
