package engine

import (
	"errors"
	"fmt"

	apperrors "github.com/louisbranch/tablesync/internal/platform/errors"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/command"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
)

var (
	// ErrSequenceConflict indicates a stale or out-of-order submission. The
	// client should resync before retrying.
	ErrSequenceConflict = session.ErrSequenceConflict
	// ErrNotJoined indicates a handle that is no longer registered.
	ErrNotJoined = apperrors.New(apperrors.CodeSessionNotJoined, "participant is not joined to the session")
	// ErrClosed is returned once the engine has shut down.
	ErrClosed = apperrors.New(apperrors.CodeSessionUnavailable, "sync engine closed")
	// ErrInvalidJoin indicates a join without a session or user.
	ErrInvalidJoin = apperrors.New(apperrors.CodeCommandMalformed, "join requires a session and a user")

	errActorClosed = errors.New("session actor closed")
)

// ValidationError is a rejected command. Nothing was applied or broadcast.
type ValidationError struct {
	Reason  command.Reason
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("command rejected: %s", e.Reason)
	}
	return fmt.Sprintf("command rejected: %s: %s", e.Reason, e.Message)
}

// Code maps the rejection reason to its domain error code.
func (e *ValidationError) Code() apperrors.Code {
	return e.Reason.Code()
}

func rejected(r *command.Rejection) *ValidationError {
	return &ValidationError{Reason: r.Reason, Message: r.Message}
}

// ErrorCode returns the domain code carried by err, covering validation
// rejections as well as coded platform errors.
func ErrorCode(err error) apperrors.Code {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code()
	}
	return apperrors.CodeOf(err)
}
