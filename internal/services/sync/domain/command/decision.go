package command

import (
	"encoding/json"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
)

// Change is the normalized mutation an accepted command produces. The engine
// stamps it with a sequence number to form a delta.
type Change struct {
	Kind     session.Kind
	TargetID string
	Payload  json.RawMessage
}

// Rejection captures why a command was declined.
type Rejection struct {
	Reason  Reason
	Message string
}

// Decision represents the pure outcome of validating a command.
type Decision struct {
	Change    Change
	Rejection *Rejection
}

// Accepted reports whether the decision carries a change.
func (d Decision) Accepted() bool {
	return d.Rejection == nil
}

// Accept returns a decision that emits the provided change.
func Accept(change Change) Decision {
	return Decision{Change: change}
}

// Reject returns a decision that carries the provided rejection.
func Reject(reason Reason, message string) Decision {
	return Decision{Rejection: &Rejection{Reason: reason, Message: message}}
}
