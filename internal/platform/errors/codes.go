// Package errors provides structured error handling for the sync service.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Command admission errors
	CodeCommandForbidden   Code = "COMMAND_FORBIDDEN"
	CodeCommandNotFound    Code = "COMMAND_TARGET_NOT_FOUND"
	CodeCommandOutOfTurn   Code = "COMMAND_OUT_OF_TURN"
	CodeCommandMalformed   Code = "COMMAND_MALFORMED"
	CodeCommandRateLimited Code = "COMMAND_RATE_LIMITED"

	// Ordering errors
	CodeSequenceConflict Code = "SEQUENCE_CONFLICT"

	// Session lifecycle errors
	CodeSessionNotJoined   Code = "SESSION_NOT_JOINED"
	CodeSessionUnavailable Code = "SESSION_UNAVAILABLE"

	// Identity errors
	CodeGrantInvalid Code = "GRANT_INVALID"
	CodeGrantExpired Code = "GRANT_EXPIRED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Import errors
	CodeImportInvalid Code = "IMPORT_INVALID"
)

// GRPCCode maps domain codes to gRPC status codes. The sync transport reports
// the status name alongside the domain code so clients can share retry
// handling with the rest of the platform.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeCommandMalformed,
		CodeImportInvalid:
		return codes.InvalidArgument

	case CodeCommandForbidden:
		return codes.PermissionDenied

	case CodeCommandOutOfTurn,
		CodeSessionNotJoined:
		return codes.FailedPrecondition

	case CodeSequenceConflict:
		return codes.Aborted

	case CodeCommandRateLimited:
		return codes.ResourceExhausted

	case CodeNotFound,
		CodeCommandNotFound:
		return codes.NotFound

	case CodeGrantInvalid,
		CodeGrantExpired:
		return codes.Unauthenticated

	case CodeSessionUnavailable:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// Retryable reports whether the same request may succeed if sent again
// without the client changing anything.
func (c Code) Retryable() bool {
	switch c.GRPCCode() {
	case codes.ResourceExhausted, codes.Unavailable:
		return true
	default:
		return false
	}
}
