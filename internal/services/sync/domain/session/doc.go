// Package session models the authoritative state of one live game session.
//
// State changes only through Apply, which folds a sequence-numbered Delta
// into State. The same fold runs for live commands and for recovery replay,
// so a session rebuilt from a snapshot plus its later deltas is identical to
// one that applied every delta continuously.
package session
