package persist

import "time"

// SnapshotPolicy decides when a live session is snapshotted: after
// EveryDeltas deltas or Interval of wall time, whichever comes first.
// A zero field disables that trigger.
type SnapshotPolicy struct {
	EveryDeltas int
	Interval    time.Duration
}

// Due reports whether a snapshot is owed given the deltas applied and the
// time elapsed since the last one. Nothing is owed without new deltas.
func (p SnapshotPolicy) Due(deltasSince int, elapsed time.Duration) bool {
	if deltasSince <= 0 {
		return false
	}
	if p.EveryDeltas > 0 && deltasSince >= p.EveryDeltas {
		return true
	}
	return p.Interval > 0 && elapsed >= p.Interval
}
