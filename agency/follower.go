package agency

import "time"

// FollowerData is the leader's bookkeeping for one follower. It is
// mutated only by the leader's replication loop and by the append
// acknowledgment callbacks (reportIn, reportFailed).
type FollowerData struct {
	// LastSent is the highest log index ever sent to this follower.
	LastSent uint64

	// LastAckedIndex is the highest log index the follower confirmed.
	// Majority over these (plus the leader's own last index) drives
	// commit advancement.
	LastAckedIndex uint64

	// LastAckedTime is the local time of the last successful response.
	LastAckedTime time.Time

	// EarliestPackage throttles a lagging follower: no new non-empty
	// append is sent before this point.
	EarliestPackage time.Time

	// LastEmptyAcked is the local time of the last acknowledged
	// heartbeat, used to decide when the next heartbeat is due.
	LastEmptyAcked time.Time

	// inflight is true while a send to this follower is outstanding,
	// so a slow peer never accumulates overlapping requests.
	inflight bool
}

func newFollowerData() *FollowerData {
	return &FollowerData{}
}
