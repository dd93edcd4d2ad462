package reconcile

import (
	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
)

const (
	// ResolutionEarliestServerTime marks a conflict decided by acceptance order.
	ResolutionEarliestServerTime = "earliest_server_time"
	// ResolutionDeviceTiebreak marks a conflict between identical acceptance times.
	ResolutionDeviceTiebreak = "lowest_device_id"
	// ResolutionServerOfRecord marks a conflict whose timestamps alone cannot order the two
	// admissions; the server's acceptance decides.
	ResolutionServerOfRecord = "server_of_record"
)

// ResolveConflict orders two admissions of the same ticket. The earliest server timestamp
// wins; equal timestamps fall back to the lowest device identifier and then the lowest
// sequence. A record without a server timestamp always loses to one that has it. The result
// does not depend on argument order.
func ResolveConflict(first, second checkin.CheckinRecord) (winner, loser checkin.CheckinRecord, resolution string) {
	if precedes(first, second) {
		winner, loser = first, second
	} else {
		winner, loser = second, first
	}
	resolution = ResolutionEarliestServerTime
	if winner.ServerTime != nil && loser.ServerTime != nil && winner.ServerTime.Equal(*loser.ServerTime) {
		resolution = ResolutionDeviceTiebreak
	}
	return winner, loser, resolution
}

func precedes(left, right checkin.CheckinRecord) bool {
	switch {
	case left.ServerTime != nil && right.ServerTime == nil:
		return true
	case left.ServerTime == nil && right.ServerTime != nil:
		return false
	case left.ServerTime != nil && right.ServerTime != nil && !left.ServerTime.Equal(*right.ServerTime):
		return left.ServerTime.Before(*right.ServerTime)
	}
	if left.DeviceID != right.DeviceID {
		return left.DeviceID < right.DeviceID
	}
	if left.Sequence != right.Sequence {
		return left.Sequence < right.Sequence
	}
	return left.ID < right.ID
}
