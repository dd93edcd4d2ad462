package checkin

import "sort"

// ReplayLess orders records for replay: server-timestamped records first by server time,
// then unconfirmed records; ties fall back to device sequence, device id and record id.
func ReplayLess(left, right CheckinRecord) bool {
	switch {
	case left.ServerTime != nil && right.ServerTime == nil:
		return true
	case left.ServerTime == nil && right.ServerTime != nil:
		return false
	case left.ServerTime != nil && right.ServerTime != nil && !left.ServerTime.Equal(*right.ServerTime):
		return left.ServerTime.Before(*right.ServerTime)
	}
	if left.Sequence != right.Sequence {
		return left.Sequence < right.Sequence
	}
	if left.DeviceID != right.DeviceID {
		return left.DeviceID < right.DeviceID
	}
	return left.ID < right.ID
}

// SortForReplay sorts records in place using ReplayLess.
func SortForReplay(records []CheckinRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return ReplayLess(records[i], records[j])
	})
}

// Fold derives the projection for a ticket from its records. The first admitted record in
// replay order governs the projection; later rescans never displace it. Without an
// admission the most recent record governs.
func Fold(ticket Ticket, records []CheckinRecord) AttendeeProjection {
	projection := AttendeeProjection{Ticket: ticket}
	if len(records) == 0 {
		return projection
	}

	ordered := make([]CheckinRecord, len(records))
	copy(ordered, records)
	SortForReplay(ordered)

	governing := ordered[len(ordered)-1]
	for _, record := range ordered {
		if record.Status == StatusAdmitted {
			governing = record
			break
		}
	}
	latest := governing.Clone()
	projection.Latest = &latest
	return projection
}
