package snapshot

import "errors"

// Admission errors returned by Buffer.Insert and ComponentHistory.Insert.
// ErrCapacity is a configuration error; the others are expected runtime
// rejections that callers log and drop.
var (
	ErrCapacity       = errors.New("zero capacity buffer")
	ErrClockSkew      = errors.New("event timestamp is not older than receipt time")
	ErrStaleTick      = errors.New("tick is older than latest snapshot")
	ErrStaleTimestamp = errors.New("timestamp is not newer than latest snapshot")
	ErrBehindFrontier = errors.New("event index is behind the frontier")
)

// ErrSnapshotLookup is returned when a timestamp-bounded search over a
// history finds no candidate.
var ErrSnapshotLookup = errors.New("no snapshot at or before timestamp")

// Reason maps an admission error to a bounded label value for logs and
// metrics. Unknown errors map to "other".
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrClockSkew):
		return "clock_skew"
	case errors.Is(err, ErrStaleTick):
		return "stale_tick"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrBehindFrontier):
		return "behind_frontier"
	case errors.Is(err, ErrSnapshotLookup):
		return "lookup"
	default:
		return "other"
	}
}
