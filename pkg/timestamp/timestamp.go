// Package timestamp provides the canonical epoch-millisecond timestamp
// helpers.
//
// The relay's wire protocol and session bookkeeping use int64 milliseconds
// since Unix epoch (UTC) as the canonical timestamp format: registration and
// heartbeat times, pending-request creation times, and snapshot capture times
// all carry this representation.
//
// A timestamp value of 0 means "not set"; every helper treats zero as absent
// rather than as the epoch instant.
package timestamp

import "time"

// Now returns the current time as Unix milliseconds. Components take it
// as their injectable clock and tests substitute a fake.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds. The zero time maps
// to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time. A 0 timestamp maps
// to the zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders Unix milliseconds as an RFC3339 string for log lines
// and diagnostics. Returns "" for an unset timestamp.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
