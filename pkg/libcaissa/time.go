package libcaissa

import "time"

// UnixMillisecond returns t as a unix timestamp in milliseconds, the wire
// format of every session timestamp.
func UnixMillisecond(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMillisecond returns the time of a unix timestamp in milliseconds.
func FromUnixMillisecond(t int64) time.Time {
	return time.UnixMilli(t)
}
