package clock

import "time"

// SecondsPerDay is the wrap-around period of SecondsOfDay.
const SecondsPerDay = 24 * 60 * 60

// Clock abstracts wall-clock reads so lease bookkeeping can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current local time.
//
// Lease capture times are client supplied seconds since local midnight, so
// the server clock stays in the local zone rather than UTC.
func (Real) Now() time.Time {
	return time.Now()
}

// SecondsOfDay returns the number of whole seconds elapsed since midnight of
// t's calendar day in t's location.
func SecondsOfDay(t time.Time) int64 {
	h, m, s := t.Clock()
	return int64(h*3600 + m*60 + s)
}

// ElapsedSince returns how long ago capture (seconds since midnight) was,
// measured against now. A capture that appears to be in the future is taken
// to belong to the previous day.
func ElapsedSince(now time.Time, capture int64) time.Duration {
	elapsed := SecondsOfDay(now) - capture
	if elapsed < 0 {
		elapsed += SecondsPerDay
	}
	return time.Duration(elapsed) * time.Second
}
