// Package clock abstracts time for the candle aggregation engine.
//
// The aggregator's boundary-crossing logic is driven entirely through the
// Clock interface so that tests can cross a timeframe boundary without
// real sleeps. Production code uses the System clock backed by
// time.AfterFunc.
package clock

import "time"

// Timer is a cancelable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from firing.
	Stop() bool
}

// Clock provides the current time and timer scheduling.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// ScheduleAt arranges for fn to run at t on its own goroutine. If t
	// is in the past, fn runs immediately.
	ScheduleAt(t time.Time, fn func()) Timer
}

type systemClock struct{}

// System returns the real clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) ScheduleAt(t time.Time, fn func()) Timer {
	return time.AfterFunc(time.Until(t), fn)
}

// BucketStart returns the timeframe bucket boundary at or before the
// given Unix-seconds timestamp: floor(ts/duration)*duration.
func BucketStart(unixSec int64, duration time.Duration) int64 {
	sec := int64(duration / time.Second)
	if sec <= 0 {
		return unixSec
	}
	return unixSec - unixSec%sec
}

// BucketStartMillis is BucketStart for a Unix-milliseconds timestamp. The
// result is in Unix seconds.
func BucketStartMillis(unixMs int64, duration time.Duration) int64 {
	return BucketStart(unixMs/1000, duration)
}

// NextBoundary returns the instant the bucket containing unixSec closes,
// i.e. the open time of the following bucket.
func NextBoundary(unixSec int64, duration time.Duration) int64 {
	return BucketStart(unixSec, duration) + int64(duration/time.Second)
}
