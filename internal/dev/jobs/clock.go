package jobs

import "time"

// Clock abstracts waiting so backoff can be tested without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}

// Poll cadence thresholds, counted in completed checks.
const (
	fastPollAttempts = 10
	slowPollAttempts = 100

	fastPollDelay     = 50 * time.Millisecond
	slowPollDelay     = 500 * time.Millisecond
	verySlowPollDelay = 2000 * time.Millisecond
)

// PollDelay returns how long to wait after the given number of completed
// result checks: 50ms for the first 10, 500ms up to 100, then 2s.
func PollDelay(attempt int) time.Duration {
	switch {
	case attempt > slowPollAttempts:
		return verySlowPollDelay
	case attempt > fastPollAttempts:
		return slowPollDelay
	default:
		return fastPollDelay
	}
}
