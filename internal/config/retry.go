package config

import "time"

const (
	maxBackoff     = 5 * time.Minute
	requeueHandoff = time.Second
)

// RetryPolicy bounds how long a task may legitimately stay in flight.
type RetryPolicy struct {
	MaxAttempts int
	TimeLimit   time.Duration
	BaseBackoff time.Duration
	// RequeueDelay bounds the time between a retry becoming due and a
	// worker picking it up.
	RequeueDelay time.Duration
}

// Backoff returns the delay before the given attempt (1-based) is retried.
// It doubles per attempt and is capped at maxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseBackoff <= 0 || attempt <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// InFlightWindow is the worst-case wall-clock time between submission and
// the worker pool giving up on an idle queue: every attempt running to its
// time limit, plus every backoff and requeue delay between attempts. The
// existence marker must live at least this long.
func (p RetryPolicy) InFlightWindow() time.Duration {
	window := time.Duration(p.MaxAttempts) * p.TimeLimit
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		window += p.Backoff(attempt) + p.RequeueDelay
	}
	return window
}
