package controller

import "time"

// backoffPolicy computes the delay before a restart attempt: capped
// exponential doubling so a crash-looping service cannot saturate the host.
// A run that survives resetAfter resets the streak.
type backoffPolicy struct {
	base       time.Duration
	cap        time.Duration
	resetAfter time.Duration
}

// delay returns the wait for the given consecutive-failure streak (1-based).
func (b backoffPolicy) delay(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	d := b.base
	for i := 1; i < streak; i++ {
		d *= 2
		if d >= b.cap {
			return b.cap
		}
	}
	if d > b.cap {
		return b.cap
	}
	return d
}
