// Package backoff computes retry delays for failed mutation deliveries.
//
// The policy is pure computation: it never sleeps and owns no timers. Callers
// stamp the returned delay onto the record's next-attempt time and rely on
// later drain passes to observe it.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes capped exponential backoff with additive jitter.
//
// The delay for a record that has failed retryCount times is
//
//	min(Max, Base * 2^retryCount) + jitter
//
// where jitter is uniform in [0, Base). Jitter spreads out the retry herd
// that forms when connectivity returns and many records became due together.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	// Jitter overrides the jitter source. Nil means uniform [0, limit).
	// Tests install a zero function for exact assertions.
	Jitter func(limit time.Duration) time.Duration
}

// Default returns the standard policy: 2s base, 30s cap, 5 attempts.
func Default() Policy {
	return Policy{
		Base:        2 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// NextDelay returns the wait before the next attempt for a record that has
// already failed retryCount times.
func (p Policy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	d := p.Max
	if retryCount < 63 {
		if exp := p.Base << uint(retryCount); exp > 0 && exp < p.Max {
			d = exp
		}
	}

	return d + p.jitter()
}

// Exhausted reports whether a record with the given failure count is out of
// attempts and must be dead-lettered.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}

func (p Policy) jitter() time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(p.Base)
	}
	return time.Duration(rand.Int63n(int64(p.Base)))
}
