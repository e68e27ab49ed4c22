package worker

import "time"

// Backoff computes exponential retry delays: Base * 2^retryCount, capped at Max
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the attempt that follows retryCount failures
func (b Backoff) Delay(retryCount int) time.Duration {
	d := b.Base
	for i := 0; i < retryCount; i++ {
		if b.Max > 0 && d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
