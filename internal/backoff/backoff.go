// Package backoff spaces out retries after repeated errors.
package backoff

import "time"

// Timer doubles its delay on every Next up to a maximum. It is not safe for
// concurrent use.
type Timer struct {
	interval time.Duration
	maximum  time.Duration
	current  time.Duration
}

func New(initial, maximum time.Duration) *Timer {
	if initial <= 0 {
		initial = time.Second
	}
	if maximum < initial {
		maximum = initial
	}
	return &Timer{
		interval: initial,
		maximum:  maximum,
		current:  initial,
	}
}

func (b *Timer) Next() time.Duration {
	value := b.current
	b.current *= 2
	if b.current > b.maximum {
		b.current = b.maximum
	}
	return value
}

// Wait sleeps for Next, returning false early if quit closes.
func (b *Timer) Wait(quit <-chan struct{}) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-quit:
		return false
	}
}

func (b *Timer) Reset() {
	b.current = b.interval
}
