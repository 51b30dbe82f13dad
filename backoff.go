package poll

import "time"

// Tracks the interval between cycles. The current value always lies within
// [base, max].
type backoff struct {
	base   time.Duration
	max    time.Duration
	factor float64
	cur    time.Duration
}

func newBackoff(base, max time.Duration, factor float64) backoff {
	return backoff{base: base, max: max, factor: factor, cur: base}
}

func (b *backoff) reset() {
	b.cur = b.base
}

// Multiplies the interval by the factor, capped at max.
func (b *backoff) grow() {
	next := float64(b.cur) * b.factor
	if next >= float64(b.max) {
		b.cur = b.max
		return
	}
	b.cur = time.Duration(next)
	if b.cur < b.base {
		b.cur = b.base
	}
}
