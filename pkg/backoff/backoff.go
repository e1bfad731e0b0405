// Package backoff implements a capped exponential backoff, used by the
// Apply Loop for both its failure-retry delay and its converged-cycle
// no-op delay (spec.md §4.5 step 4, §4.6).
package backoff

import "time"

// Backoff doubles its delay on every call to Next until it reaches max,
// then holds there. Reset restarts the sequence from base.
type Backoff struct {
	base time.Duration
	max  time.Duration
	next time.Duration
}

// New returns a Backoff starting at base and capped at max. A
// non-positive base defaults to one second; a max below base is raised
// to base.
func New(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, next: base}
}

// Next returns the delay for the current attempt, then doubles the
// internal delay for the following call, never exceeding max.
func (b *Backoff) Next() time.Duration {
	d := b.next
	if d > b.max {
		d = b.max
	}
	if doubled := b.next * 2; doubled > b.next && doubled <= b.max {
		b.next = doubled
	} else {
		b.next = b.max
	}
	return d
}

// Reset restarts the sequence so the next call to Next returns base
// again. Callers invoke this after a successful operation.
func (b *Backoff) Reset() {
	b.next = b.base
}
