package transport

import "time"

// backoff is the capped exponential backoff from spec.md §4.2: doubles on
// every non-terminal closure, resets to the initial interval on a
// successful open, clamped to max.
//
// No pack dependency covers a plain one-shot doubling timer (hardloop is
// cron-scheduling, not a retry backoff primitive — see DESIGN.md); this is
// small enough that stdlib time.Duration arithmetic is the right tool.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	if max <= 0 {
		max = 5000 * time.Millisecond
	}
	return &backoff{initial: initial, max: max, current: initial}
}

// next returns the interval to wait before the next reconnect attempt and
// doubles the stored interval (clamped to max) for the attempt after that.
func (b *backoff) next() time.Duration {
	interval := b.current
	doubled := b.current * 2
	if doubled > b.max {
		doubled = b.max
	}
	b.current = doubled
	return interval
}

func (b *backoff) reset() {
	b.current = b.initial
}
