package poller

import (
	"errors"
	"fmt"
	"time"
)

// Tier raises the minimum polling interval once a polling session has been
// running for at least After.
type Tier struct {
	After    time.Duration
	Interval time.Duration
}

// Backoff computes the delay between two fetches of one polling session.
//
// The delay for a tick is the largest of:
//   - the previous delay
//   - the interval of the latest [Tier] reached by the elapsed time (at least Min)
//   - prev * Growth, when the tick observed no progress
//
// and is then clamped to [Min, Max]. Delays are therefore non-decreasing
// over the life of one session and never exceed Max.
type Backoff struct {
	// Min is the shortest allowed spacing between fetches.
	Min time.Duration

	// Max caps the delay.
	Max time.Duration

	// Growth multiplies the previous delay when a tick shows no progress.
	// Values <= 1 disable stall growth.
	Growth float64

	// Tiers must be ordered by After.
	Tiers []Tier
}

// DefaultBackoff returns the backoff used when none is configured:
// 2s for the first 30s, then 5s, 15s after 2m, 30s after 10m, capped at 60s.
// Ticks without progress grow the delay by 25%.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    2 * time.Second,
		Max:    60 * time.Second,
		Growth: 1.25,
		Tiers: []Tier{
			{After: 30 * time.Second, Interval: 5 * time.Second},
			{After: 2 * time.Minute, Interval: 15 * time.Second},
			{After: 10 * time.Minute, Interval: 30 * time.Second},
		},
	}
}

// Validate checks that the backoff describes a bounded, non-decreasing curve.
func (b Backoff) Validate() error {
	if b.Min <= 0 {
		return errors.New("backoff min must be positive")
	}
	if b.Max < b.Min {
		return fmt.Errorf("backoff max (%s) must not be below min (%s)", b.Max, b.Min)
	}
	if b.Growth < 0 {
		return fmt.Errorf("backoff growth cannot be negative, got %v", b.Growth)
	}

	var prev Tier
	for i, t := range b.Tiers {
		if t.After < 0 {
			return fmt.Errorf("backoff tiers[%d]: after cannot be negative", i)
		}
		if t.Interval <= 0 {
			return fmt.Errorf("backoff tiers[%d]: interval must be positive", i)
		}
		if i > 0 && t.After <= prev.After {
			return fmt.Errorf("backoff tiers[%d]: after must increase (%s <= %s)", i, t.After, prev.After)
		}
		if i > 0 && t.Interval < prev.Interval {
			return fmt.Errorf("backoff tiers[%d]: interval must not decrease (%s < %s)", i, t.Interval, prev.Interval)
		}
		prev = t
	}
	return nil
}

// Next returns the delay before the next fetch.
//
// prev is the previous delay (0 before the first one), elapsed is the time
// since the session started, and advanced reports whether the last tick
// observed progress.
func (b Backoff) Next(prev, elapsed time.Duration, advanced bool) time.Duration {
	d := b.Min
	for _, t := range b.Tiers {
		if elapsed >= t.After && t.Interval > d {
			d = t.Interval
		}
	}

	if !advanced && prev > 0 && b.Growth > 1 {
		if grown := time.Duration(float64(prev) * b.Growth); grown > d {
			d = grown
		}
	}

	if prev > d {
		d = prev
	}
	if d > b.Max {
		d = b.Max
	}
	if d < b.Min {
		d = b.Min
	}
	return d
}
