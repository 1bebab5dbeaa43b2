package infra

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultJitter spreads waits by +-20% so devices that lost the network together
// do not all come back on the same tick
const DefaultJitter = 0.2

// Backoff schedules retries of a failing operation. The n-th wait is
// floor * factor^(n-1), capped at ceiling, then jittered. Safe for concurrent use.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	factor  float64
	jitter  float64
	rand    func() float64

	mu       sync.Mutex
	attempts int
}

func NewBackoff(floor, ceiling time.Duration, factor float64) *Backoff {
	if factor < 1 {
		factor = 2
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{
		floor:   floor,
		ceiling: ceiling,
		factor:  factor,
		jitter:  DefaultJitter,
		rand:    rand.Float64,
	}
}

// WithJitter replaces the jitter fraction (0 disables it) and the random source.
// A nil source keeps the current one.
func (b *Backoff) WithJitter(fraction float64, source func() float64) *Backoff {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jitter = math.Max(0, math.Min(fraction, 1))
	if source != nil {
		b.rand = source
	}
	return b
}

// Next counts one more failed attempt and returns the wait before retrying.
// The result is never below floor.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	base := b.base(b.attempts)

	spread := (b.rand()*2 - 1) * b.jitter
	wait := time.Duration(float64(base) * (1 + spread))
	return max(wait, b.floor)
}

// Peek returns the un-jittered wait the next call to Next is centered on
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base(b.attempts + 1)
}

func (b *Backoff) base(attempt int) time.Duration {
	d := float64(b.floor) * math.Pow(b.factor, float64(attempt-1))
	if math.IsInf(d, 0) || d > float64(b.ceiling) {
		return b.ceiling
	}
	return time.Duration(d)
}

// Reset starts over from floor, typically after a success
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts is the number of failures since the last Reset
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
