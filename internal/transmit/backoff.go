package transmit

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the wait before retry n (n >= 1). The base delay doubles
// from Initial and never exceeds Max; Jitter spreads it by a symmetric
// fraction and the result is clamped to Max again.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 60 * time.Second, Jitter: 0.2}
}

// Base is the delay for retry n without jitter. Without a Max it saturates
// at the largest representable duration.
func (b Backoff) Base(n int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < n; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

func (b Backoff) Delay(n int) time.Duration {
	d := b.Base(n)
	if b.Jitter <= 0 || d == 0 {
		return d
	}

	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	spread := b.Jitter * (2*r() - 1)
	if f := float64(d) * (1 + spread); f < math.MaxInt64 {
		d = time.Duration(f)
	} else {
		d = math.MaxInt64
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}
