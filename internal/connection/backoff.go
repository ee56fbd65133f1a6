package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect waits:
//
//	wait = round(rand() * min(MaxSeconds, 2^attempt - 1) + 1) * Unit
type Backoff struct {
	MaxSeconds int
	Unit       time.Duration
	Rand       func() float64 // Uniform in [0, 1); nil uses math/rand/v2
}

// Wait returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Wait(attempt int) time.Duration {
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	unit := b.Unit
	if unit <= 0 {
		unit = time.Second
	}

	ceiling := math.Min(float64(b.MaxSeconds), math.Pow(2, float64(attempt))-1)
	if ceiling < 0 {
		ceiling = 0
	}

	n := math.Round(random()*ceiling + 1)
	return time.Duration(n) * unit
}
