package connection

import (
	"math"
	"testing"
	"time"
)

func TestBackoff_Bounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999999} {
		b := Backoff{MaxSeconds: 60, Unit: time.Second, Rand: func() float64 { return r }}

		for attempt := 0; attempt <= 10; attempt++ {
			ceiling := math.Min(60, math.Pow(2, float64(attempt))-1)
			lo := time.Second
			hi := time.Duration(ceiling+1) * time.Second

			got := b.Wait(attempt)
			if got < lo || got > hi {
				t.Errorf("Wait(%d) with rand=%v = %v, want within [%v, %v]", attempt, r, got, lo, hi)
			}
		}
	}
}

func TestBackoff_Formula(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		rand    float64
		want    time.Duration
	}{
		{"first attempt is always one unit", 0, 0.9, 1 * time.Second},
		{"attempt 1 low", 1, 0.2, 1 * time.Second},
		{"attempt 1 high", 1, 0.6, 2 * time.Second},
		{"attempt 3 mid", 3, 0.5, 5 * time.Second},
		{"capped by max seconds", 10, 0.5, 31 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Backoff{MaxSeconds: 60, Unit: time.Second, Rand: func() float64 { return tt.rand }}
			if got := b.Wait(tt.attempt); got != tt.want {
				t.Errorf("Wait(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoff_Unit(t *testing.T) {
	b := Backoff{MaxSeconds: 60, Unit: time.Millisecond, Rand: func() float64 { return 0 }}
	if got := b.Wait(4); got != time.Millisecond {
		t.Errorf("Wait(4) = %v, want 1ms", got)
	}
}
