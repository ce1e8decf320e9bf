package rhxtest

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

func Constant(uv float64) Signal {
	return func(int, float64) float64 { return uv }
}

func Sine(amplitude, hz float64) Signal {
	return func(_ int, t float64) float64 { return amplitude * math.Sin(2*math.Pi*hz*t) }
}

// Bursts alternates rest-level and flex-level noise: the signal is at flex
// level for duty out of every period, starting at t=0.
func Bursts(rest, flex float64, period, duty time.Duration, seed int64) Signal {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(_ int, t float64) float64 {
		amp := rest
		if math.Mod(t, period.Seconds()) < duty.Seconds() {
			amp = flex
		}
		mu.Lock()
		v := rng.NormFloat64()
		mu.Unlock()
		return amp * v
	}
}
