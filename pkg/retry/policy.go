package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes capped exponential backoff delays.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// JitterFactor spreads delays by +/- factor of the computed delay (0 disables).
	JitterFactor float64
}

func DefaultPolicy() Policy {
	return Policy{
		Base:         5 * time.Second,
		Max:          15 * time.Minute,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

// Delay returns the wait before the next try after the given number of
// failed attempts (1 for the first failure). A platform-provided retryAfter
// wins when it is longer than the computed delay.
func (p Policy) Delay(attempts int, retryAfter time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempts-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.JitterFactor > 0 {
		d += d * p.JitterFactor * (2*rand.Float64() - 1)
		if p.Max > 0 && d > float64(p.Max) {
			d = float64(p.Max)
		}
	}
	delay := time.Duration(d)
	if retryAfter > delay {
		delay = retryAfter
	}
	return delay
}
