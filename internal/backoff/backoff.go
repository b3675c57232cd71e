// Package backoff computes the delay before a failed task becomes eligible
// for re-admission.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects the retry-delay curve.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Policy controls how long a task waits between attempts. The production
// default is a fixed delay; linear and exponential curves are available for
// targets that punish fast re-visits.
type Policy struct {
	// Strategy picks the curve. Unknown values fall back to fixed.
	Strategy Strategy

	// Base is the delay after the first failure. Default: 30m.
	Base time.Duration

	// Multiplier scales the exponential curve. Default: 2.0.
	Multiplier float64

	// Max caps the computed delay. Default: 4h.
	Max time.Duration

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%).
	JitterFraction float64
}

// DefaultPolicy returns the production retry-delay configuration.
func DefaultPolicy() Policy {
	return Policy{
		Strategy: StrategyFixed,
		Base:     30 * time.Minute,
	}
}

// Delay returns how long a task that has made the given number of attempts
// waits before its next admission. attempt is 1-based: the value after the
// first failure is 1.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch p.Strategy {
	case StrategyLinear:
		delay = float64(p.Base) * float64(attempt)
	case StrategyExponential:
		delay = float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	default:
		delay = float64(p.Base)
	}

	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	if p.JitterFraction > 0 {
		jitterRange := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = 30 * time.Minute
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Max <= 0 {
		p.Max = 4 * time.Hour
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}
