// Package retry computes redelivery decisions for failed message attempts.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Strategy selects the backoff curve shape.
type Strategy string

const (
	// StrategyExponential grows the delay by Multiplier each attempt.
	// This is the default when Strategy is empty.
	StrategyExponential Strategy = "exponential"
	// StrategyFixed uses Base for every attempt.
	StrategyFixed Strategy = "fixed"
	// StrategyLinear grows the delay by Base each attempt.
	StrategyLinear Strategy = "linear"
	// StrategyTable reads the delay from Table, holding the last entry
	// for attempts past its end.
	StrategyTable Strategy = "table"
)

// Policy shapes the backoff curve between attempts. For the exponential
// strategy the delay for attempt n is Base * Multiplier^(n-1), capped at
// Cap, with optional jitter applied as a symmetric fraction of the
// computed delay.
type Policy struct {
	Strategy   Strategy
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64
	// Table holds per-attempt delays for StrategyTable.
	Table []time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        time.Minute,
	}
}

// Decision is the outcome of a failed attempt: either retry after Delay or
// stop retrying.
type Decision struct {
	Exhausted bool
	Delay     time.Duration
}

// Decide resolves what happens after attempt number `attempt` of at most
// `maxAttempts` failed. When requeue is false the failure is permanent
// regardless of remaining attempts.
func (p Policy) Decide(attempt, maxAttempts int, requeue bool) Decision {
	if !requeue {
		return Decision{Exhausted: true}
	}
	if maxAttempts > 0 && attempt >= maxAttempts {
		return Decision{Exhausted: true}
	}
	return Decision{Delay: p.Delay(attempt)}
}

// Delay returns the backoff before redelivering after a failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch p.Strategy {
	case StrategyFixed:
		delay = float64(p.Base)
	case StrategyLinear:
		delay = float64(p.Base) * float64(attempt)
	case StrategyTable:
		if len(p.Table) == 0 {
			return 0
		}
		idx := attempt - 1
		if idx >= len(p.Table) {
			idx = len(p.Table) - 1
		}
		delay = float64(p.Table[idx])
	default:
		if p.Base <= 0 {
			return 0
		}
		mult := p.Multiplier
		if mult <= 0 {
			mult = 1
		}
		delay = float64(p.Base) * math.Pow(mult, float64(attempt-1))
	}
	if delay <= 0 {
		return 0
	}

	if p.Cap > 0 {
		capVal := float64(p.Cap)
		if delay > capVal {
			delay = capVal
		}
	}
	if p.Jitter > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		delta := (rand.Float64()*2 - 1) * j
		delay = delay * (1 + delta)
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}
