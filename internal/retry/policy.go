// Package retry decides what happens to a run after an execution attempt.
package retry

import "time"

// Policy is a bounded exponential backoff.
type Policy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultPolicy returns the backoff used between automatic run retries.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
	}
}

// NextDelay returns the wait before the given attempt, counting from 1.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.InitialDelay
	if initial < 0 {
		initial = 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if delay >= float64(maxDelay) {
			return maxDelay
		}
	}
	if time.Duration(delay) > maxDelay {
		return maxDelay
	}
	return time.Duration(delay)
}
