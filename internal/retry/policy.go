// Package retry decides whether and when a failed export task is attempted again.
package retry

import (
	"time"

	"git.home.luguber.info/inful/docexport/internal/config"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
)

// Policy holds backoff settings for transient converter failures. Immutable after construction.
type Policy struct {
	Mode       config.RetryBackoffMode
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int // attempts after the first failure; 0 disables retries
}

// DefaultPolicy is linear backoff starting at 2s, capped at 30s, with no retries.
func DefaultPolicy() Policy {
	return Policy{Mode: config.RetryBackoffLinear, Initial: 2 * time.Second, Max: 30 * time.Second}
}

// FromConfig builds a policy from the retry section. Unparseable durations keep defaults;
// config validation rejects them before this is reached.
func FromConfig(rc config.RetryConfig) Policy {
	initial, _ := time.ParseDuration(rc.InitialDelay)
	maxDelay, _ := time.ParseDuration(rc.MaxDelay)
	return NewPolicy(rc.Backoff, initial, maxDelay, rc.MaxRetries)
}

// NewPolicy builds a policy from raw values; zero or unknown values fall back to defaults.
func NewPolicy(mode config.RetryBackoffMode, initial, maxDelay time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	if maxRetries > 0 {
		p.MaxRetries = maxRetries
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	switch mode {
	case config.RetryBackoffFixed, config.RetryBackoffLinear, config.RetryBackoffExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Mode {
	case config.RetryBackoffFixed:
		d = p.Initial
	case config.RetryBackoffExponential:
		if attempt > 30 {
			return p.Max
		}
		d = p.Initial * time.Duration(1<<(attempt-1))
	default:
		d = time.Duration(attempt) * p.Initial
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// ShouldRetry reports whether a task that has already been retried `retries` times
// gets another attempt after err. Only errors classified as transient qualify.
func (p Policy) ShouldRetry(err error, retries int) bool {
	if err == nil || retries >= p.MaxRetries {
		return false
	}
	return ferrors.IsTransient(err)
}
