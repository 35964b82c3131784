package session

import "time"

// Refresh budget defaults.
const (
	DefaultMaxAttempts = 3
	DefaultCooldown    = 60 * time.Second
)

// Policy bounds how often the refresh endpoint may be called.
type Policy struct {
	// MaxAttempts is the number of consecutive refresh calls allowed before
	// the cooldown applies.
	MaxAttempts int
	// Cooldown is measured from the most recent attempt.
	Cooldown time.Duration
}

// DefaultPolicy allows 3 refresh calls per 60 seconds.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Cooldown: DefaultCooldown}
}

func (p Policy) attemptsExhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

func (p Policy) withinCooldown(lastAttemptAt, now time.Time) bool {
	if lastAttemptAt.IsZero() {
		return false
	}

	return now.Sub(lastAttemptAt) < p.Cooldown
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultCooldown
	}

	return p
}
