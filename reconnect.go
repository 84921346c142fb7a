package revoagent

import (
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Reconnection Policy
// ============================================================================

// reconnector maps a failure count to a backoff delay. The attempt counter
// increases before each scheduled attempt and resets exactly once per
// successful open. Jitter is added so many clients losing a shared backend do
// not reconnect in lockstep.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *Config) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// exhausted reports whether the attempt ceiling has been reached.
// maxAttempts == 0 means unlimited.
func (r *reconnector) exhausted() bool {
	return r.maxAttempts > 0 && r.attempt >= r.maxAttempts
}

// nextDelay returns the delay before the next attempt and consumes one
// attempt. Delays grow exponentially from baseDelay up to maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}
