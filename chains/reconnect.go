package chains

import (
	"math"
	"time"

	"github.com/arcpay/withdrawd/config"
)

// breaker implements the WebSocket reconnection state machine: short-term
// exponential backoff while the circuit is closed, throttled long-interval
// probing once it opens, and a reset window after which the short-term
// schedule starts over. One breaker exists per WS provider.
type breaker struct {
	cfg config.ReconnectConfig

	attempts int
	open     bool
	openedAt time.Time

	successes uint64
	failures  uint64
}

func newBreaker(cfg config.ReconnectConfig) *breaker {
	return &breaker{cfg: cfg}
}

// NextDelay returns how long to wait before the next connection attempt and
// advances the state machine. While the circuit is open every attempt is
// spaced by the long retry interval until the reset window elapses.
func (b *breaker) NextDelay(now time.Time) time.Duration {
	if b.open {
		if now.Sub(b.openedAt) < b.cfg.ResetWindow {
			return b.cfg.LongRetryInterval
		}
		// Reset window elapsed: give the short-term schedule another run.
		b.open = false
		b.attempts = 0
	}
	d := time.Duration(float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(b.attempts)))
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.attempts++
	if b.attempts >= b.cfg.MaxAttempts {
		b.open = true
		b.openedAt = now
	}
	return d
}

// Success closes the circuit and resets the backoff schedule.
func (b *breaker) Success() {
	b.attempts = 0
	b.open = false
	b.successes++
}

// Failure records a failed attempt for observability.
func (b *breaker) Failure() {
	b.failures++
}

// Stats returns the retained success/failure counters and the circuit state.
func (b *breaker) Stats() (successes, failures uint64, open bool) {
	return b.successes, b.failures, b.open
}
