package governor

import (
	"math/rand"
	"time"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota // Normal operation; dispatch allowed.
	CircuitOpen                       // Cooling down; dispatch blocked until reset time.
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// RateLimitHint carries the upstream-provided metadata a rate-limit
// response may include. Zero values mean "not provided".
type RateLimitHint struct {
	// RetryAfter is the upstream's requested wait, if it sent one.
	RetryAfter time.Duration

	// CurrentRate is the request rate the upstream reported observing,
	// in requests per second.
	CurrentRate float64
}

const (
	failureBackoffFactor   = 3
	rateLimitBackoffFactor = 8
	retryAfterMultiplier   = 2
	currentRateMultiplier  = 15 // seconds of cooldown per reported req/s
	jitterLow              = 0.85
	jitterSpan             = 0.30
)

// backoff is the pacing and circuit state machine. Pure state + transition
// logic: no I/O, no locks, no clock reads. The governor owns a single
// instance, guards it with its mutex, and passes time in explicitly so the
// machine stays directly testable.
type backoff struct {
	base           time.Duration
	max            time.Duration
	errorThreshold int
	cooldown       time.Duration
	resetFloor     time.Duration // minimum rate-limit cooldown
	resetDefault   time.Duration // rate-limit cooldown with no upstream hints

	interval            time.Duration
	consecutiveFailures int

	circuit        CircuitState
	circuitResetAt time.Time

	rateLimited      bool
	rateLimitResetAt time.Time

	rng *rand.Rand
}

func newBackoff(base, max time.Duration, errorThreshold int, cooldown, resetFloor, resetDefault time.Duration, seed int64) *backoff {
	return &backoff{
		base:           base,
		max:            max,
		errorThreshold: errorThreshold,
		cooldown:       cooldown,
		resetFloor:     resetFloor,
		resetDefault:   resetDefault,
		interval:       base,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// recordSuccess clears the failure streak and restores base pacing.
func (b *backoff) recordSuccess() {
	b.consecutiveFailures = 0
	b.interval = b.base
}

// recordFailure registers a generic (non-429) failure and grows the pacing
// interval exponentially with jitter. Returns true when this failure
// tripped the circuit open; re-entering while already open is a no-op.
func (b *backoff) recordFailure(now time.Time) (opened bool) {
	b.consecutiveFailures++

	jitter := jitterLow + b.rng.Float64()*jitterSpan
	b.interval = clampInterval(time.Duration(float64(b.interval)*failureBackoffFactor*jitter), b.base, b.max)

	if b.consecutiveFailures >= b.errorThreshold && b.circuit == CircuitClosed {
		b.circuit = CircuitOpen
		b.circuitResetAt = now.Add(b.cooldown)
		return true
	}
	return false
}

// recordRateLimit registers a rate-limit (429) failure. The cooldown is
// derived from upstream hints when present: a doubled retry-after, or the
// reported current rate times a fixed per-unit wait, both floored; with no
// hints, a flat default. Backoff is multiplied aggressively without jitter.
// Returns the time the rate-limit window lifts.
func (b *backoff) recordRateLimit(now time.Time, hint RateLimitHint) time.Time {
	delay := b.resetDefault
	switch {
	case hint.RetryAfter > 0:
		delay = hint.RetryAfter * retryAfterMultiplier
		if delay < b.resetFloor {
			delay = b.resetFloor
		}
	case hint.CurrentRate > 0:
		delay = time.Duration(hint.CurrentRate * currentRateMultiplier * float64(time.Second))
		if delay < b.resetFloor {
			delay = b.resetFloor
		}
	}

	b.rateLimited = true
	b.rateLimitResetAt = now.Add(delay)
	b.interval = clampInterval(b.interval*rateLimitBackoffFactor, b.base, b.max)
	return b.rateLimitResetAt
}

// pollCircuit lazily closes the circuit once the reset time has elapsed.
// Returns true when dispatch may proceed.
func (b *backoff) pollCircuit(now time.Time) bool {
	if b.circuit == CircuitClosed {
		return true
	}
	if now.Before(b.circuitResetAt) {
		return false
	}
	b.circuit = CircuitClosed
	b.circuitResetAt = time.Time{}
	b.consecutiveFailures = 0
	return true
}

// pollRateLimit lazily clears the rate-limited flag once the window has
// elapsed. Returns true when dispatch may proceed.
func (b *backoff) pollRateLimit(now time.Time) bool {
	if !b.rateLimited {
		return true
	}
	if !now.After(b.rateLimitResetAt) {
		return false
	}
	b.rateLimited = false
	b.rateLimitResetAt = time.Time{}
	return true
}

// reset forces the machine back to its initial closed state.
func (b *backoff) reset() {
	b.consecutiveFailures = 0
	b.interval = b.base
	b.circuit = CircuitClosed
	b.circuitResetAt = time.Time{}
	b.rateLimited = false
	b.rateLimitResetAt = time.Time{}
}

func clampInterval(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
