package governor

import (
	"testing"
	"time"
)

func testMachine() *backoff {
	return newBackoff(time.Second, time.Minute, 4, 20*time.Minute, time.Minute, 5*time.Minute, 1)
}

func TestRecordFailure_GrowthStaysInJitterBounds(t *testing.T) {
	b := testMachine()
	now := time.Now()

	lo, hi := float64(time.Second), float64(time.Second)
	for i := 1; i <= 3; i++ {
		b.recordFailure(now)
		lo *= failureBackoffFactor * jitterLow
		hi *= failureBackoffFactor * (jitterLow + jitterSpan)
		if got := float64(b.interval); got < lo || got > hi {
			t.Fatalf("interval after %d failures = %v, want within [%v, %v]",
				i, b.interval, time.Duration(lo), time.Duration(hi))
		}
		if b.consecutiveFailures != i {
			t.Fatalf("consecutive failures = %d, want %d", b.consecutiveFailures, i)
		}
	}
}

func TestRecordFailure_IntervalCapped(t *testing.T) {
	b := testMachine()
	now := time.Now()

	for i := 0; i < 20; i++ {
		b.recordFailure(now)
	}
	if b.interval != b.max {
		t.Fatalf("interval = %v, want capped at %v", b.interval, b.max)
	}
}

func TestRecordFailure_OpensCircuitAtThreshold(t *testing.T) {
	b := testMachine()
	now := time.Now()

	for i := 1; i <= 3; i++ {
		if opened := b.recordFailure(now); opened {
			t.Fatalf("circuit opened after %d failures, threshold is %d", i, b.errorThreshold)
		}
	}
	if !b.recordFailure(now) {
		t.Fatal("fourth failure should open the circuit")
	}
	if b.circuit != CircuitOpen {
		t.Fatalf("circuit = %v, want open", b.circuit)
	}
	if want := now.Add(b.cooldown); !b.circuitResetAt.Equal(want) {
		t.Fatalf("circuit reset at %v, want %v", b.circuitResetAt, want)
	}

	// Further failures while open do not re-trip or move the reset time.
	resetAt := b.circuitResetAt
	if b.recordFailure(now.Add(time.Minute)) {
		t.Fatal("failure while open reported a fresh trip")
	}
	if !b.circuitResetAt.Equal(resetAt) {
		t.Fatalf("reset time moved from %v to %v", resetAt, b.circuitResetAt)
	}
}

func TestRecordSuccess_RestoresBasePacing(t *testing.T) {
	b := testMachine()
	now := time.Now()

	b.recordFailure(now)
	b.recordFailure(now)
	b.recordSuccess()

	if b.consecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want 0", b.consecutiveFailures)
	}
	if b.interval != b.base {
		t.Fatalf("interval = %v, want %v", b.interval, b.base)
	}
}

func TestRecordRateLimit_CooldownFromHints(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		hint  RateLimitHint
		delay time.Duration
	}{
		{"retry after doubled", RateLimitHint{RetryAfter: 45 * time.Second}, 90 * time.Second},
		{"retry after floored", RateLimitHint{RetryAfter: 10 * time.Second}, time.Minute},
		{"current rate scaled", RateLimitHint{CurrentRate: 10}, 150 * time.Second},
		{"current rate floored", RateLimitHint{CurrentRate: 2}, time.Minute},
		{"retry after wins over rate", RateLimitHint{RetryAfter: 45 * time.Second, CurrentRate: 10}, 90 * time.Second},
		{"no hints default", RateLimitHint{}, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testMachine()
			resetAt := b.recordRateLimit(now, tt.hint)
			if want := now.Add(tt.delay); !resetAt.Equal(want) {
				t.Fatalf("reset at %v, want %v", resetAt, want)
			}
			if !b.rateLimited {
				t.Fatal("rateLimited flag not set")
			}
		})
	}
}

func TestRecordRateLimit_MultipliesWithoutJitter(t *testing.T) {
	b := testMachine()
	now := time.Now()

	b.recordRateLimit(now, RateLimitHint{})
	if want := time.Duration(rateLimitBackoffFactor) * time.Second; b.interval != want {
		t.Fatalf("interval = %v, want exactly %v", b.interval, want)
	}

	// A second hit multiplies again, capped at max.
	b.recordRateLimit(now, RateLimitHint{})
	if b.interval != b.max {
		t.Fatalf("interval = %v, want capped at %v", b.interval, b.max)
	}
}

func TestRecordRateLimit_DoesNotCountTowardCircuit(t *testing.T) {
	b := testMachine()
	now := time.Now()

	for i := 0; i < 10; i++ {
		b.recordRateLimit(now, RateLimitHint{})
	}
	if b.consecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want 0", b.consecutiveFailures)
	}
	if b.circuit != CircuitClosed {
		t.Fatal("rate limits alone must not open the circuit")
	}
}

func TestPollCircuit_LazyCloseAtResetTime(t *testing.T) {
	b := testMachine()
	now := time.Now()

	if !b.pollCircuit(now) {
		t.Fatal("closed circuit should allow dispatch")
	}

	for i := 0; i < b.errorThreshold; i++ {
		b.recordFailure(now)
	}
	if b.pollCircuit(b.circuitResetAt.Add(-time.Second)) {
		t.Fatal("circuit allowed dispatch before the cooldown elapsed")
	}
	if !b.pollCircuit(b.circuitResetAt) {
		t.Fatal("circuit should close once the reset time is reached")
	}
	if b.circuit != CircuitClosed || b.consecutiveFailures != 0 {
		t.Fatalf("after close: circuit=%v failures=%d, want closed and zero", b.circuit, b.consecutiveFailures)
	}
}

func TestPollRateLimit_ClearsStrictlyAfterWindow(t *testing.T) {
	b := testMachine()
	now := time.Now()

	if !b.pollRateLimit(now) {
		t.Fatal("unlimited machine should allow dispatch")
	}

	resetAt := b.recordRateLimit(now, RateLimitHint{})
	if b.pollRateLimit(resetAt.Add(-time.Second)) {
		t.Fatal("dispatch allowed inside the rate-limit window")
	}
	if b.pollRateLimit(resetAt) {
		t.Fatal("dispatch allowed exactly at the reset time")
	}
	if !b.pollRateLimit(resetAt.Add(time.Nanosecond)) {
		t.Fatal("dispatch blocked after the window lifted")
	}
	if b.rateLimited || !b.rateLimitResetAt.IsZero() {
		t.Fatal("rate-limit state not cleared")
	}
}

func TestReset_RestoresInitialState(t *testing.T) {
	b := testMachine()
	now := time.Now()

	b.recordRateLimit(now, RateLimitHint{RetryAfter: time.Minute})
	for i := 0; i < b.errorThreshold; i++ {
		b.recordFailure(now)
	}
	b.reset()

	if b.consecutiveFailures != 0 || b.interval != b.base {
		t.Fatalf("failures=%d interval=%v, want pristine", b.consecutiveFailures, b.interval)
	}
	if b.circuit != CircuitClosed || !b.circuitResetAt.IsZero() {
		t.Fatal("circuit state not cleared")
	}
	if b.rateLimited || !b.rateLimitResetAt.IsZero() {
		t.Fatal("rate-limit state not cleared")
	}
}

func TestCircuitState_String(t *testing.T) {
	if CircuitClosed.String() != "closed" || CircuitOpen.String() != "open" {
		t.Fatal("unexpected state names")
	}
	if CircuitState(99).String() != "unknown" {
		t.Fatal("out-of-range state should read unknown")
	}
}
