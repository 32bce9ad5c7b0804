package backoff

import (
	"testing"
	"time"
)

const (
	testUnit = time.Second
	testMax  = time.Minute
	// iterations is the number of samples for statistical property tests.
	// High enough to catch jitter absence with overwhelming probability.
	iterations = 1000
)

// TestDelay_ZeroJitter_ExactExponential verifies the deterministic core of
// the formula: with jitter disabled, the delay is exactly unit * 2^retries
// until the max clamp kicks in. Any drift here would silently change every
// retry schedule in the agent.
func TestDelay_ZeroJitter_ExactExponential(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,  // retries=0
		2 * time.Second,  // retries=1
		4 * time.Second,  // retries=2
		8 * time.Second,  // retries=3
		16 * time.Second, // retries=4
		32 * time.Second, // retries=5
		60 * time.Second, // retries=6: 64s clamped to max
		60 * time.Second, // retries=7
	}

	for retries, expected := range want {
		if d := Delay(0, retries, testUnit, testMax, 0); d != expected {
			t.Errorf("retries=%d: Delay=%v, want %v", retries, d, expected)
		}
	}
}

// TestDelay_MonotonicNondecreasingCappedAtMax verifies that for increasing
// retries the jitter-free delay never decreases and never exceeds maxDelay.
// This is the monotonic-cap property the retry strategy depends on.
func TestDelay_MonotonicNondecreasingCappedAtMax(t *testing.T) {
	prev := time.Duration(0)
	for retries := range 20 {
		d := Delay(0, retries, testUnit, testMax, 0)
		if d < prev {
			t.Fatalf("retries=%d: Delay=%v < previous %v — not monotonic", retries, d, prev)
		}
		if d > testMax {
			t.Fatalf("retries=%d: Delay=%v exceeds max %v", retries, d, testMax)
		}
		prev = d
	}
}

// TestDelay_AdditionalDelayIsUnjittered verifies that the per-rule constant
// is added after the jitter multiplication. The throttle rule relies on
// this: its extra 30 seconds must arrive intact, not scaled.
func TestDelay_AdditionalDelayIsUnjittered(t *testing.T) {
	const extra = 30 * time.Second
	for range iterations {
		d := Delay(extra, 0, testUnit, testMax, 100)
		// Exponential part at retries=0 is [1s, 2s] with 100% jitter.
		if d < extra+testUnit || d > extra+2*testUnit {
			t.Fatalf("Delay=%v outside [%v, %v]", d, extra+testUnit, extra+2*testUnit)
		}
	}
}

// TestDelay_JitterWithinBoundAndVaries verifies that jitter stays within
// maxJitterPercent of the base delay and that repeated calls differ. All
// values identical would mean the fleet retries in lockstep again.
func TestDelay_JitterWithinBoundAndVaries(t *testing.T) {
	base := 4 * time.Second // retries=2, unit=1s
	limit := time.Duration(float64(base) * 1.05)

	first := Delay(0, 2, testUnit, testMax, 5)
	allSame := true
	for range iterations {
		d := Delay(0, 2, testUnit, testMax, 5)
		if d < base || d > limit {
			t.Fatalf("Delay=%v outside [%v, %v]", d, base, limit)
		}
		if d != first {
			allSame = false
		}
	}
	if allSame {
		t.Fatalf("%d calls returned identical values — jitter is not working", iterations)
	}
}

// TestDelay_LargeAndNegativeRetries_NoPanic verifies the exponent cap and
// the negative guard: retries=1000 must clamp instead of overflowing the
// shift, and retries=-1 must behave like zero.
func TestDelay_LargeAndNegativeRetries_NoPanic(t *testing.T) {
	if d := Delay(0, 1000, testUnit, testMax, 0); d != testMax {
		t.Fatalf("retries=1000: Delay=%v, want clamped %v", d, testMax)
	}
	if d := Delay(0, -1, testUnit, testMax, 0); d != testUnit {
		t.Fatalf("retries=-1: Delay=%v, want %v", d, testUnit)
	}
}

// TestNextRetryTime_InFuture verifies the timestamp wrapper anchors at the
// current clock: the result must land between now+delayFloor and a loose
// upper bound. A wrong anchor would stall or flood the scheduler.
func TestNextRetryTime_InFuture(t *testing.T) {
	before := time.Now()
	ts := NextRetryTime(0, 0, testUnit, testMax, 0)
	after := time.Now()

	if ts.Before(before.Add(testUnit)) {
		t.Fatalf("NextRetryTime=%v earlier than %v", ts, before.Add(testUnit))
	}
	if ts.After(after.Add(testUnit)) {
		t.Fatalf("NextRetryTime=%v later than %v", ts, after.Add(testUnit))
	}
}

// BenchmarkDelay measures the cost of a single delay computation. Delay is
// called from the completion handler under the channel lock, so it must be
// allocation-free and fast.
func BenchmarkDelay(b *testing.B) {
	for range b.N {
		Delay(30*time.Second, 3, testUnit, testMax, 5)
	}
}
