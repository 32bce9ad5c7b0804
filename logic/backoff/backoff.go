// Package backoff computes jittered exponential retry timestamps for the
// device-to-cloud messaging engine.
//
// The delay grows as initialDelayUnit * 2^retries, clamped to maxDelay, with
// a uniformly random jitter of up to maxJitterPercent percent multiplied on
// top. Jitter decorrelates retries across a fleet: when a regional outage
// recovers, thousands of devices would otherwise resend their queued state
// reports in lockstep and re-trigger the throttle that delayed them.
//
// Design constraints:
//   - Pure computation, no IO or side effects (logic layer).
//   - Zero allocations; Delay sits on the completion-handler hot path.
//   - The randomness only desynchronizes devices — math/rand/v2 is
//     sufficient and cryptographic randomness would be wasted here.
//
// Used by logic/retrypolicy rules via the Calculator function type.
package backoff

import (
	"math/rand/v2"
	"time"
)

// maxRetryExponent caps the exponent so the doubling cannot overflow
// time.Duration for unbounded retry counts. 2^9 * 1s = 512s before the
// maxDelay clamp; strategies with larger units still clamp correctly.
const maxRetryExponent = 9

// Calculator maps retry bookkeeping to the next retry timestamp.
// A strategy rule carries one of these (or none, marking the rule no-op).
type Calculator func(additionalDelay time.Duration, retries int, initialDelayUnit, maxDelay time.Duration, maxJitterPercent float64) time.Time

// Delay computes the wait before the next retry:
//
//	delay = min(maxDelay, initialDelayUnit << min(retries, 9)) * (1 + jitter) + additionalDelay
//
// where jitter is uniform in [0, maxJitterPercent/100]. The jitter scales
// the exponential term only; additionalDelay is a per-status-rule constant
// (e.g. the extra 30s after a 429) and is added unjittered.
//
// Negative retries counts are treated as zero (defensive guard, the count
// is caller-supplied).
//
//	backoff.Delay(0, 0, time.Second, time.Minute, 5) // [1s, 1.05s]
//	backoff.Delay(0, 3, time.Second, time.Minute, 5) // [8s, 8.4s]
func Delay(additionalDelay time.Duration, retries int, initialDelayUnit, maxDelay time.Duration, maxJitterPercent float64) time.Duration {
	exp := retries
	if exp < 0 {
		exp = 0
	}
	if exp > maxRetryExponent {
		exp = maxRetryExponent
	}

	delay := initialDelayUnit << exp
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := (maxJitterPercent / 100.0) * rand.Float64()
	return time.Duration(float64(delay)*(1+jitter)) + additionalDelay
}

// NextRetryTime returns now plus the computed Delay. It satisfies
// Calculator and is the default calculator on every built-in strategy rule.
func NextRetryTime(additionalDelay time.Duration, retries int, initialDelayUnit, maxDelay time.Duration, maxJitterPercent float64) time.Time {
	return time.Now().Add(Delay(additionalDelay, retries, initialDelayUnit, maxDelay, maxJitterPercent))
}
