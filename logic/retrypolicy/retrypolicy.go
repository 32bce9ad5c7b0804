// Package retrypolicy defines the table-driven retry strategy that maps
// HTTP-style response status codes to retry and backoff decisions for
// device-to-cloud messages.
//
// A strategy is an ordered list of status-range rules plus channel-wide
// limits. Rules are evaluated first-match-wins; ranges may overlap, list
// order is the precedence. A rule without a calculator is a no-op marker:
// the scan continues past it, so "this status needs handling elsewhere" can
// be expressed without terminating the message. A well-formed strategy ends
// with a catch-all rule covering the full status space; Validate enforces
// this for strategies built from configuration.
//
// Strategies are configured before traffic begins and referenced, never
// copied, by the messenger's channel contexts. They must not be mutated
// while the messenger is running.
package retrypolicy

import (
	"fmt"
	"math"
	"time"

	"github.com/gurre/deviceupdate-agent-go/logic/backoff"
)

// Rule decides how to handle one inclusive range of response status codes.
type Rule struct {
	// StatusMin and StatusMax bound the matching status codes, inclusive.
	StatusMin int
	StatusMax int
	// AdditionalDelay is added on top of the computed backoff, unjittered.
	AdditionalDelay time.Duration
	// Calc computes the next retry timestamp. Nil marks a no-op rule:
	// the rule scan continues as if this rule had not matched.
	Calc backoff.Calculator
	// MaxRetry is the retry ceiling for this status range. A message whose
	// retries have reached it finalizes as MaxRetriesReached.
	MaxRetry int
}

// Matches reports whether the status code falls inside the rule's range.
func (r Rule) Matches(status int) bool {
	return status >= r.StatusMin && status <= r.StatusMax
}

// Strategy is the complete retry policy for one message channel.
type Strategy struct {
	// Rules is the ordered status-range table; first match wins.
	Rules []Rule
	// MaxRetries is the channel-wide ceiling, independent of rule ceilings.
	MaxRetries int
	// MaxDelay clamps the exponential backoff term.
	MaxDelay time.Duration
	// InitialDelayUnit is the backoff base unit (doubles per retry).
	InitialDelayUnit time.Duration
	// FallbackWait is the forward-progress wait applied when no rule
	// produces a timestamp for a status code.
	FallbackWait time.Duration
	// MaxJitterPercent is the maximum jitter, 0-100.
	MaxJitterPercent float64
}

// Params are the channel-wide strategy knobs exposed through agent
// configuration. The rule table itself is not configurable; only the
// limits around it are.
type Params struct {
	MaxRetries       int
	MaxDelay         time.Duration
	InitialDelayUnit time.Duration
	FallbackWait     time.Duration
	MaxJitterPercent float64
}

// Validate checks that the strategy can classify every status code:
// at least one rule, and a trailing catch-all whose range spans the whole
// status space. Strategies failing this can still make forward progress
// through the fallback wait, but only as a defensive measure — reject them
// at configuration time instead.
func (s *Strategy) Validate() error {
	if len(s.Rules) == 0 {
		return fmt.Errorf("retrypolicy: strategy has no rules")
	}
	last := s.Rules[len(s.Rules)-1]
	if last.StatusMin > 0 || last.StatusMax < math.MaxInt32 {
		return fmt.Errorf("retrypolicy: last rule [%d,%d] is not a catch-all", last.StatusMin, last.StatusMax)
	}
	return nil
}

// Default returns the retry strategy applied to every message channel
// unless overridden. The table encodes how the cloud's twin-report endpoint
// responds in practice:
//
//   - 2xx needs no retry. Success classification happens before the table
//     is consulted, so this rule never fires; it stays so the table reads
//     as a total map over the status space.
//   - 400 is a malformed report and will never succeed; terminal.
//   - 429 is throttling: back off plus an extra 30s of breathing room.
//   - 413 means the report exceeds the service's size cap; no retry can fix it.
//   - Remaining 4xx retry with a small extra delay, 503 and other 5xx with
//     the throttle-sized extra delay, and unknown codes fall to a plain
//     backoff catch-all.
//
// State reports carry the device's source of truth, so the channel-wide
// ceiling is unbounded: the agent never gives up on its own. The one-day
// MaxDelay keeps "never give up" from turning into "retry next month".
func Default() *Strategy {
	return defaultWith(Params{
		MaxRetries:       math.MaxInt32,
		MaxDelay:         24 * time.Hour,
		InitialDelayUnit: time.Second,
		FallbackWait:     30 * time.Second,
		MaxJitterPercent: 5,
	})
}

// FromParams returns the default rule table with the channel-wide limits
// replaced by configured values. Zero-valued fields keep their defaults.
func FromParams(p Params) *Strategy {
	d := Default()
	if p.MaxRetries > 0 {
		d.MaxRetries = p.MaxRetries
	}
	if p.MaxDelay > 0 {
		d.MaxDelay = p.MaxDelay
	}
	if p.InitialDelayUnit > 0 {
		d.InitialDelayUnit = p.InitialDelayUnit
	}
	if p.FallbackWait > 0 {
		d.FallbackWait = p.FallbackWait
	}
	if p.MaxJitterPercent > 0 {
		d.MaxJitterPercent = p.MaxJitterPercent
	}
	return d
}

func defaultWith(p Params) *Strategy {
	return &Strategy{
		Rules: []Rule{
			// Success responses, no retries needed.
			{StatusMin: 200, StatusMax: 299, MaxRetry: 0},
			// Bad request: the report itself is broken, never retry.
			{StatusMin: 400, StatusMax: 400, MaxRetry: 0},
			// Throttled: extra 30s on top of the regular backoff.
			{StatusMin: 429, StatusMax: 429, AdditionalDelay: 30 * time.Second, Calc: backoff.NextRetryTime, MaxRetry: math.MaxInt32},
			// Payload too large for the service; retrying cannot help.
			{StatusMin: 413, StatusMax: 413, AdditionalDelay: 30 * time.Second, Calc: backoff.NextRetryTime, MaxRetry: 0},
			// Catch-all for client error responses.
			{StatusMin: 400, StatusMax: 499, AdditionalDelay: 5 * time.Second, Calc: backoff.NextRetryTime, MaxRetry: math.MaxInt32},
			// Service unavailable, often throttle-adjacent.
			{StatusMin: 503, StatusMax: 503, AdditionalDelay: 30 * time.Second, Calc: backoff.NextRetryTime, MaxRetry: math.MaxInt32},
			// Catch-all for server error responses.
			{StatusMin: 500, StatusMax: 599, AdditionalDelay: 30 * time.Second, Calc: backoff.NextRetryTime, MaxRetry: math.MaxInt32},
			// Catch-all.
			{StatusMin: 0, StatusMax: math.MaxInt32, Calc: backoff.NextRetryTime, MaxRetry: math.MaxInt32},
		},
		MaxRetries:       p.MaxRetries,
		MaxDelay:         p.MaxDelay,
		InitialDelayUnit: p.InitialDelayUnit,
		FallbackWait:     p.FallbackWait,
		MaxJitterPercent: p.MaxJitterPercent,
	}
}
