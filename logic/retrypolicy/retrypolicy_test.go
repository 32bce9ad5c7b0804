package retrypolicy

import (
	"math"
	"testing"
	"time"
)

// TestDefault_IsValid verifies the built-in strategy passes its own
// validation. If the default table ever loses its catch-all, unknown status
// codes would only progress through the fallback wait.
func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

// TestDefault_RulePrecedence verifies first-match-wins ordering for the
// overlapping ranges in the default table: 429 and 413 must be found before
// the generic 4xx rule, 503 before the generic 5xx rule.
func TestDefault_RulePrecedence(t *testing.T) {
	s := Default()

	firstMatch := func(status int) Rule {
		for _, r := range s.Rules {
			if r.Matches(status) {
				return r
			}
		}
		t.Fatalf("no rule matches status %d", status)
		return Rule{}
	}

	cases := []struct {
		status    int
		wantExtra time.Duration
		wantMax   int
	}{
		{429, 30 * time.Second, math.MaxInt32},
		{413, 30 * time.Second, 0},
		{404, 5 * time.Second, math.MaxInt32},
		{503, 30 * time.Second, math.MaxInt32},
		{500, 30 * time.Second, math.MaxInt32},
		{0, 0, math.MaxInt32},
		{700, 0, math.MaxInt32},
	}
	for _, c := range cases {
		r := firstMatch(c.status)
		if r.AdditionalDelay != c.wantExtra || r.MaxRetry != c.wantMax {
			t.Errorf("status %d: matched rule [%d,%d] extra=%v max=%d, want extra=%v max=%d",
				c.status, r.StatusMin, r.StatusMax, r.AdditionalDelay, r.MaxRetry, c.wantExtra, c.wantMax)
		}
	}
}

// TestDefault_TerminalRulesHaveNoCalculator verifies the 2xx and 400 rules
// are no-op markers with a zero retry ceiling. The messenger depends on the
// zero ceiling to terminate immediately when a response callback forces a
// retry on one of these statuses.
func TestDefault_TerminalRulesHaveNoCalculator(t *testing.T) {
	s := Default()
	for _, status := range []int{200, 204, 299, 400} {
		for _, r := range s.Rules {
			if r.Matches(status) {
				if r.Calc != nil {
					t.Errorf("status %d: first matching rule has a calculator", status)
				}
				if r.MaxRetry != 0 {
					t.Errorf("status %d: MaxRetry = %d, want 0", status, r.MaxRetry)
				}
				break
			}
		}
	}
}

// TestValidate_RejectsMissingCatchAll verifies that a strategy whose last
// rule does not span the full status space is rejected at configuration
// time rather than silently limping along on the fallback wait.
func TestValidate_RejectsMissingCatchAll(t *testing.T) {
	s := &Strategy{Rules: []Rule{{StatusMin: 400, StatusMax: 499, MaxRetry: 1}}}
	if err := s.Validate(); err == nil {
		t.Fatal("Validate() accepted a strategy without a catch-all")
	}

	empty := &Strategy{}
	if err := empty.Validate(); err == nil {
		t.Fatal("Validate() accepted an empty strategy")
	}
}

// TestFromParams_OverridesLimitsKeepsTable verifies configured knobs replace
// the channel-wide limits while zero values keep defaults, and that the rule
// table itself is untouched either way.
func TestFromParams_OverridesLimitsKeepsTable(t *testing.T) {
	s := FromParams(Params{
		MaxRetries:   50,
		MaxDelay:     5 * time.Minute,
		FallbackWait: 10 * time.Second,
	})

	if s.MaxRetries != 50 {
		t.Errorf("MaxRetries = %d, want 50", s.MaxRetries)
	}
	if s.MaxDelay != 5*time.Minute {
		t.Errorf("MaxDelay = %v, want 5m", s.MaxDelay)
	}
	if s.FallbackWait != 10*time.Second {
		t.Errorf("FallbackWait = %v, want 10s", s.FallbackWait)
	}
	// Unset fields keep defaults.
	if s.InitialDelayUnit != time.Second {
		t.Errorf("InitialDelayUnit = %v, want 1s", s.InitialDelayUnit)
	}
	if s.MaxJitterPercent != 5 {
		t.Errorf("MaxJitterPercent = %v, want 5", s.MaxJitterPercent)
	}
	if len(s.Rules) != len(Default().Rules) {
		t.Errorf("rule table changed: %d rules, want %d", len(s.Rules), len(Default().Rules))
	}
}
