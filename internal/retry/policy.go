// Package retry implements failure classification and the bounded retry
// scheduler that wraps the script invoker. A Policy is configured once at
// startup and shared read-only by all pool workers.
package retry

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/parrun/internal/model"
)

// Rule targets.
const (
	TargetExit   = "exit"
	TargetStderr = "stderr"
)

// Rule matches one failure shape against an attempt. Exactly one of ExitCode
// or Pattern is consulted, selected by Target. Verdict true means retry,
// false means stop.
type Rule struct {
	Target   string
	ExitCode int
	Pattern  *regexp.Regexp
	Retry    bool
}

// Matches reports whether the rule applies to the attempt.
func (r Rule) Matches(a model.Attempt) bool {
	switch r.Target {
	case TargetExit:
		return a.ExitCode == r.ExitCode
	case TargetStderr:
		return r.Pattern != nil && r.Pattern.Match(a.Stderr)
	}
	return false
}

// String renders the rule in the same syntax ParseRule accepts.
func (r Rule) String() string {
	verdict := "stop"
	if r.Retry {
		verdict = "retry"
	}
	if r.Target == TargetExit {
		return fmt.Sprintf("%s:exit=%d", verdict, r.ExitCode)
	}
	return fmt.Sprintf("%s:stderr=%s", verdict, r.Pattern)
}

// ParseRule parses a rule of the form "retry:exit=75" or
// "stop:stderr=quota exceeded". The stderr value is a regular expression.
func ParseRule(s string) (Rule, error) {
	verdict, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Rule{}, fmt.Errorf("rule %q must have form verdict:target=value", s)
	}

	var r Rule
	switch verdict {
	case "retry":
		r.Retry = true
	case "stop":
		r.Retry = false
	default:
		return Rule{}, fmt.Errorf("rule %q: verdict must be retry or stop", s)
	}

	target, value, ok := strings.Cut(rest, "=")
	if !ok {
		return Rule{}, fmt.Errorf("rule %q must have form verdict:target=value", s)
	}

	switch target {
	case TargetExit:
		code, err := strconv.Atoi(value)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: invalid exit code %q", s, value)
		}
		r.Target = TargetExit
		r.ExitCode = code
	case TargetStderr:
		re, err := regexp.Compile(value)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: invalid pattern: %v", s, err)
		}
		r.Target = TargetStderr
		r.Pattern = re
	default:
		return Rule{}, fmt.Errorf("rule %q: target must be exit or stderr", s)
	}

	return r, nil
}

// Backoff configures the delay between retry attempts. Multiplier 1.0 gives a
// fixed delay; greater values escalate, capped at Max.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// Next returns the backoff that follows current.
func (b Backoff) Next(current time.Duration) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(current) * mult)
	if b.Max > 0 && next > b.Max {
		return b.Max
	}
	return next
}

// Delay returns the sleep to apply for the given backoff, with jitter if
// configured (equal jitter: half fixed, half random).
func (b Backoff) Delay(current time.Duration) time.Duration {
	if !b.Jitter || current <= 0 {
		return current
	}
	half := float64(current) / 2
	return time.Duration(half + rand.Float64()*half)
}

// Policy is the configured retry behavior: an ordered rule list, a maximum
// retry count, and the backoff curve. Immutable after construction.
type Policy struct {
	Rules      []Rule
	MaxRetries int
	Backoff    Backoff
}

// ShouldRetry classifies a completed attempt. Rules are evaluated in
// configuration order and the first match wins. An unmatched failure is not
// retried, and a zero exit status is never retried regardless of rules.
func (p Policy) ShouldRetry(a model.Attempt) bool {
	if a.ExitCode == 0 {
		return false
	}
	for _, r := range p.Rules {
		if r.Matches(a) {
			return r.Retry
		}
	}
	return false
}

// MaxAttempts returns the attempt ceiling implied by MaxRetries.
func (p Policy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}
