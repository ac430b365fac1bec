// Package retry classifies dispatch failures and schedules their next attempt.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mattjoyce/spendgate/internal/queue"
)

// Action is what the dispatcher does with a failed attempt.
type Action string

const (
	// ActionRequeue puts the request back without spending an attempt.
	ActionRequeue Action = "requeue"
	// ActionRetry spends an attempt and schedules another after Delay.
	ActionRetry Action = "retry"
	// ActionTerminal spends an attempt and ends the request.
	ActionTerminal Action = "terminal"
)

// Error codes recorded when the failure carries none of its own.
const (
	CodeRateLimited      = "RATE_LIMITED"
	CodeResourceConflict = "RESOURCE_CONFLICT"
	CodeTimeout          = "TIMEOUT"
	CodeTransient        = "TRANSIENT"
	CodePermanent        = "PERMANENT"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
)

// Decision is the result of Decide.
type Decision struct {
	Action    Action
	Delay     time.Duration
	ErrorCode string
	Message   string
	// Attempts is attempt_count after this failure is recorded.
	Attempts int
	// Exhausted is set when a retryable failure hit the attempt limit.
	Exhausted bool
}

// Policy holds the attempt limit and backoff curve.
type Policy struct {
	mu           sync.Mutex
	maxAttempts  int
	base         time.Duration
	max          time.Duration
	requeueDelay time.Duration
	rng          *rand.Rand
}

// NewPolicy returns a policy. requeueDelay applies to uncounted requeues.
func NewPolicy(maxAttempts int, base, max, requeueDelay time.Duration) *Policy {
	return NewPolicyWithSource(maxAttempts, base, max, requeueDelay, rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

func NewPolicyWithSource(maxAttempts int, base, max, requeueDelay time.Duration, src rand.Source) *Policy {
	p := &Policy{rng: rand.New(src)}
	p.Configure(maxAttempts, base, max, requeueDelay)
	return p
}

// Configure replaces the policy parameters.
func (p *Policy) Configure(maxAttempts int, base, max, requeueDelay time.Duration) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if max < base {
		max = base
	}
	p.mu.Lock()
	p.maxAttempts, p.base, p.max, p.requeueDelay = maxAttempts, base, max, requeueDelay
	p.mu.Unlock()
}

// MaxAttempts returns the configured attempt limit.
func (p *Policy) MaxAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxAttempts
}

// Decide classifies err for a request whose attempt_count was attempts
// before this failure.
func (p *Policy) Decide(attempts int, err error) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		rateLimited *queue.RateLimitExceeded
		conflict    *queue.ResourceConflictError
		permanent   *PermanentProviderError
		transient   *TransientProviderError
	)
	switch {
	case errors.As(err, &rateLimited):
		delay := p.requeueDelay
		if rateLimited.RetryAfter > 0 {
			delay = rateLimited.RetryAfter
		}
		return Decision{Action: ActionRequeue, Delay: delay, ErrorCode: CodeRateLimited, Message: err.Error(), Attempts: attempts}
	case errors.As(err, &conflict):
		return Decision{Action: ActionRequeue, Delay: p.requeueDelay, ErrorCode: CodeResourceConflict, Message: err.Error(), Attempts: attempts}
	case errors.As(err, &permanent):
		return Decision{Action: ActionTerminal, ErrorCode: codeOr(permanent.Code, CodePermanent), Message: err.Error(), Attempts: attempts + 1}
	}

	code := CodeTransient
	switch {
	case errors.As(err, &transient):
		code = codeOr(transient.Code, CodeTransient)
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	}

	next := attempts + 1
	if next >= p.maxAttempts {
		return Decision{Action: ActionTerminal, ErrorCode: code, Message: err.Error(), Attempts: next, Exhausted: true}
	}
	return Decision{Action: ActionRetry, Delay: p.backoff(next), ErrorCode: code, Message: err.Error(), Attempts: next}
}

// Backoff returns the jittered delay before retry number attempt (1-based).
func (p *Policy) Backoff(attempt int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backoff(attempt)
}

// backoff is base*2^(attempt-1) capped at max, drawn from [b/2, b].
func (p *Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := float64(p.base) * math.Pow(2, float64(attempt-1))
	if b > float64(p.max) || math.IsInf(b, 0) {
		b = float64(p.max)
	}
	half := int64(b / 2)
	if half <= 0 {
		return time.Duration(b)
	}
	return time.Duration(half + p.rng.Int64N(int64(b)-half+1))
}

func codeOr(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}
