package queue

import (
	"time"
)

type ChangeType string

const (
	BudgetIncrease ChangeType = "BUDGET_INCREASE"
	BudgetDecrease ChangeType = "BUDGET_DECREASE"
	StatusChange   ChangeType = "STATUS_CHANGE"
	BidChange      ChangeType = "BID_CHANGE"
)

// Valid reports whether c is a known change type.
func (c ChangeType) Valid() bool {
	switch c {
	case BudgetIncrease, BudgetDecrease, StatusChange, BidChange:
		return true
	}
	return false
}

// TouchesBudget reports whether the change passes through the velocity cap
// and fuzzing.
func (c ChangeType) TouchesBudget() bool {
	return c == BudgetIncrease || c == BudgetDecrease
}

type Status string

const (
	StatusPending         Status = "pending"
	StatusClaimed         Status = "claimed"
	StatusApplied         Status = "applied"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusFailedTerminal || s == StatusCancelled
}

// ChangeRequest is one proposed mutation and its lifecycle state.
type ChangeRequest struct {
	ID                string     `json:"id"`
	ResourceID        string     `json:"resource_id"`
	ChangeType        ChangeType `json:"change_type"`
	RequestedValue    float64    `json:"requested_value"`
	Credential        string     `json:"credential"`
	Reasoning         string     `json:"reasoning,omitempty"`
	Source            string     `json:"source"`
	Priority          int        `json:"priority"`
	Status            Status     `json:"status"`
	ClaimedBy         *string    `json:"claimed_by,omitempty"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at,omitempty"`
	AttemptCount      int        `json:"attempt_count"`
	NextEligibleAt    time.Time  `json:"next_eligible_at"`
	AppliedValue      *float64   `json:"applied_value,omitempty"`
	FencingToken      int64      `json:"fencing_token"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	ErrorCode         *string    `json:"error_code,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// SubmitRequest is the producer-side input to Submit.
type SubmitRequest struct {
	ResourceID string     `json:"resource_id" validate:"required,max=128,printascii"`
	ChangeType ChangeType `json:"change_type" validate:"required,oneof=BUDGET_INCREASE BUDGET_DECREASE STATUS_CHANGE BID_CHANGE"`
	Value      float64    `json:"value"`
	Reasoning  string     `json:"reasoning" validate:"max=4096"`
	Source     string     `json:"source" validate:"required,max=64"`
	Priority   int        `json:"priority" validate:"gte=-1000,lte=1000"`
	// Credential selects the rate-limit quota; empty means the engine default.
	Credential string `json:"credential,omitempty" validate:"omitempty,max=128"`
	Actor      string `json:"-"`
}

// OutcomeKind selects the transition MarkOutcome performs.
type OutcomeKind string

const (
	// OutcomeApplied records success: CLAIMED -> APPLIED.
	OutcomeApplied OutcomeKind = "applied"
	// OutcomeRetry records a counted transient failure: CLAIMED ->
	// FAILED_RETRYABLE -> PENDING after Backoff.
	OutcomeRetry OutcomeKind = "retry"
	// OutcomeTerminal records a permanent failure, or a transient one that
	// exhausted its attempts: CLAIMED -> FAILED_TERMINAL.
	OutcomeTerminal OutcomeKind = "terminal"
	// OutcomeCancelled aborts a claimed request whose producer asked for
	// cancellation before the external call: CLAIMED -> CANCELLED.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome describes the result of one dispatch attempt.
type Outcome struct {
	Kind         OutcomeKind
	AppliedValue float64
	ErrorCode    string
	Error        string
	// CountAttempt increments attempt_count; set for transient failures,
	// including the one that exhausts the retry budget.
	CountAttempt bool
	Backoff      time.Duration
	// VelocityDelta, when set on an applied budget change, is recorded in the
	// velocity window in the same transaction.
	VelocityDelta *float64
	Detail        map[string]any
}

// Filter narrows List results.
type Filter struct {
	Status     Status
	ResourceID string
	Limit      int
}

// Reclaimed describes one lease recovered by ReclaimExpiredLeases.
type Reclaimed struct {
	Request  ChangeRequest
	Terminal bool
}
