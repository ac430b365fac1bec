package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("change request not found")
	// ErrNotCancellable is returned when cancelling a request that already
	// reached a terminal status.
	ErrNotCancellable = errors.New("change request is not cancellable")
)

// ValidationError rejects a malformed submission; it never enters the queue.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// DuplicateRequestError rejects a submission equivalent to a recent pending
// request. ExistingID is the request that already covers it.
type DuplicateRequestError struct {
	ExistingID string
	ResourceID string
	ChangeType ChangeType
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate %s request for %s (existing %s)", e.ChangeType, e.ResourceID, e.ExistingID)
}

// ResourceConflictError means another change for the same resource is in
// flight. The request is requeued without spending an attempt.
type ResourceConflictError struct {
	ResourceID string
}

func (e *ResourceConflictError) Error() string {
	return fmt.Sprintf("another change is in flight for resource %s", e.ResourceID)
}

// RateLimitExceeded means the credential's quota is spent for now. The
// request is requeued without spending an attempt.
type RateLimitExceeded struct {
	Credential string
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for credential %q (retry after %s)", e.Credential, e.RetryAfter)
}

// LeaseExpiredRecovery means the caller no longer holds the claim it is
// acting on: the lease was reclaimed, or the fencing token moved on.
type LeaseExpiredRecovery struct {
	ID           string
	FencingToken int64
	Status       Status
}

func (e *LeaseExpiredRecovery) Error() string {
	return fmt.Sprintf("claim on %s with fencing token %d is no longer held (status %s)", e.ID, e.FencingToken, e.Status)
}

// CancelRequested is returned by Confirm when the producer asked to cancel a
// claimed request before its external call started.
type CancelRequested struct {
	ID string
}

func (e *CancelRequested) Error() string {
	return fmt.Sprintf("cancellation requested for %s", e.ID)
}
