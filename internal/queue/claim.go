package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/storage"
)

// The ranked subquery keeps only the best eligible row per resource and skips
// resources that already have a claimed row. Together with the partial unique
// index this holds the one-claim-per-resource rule.
const sqliteClaimQuery = `
UPDATE change_requests
SET status = 'claimed', claimed_by = ?, claimed_at = ?, lease_expires_at = ?,
    fencing_token = fencing_token + 1, updated_at = ?
WHERE id IN (
  SELECT id FROM (
    SELECT c.id, c.priority, c.created_at,
           ROW_NUMBER() OVER (PARTITION BY c.resource_id ORDER BY c.priority DESC, c.created_at ASC, c.id ASC) AS rn
    FROM change_requests c
    WHERE c.status = 'pending' AND c.next_eligible_at <= ?
      AND NOT EXISTS (
        SELECT 1 FROM change_requests x
        WHERE x.resource_id = c.resource_id AND x.status = 'claimed'
      )
  ) ranked
  WHERE rn = 1
  ORDER BY priority DESC, created_at ASC, id ASC
  LIMIT ?
)
RETURNING ` + changeColumns + `;`

// Rows locked by a concurrent claimer are skipped rather than waited on.
// Two claimers can still lock sibling rows of one resource; the partial
// unique index turns the second UPDATE into a unique violation.
const postgresClaimQuery = `
WITH candidates AS (
  SELECT c.id, c.resource_id, c.priority, c.created_at
  FROM change_requests c
  WHERE c.status = 'pending' AND c.next_eligible_at <= ?
    AND NOT EXISTS (
      SELECT 1 FROM change_requests x
      WHERE x.resource_id = c.resource_id AND x.status = 'claimed'
    )
  ORDER BY c.priority DESC, c.created_at ASC, c.id ASC
  LIMIT ?
  FOR UPDATE SKIP LOCKED
), ranked AS (
  SELECT id, priority, created_at,
         ROW_NUMBER() OVER (PARTITION BY resource_id ORDER BY priority DESC, created_at ASC, id ASC) AS rn
  FROM candidates
), chosen AS (
  SELECT id FROM ranked
  WHERE rn = 1
  ORDER BY priority DESC, created_at ASC, id ASC
  LIMIT ?
)
UPDATE change_requests
SET status = 'claimed', claimed_by = ?, claimed_at = ?, lease_expires_at = ?,
    fencing_token = fencing_token + 1, updated_at = ?
WHERE id IN (SELECT id FROM chosen)
RETURNING ` + changeColumns + `;`

// ClaimBatch atomically moves up to maxN due PENDING rows to CLAIMED for
// workerID, highest priority first then oldest, at most one row per resource
// and none for a resource that already has a claimed row. Across concurrent
// callers the returned batches are disjoint.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, maxN int, now time.Time) ([]ChangeRequest, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is empty")
	}
	if maxN <= 0 {
		return nil, nil
	}

	var (
		claimed []ChangeRequest
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err = s.claimOnce(ctx, workerID, maxN, now)
		if err == nil || !storage.IsUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		if storage.IsUniqueViolation(err) {
			// Lost the race for every candidate resource; the next poll
			// will see the winner's claims.
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(claimed, func(i, j int) bool {
		a, b := claimed[i], claimed[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return claimed, nil
}

func (s *Store) claimOnce(ctx context.Context, workerID string, maxN int, now time.Time) ([]ChangeRequest, error) {
	opts := s.Options()
	nowMs := now.UTC().UnixMilli()
	leaseMs := now.Add(opts.LeaseTTL).UTC().UnixMilli()

	var claimed []ChangeRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			rows *sql.Rows
			err  error
		)
		switch s.db.Dialect {
		case storage.Postgres:
			// Over-fetch so per-resource ranking still fills the batch.
			rows, err = tx.QueryContext(ctx, s.db.Rebind(postgresClaimQuery),
				nowMs, maxN*4, maxN, workerID, nowMs, leaseMs, nowMs)
		default:
			rows, err = tx.QueryContext(ctx, sqliteClaimQuery,
				workerID, nowMs, leaseMs, nowMs, nowMs, maxN)
		}
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		claimed, err = collect(rows)
		closeErr := rows.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return fmt.Errorf("claim batch: %w", closeErr)
		}

		for _, cr := range claimed {
			if _, err := audit.Append(ctx, tx, s.db.Dialect, audit.Entry{
				ChangeID:     cr.ID,
				ResourceID:   cr.ResourceID,
				Event:        audit.EventClaimed,
				FromStatus:   string(StatusPending),
				ToStatus:     string(StatusClaimed),
				Actor:        workerID,
				FencingToken: cr.FencingToken,
				Detail: map[string]any{
					"lease_expires_at": leaseMs,
					"attempt_count":    cr.AttemptCount,
				},
			}, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Confirm re-checks, just before the external call, that workerID's claim
// identified by fencingToken is still held and that no cancellation was
// requested.
func (s *Store) Confirm(ctx context.Context, id string, fencingToken int64) (*ChangeRequest, error) {
	cr, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := holdsClaim(*cr, fencingToken); err != nil {
		return nil, err
	}
	if cr.CancelRequestedAt != nil {
		return cr, &CancelRequested{ID: id}
	}
	return cr, nil
}

func holdsClaim(cr ChangeRequest, fencingToken int64) error {
	if cr.Status != StatusClaimed || cr.FencingToken != fencingToken {
		return &LeaseExpiredRecovery{ID: cr.ID, FencingToken: fencingToken, Status: cr.Status}
	}
	return nil
}

// IsLeaseLost reports whether err means the caller no longer holds its claim.
func IsLeaseLost(err error) bool {
	var lost *LeaseExpiredRecovery
	return errors.As(err, &lost)
}
