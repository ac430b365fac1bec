package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/storage"
)

// MarkOutcome records the result of a dispatch attempt for the claim
// identified by fencingToken, writes the audit trail, and, for an applied
// budget change, the velocity row. All in one transaction. Terminal rows are
// never touched: every UPDATE is guarded on status and fencing token.
func (s *Store) MarkOutcome(ctx context.Context, id string, fencingToken int64, out Outcome) (*ChangeRequest, error) {
	var result *ChangeRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cr, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := holdsClaim(cr, fencingToken); err != nil {
			return err
		}

		now := s.Now().UTC()
		nowMs := now.UnixMilli()
		actor := claimant(cr)
		attempts := cr.AttemptCount
		if out.CountAttempt {
			attempts++
		}
		entry := audit.Entry{
			ChangeID:     cr.ID,
			ResourceID:   cr.ResourceID,
			FromStatus:   string(StatusClaimed),
			Actor:        actor,
			FencingToken: cr.FencingToken,
			Detail:       mergeDetail(out.Detail, map[string]any{"attempt_count": attempts}),
		}

		switch out.Kind {
		case OutcomeApplied:
			if err := s.guardedUpdate(ctx, tx, cr, `
status = ?, applied_value = ?, attempt_count = ?, lease_expires_at = NULL,
last_error = NULL, error_code = NULL, completed_at = ?, updated_at = ?`,
				string(StatusApplied), out.AppliedValue, attempts, nowMs, nowMs); err != nil {
				return err
			}
			if out.VelocityDelta != nil {
				if _, err := tx.ExecContext(ctx, s.db.Rebind(`
INSERT INTO budget_velocity(id, resource_id, change_id, delta, recorded_at)
VALUES(?, ?, ?, ?, ?);`), uuid.NewString(), cr.ResourceID, cr.ID, *out.VelocityDelta, nowMs); err != nil {
					return fmt.Errorf("record velocity: %w", err)
				}
			}
			entry.Event = audit.EventApplied
			entry.ToStatus = string(StatusApplied)
			entry.Detail["requested_value"] = cr.RequestedValue
			entry.Detail["applied_value"] = out.AppliedValue
			if _, err := audit.Append(ctx, tx, s.db.Dialect, entry, now); err != nil {
				return err
			}

		case OutcomeRetry:
			next := now.Add(out.Backoff)
			entry.Event = audit.EventRetryScheduled
			entry.ToStatus = string(StatusFailedRetryable)
			entry.Detail["error"] = out.Error
			entry.Detail["error_code"] = out.ErrorCode
			entry.Detail["backoff_ms"] = out.Backoff.Milliseconds()
			if _, err := audit.Append(ctx, tx, s.db.Dialect, entry, now); err != nil {
				return err
			}
			// FAILED_RETRYABLE resolves to PENDING (or CANCELLED, if the
			// producer asked) within this transaction.
			if err := s.returnToQueue(ctx, tx, cr, attempts, next, out.Error, out.ErrorCode,
				audit.EventRequeued, string(StatusFailedRetryable), actor, now); err != nil {
				return err
			}

		case OutcomeTerminal:
			if err := s.guardedUpdate(ctx, tx, cr, `
status = ?, attempt_count = ?, lease_expires_at = NULL, last_error = ?, error_code = ?,
completed_at = ?, updated_at = ?`,
				string(StatusFailedTerminal), attempts, nullString(out.Error), nullString(out.ErrorCode), nowMs, nowMs); err != nil {
				return err
			}
			entry.Event = audit.EventFailed
			entry.ToStatus = string(StatusFailedTerminal)
			entry.Detail["error"] = out.Error
			entry.Detail["error_code"] = out.ErrorCode
			if _, err := audit.Append(ctx, tx, s.db.Dialect, entry, now); err != nil {
				return err
			}

		case OutcomeCancelled:
			if err := s.guardedUpdate(ctx, tx, cr, `
status = ?, lease_expires_at = NULL, completed_at = ?, updated_at = ?`,
				string(StatusCancelled), nowMs, nowMs); err != nil {
				return err
			}
			entry.Event = audit.EventCancelled
			entry.ToStatus = string(StatusCancelled)
			entry.Detail["reason"] = "cancellation requested before dispatch"
			if _, err := audit.Append(ctx, tx, s.db.Dialect, entry, now); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown outcome kind %q", out.Kind)
		}

		updated, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		result = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Requeue hands a claimed request back to PENDING after delay without
// spending an attempt. Used for rate-limit denials and resource conflicts.
func (s *Store) Requeue(ctx context.Context, id string, fencingToken int64, delay time.Duration, reason string) error {
	return s.giveBack(ctx, id, fencingToken, delay, reason, audit.EventRequeued)
}

// Release returns a claim the worker never dispatched, making it eligible
// immediately. Used on shutdown.
func (s *Store) Release(ctx context.Context, id string, fencingToken int64) error {
	return s.giveBack(ctx, id, fencingToken, 0, "worker shutdown", audit.EventReleased)
}

func (s *Store) giveBack(ctx context.Context, id string, fencingToken int64, delay time.Duration, reason string, event audit.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cr, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := holdsClaim(cr, fencingToken); err != nil {
			return err
		}
		now := s.Now().UTC()
		return s.returnToQueue(ctx, tx, cr, cr.AttemptCount, now.Add(delay), deref(cr.LastError), deref(cr.ErrorCode),
			event, string(StatusClaimed), claimant(cr), now, "reason", reason)
	})
}

// ReclaimExpiredLeases moves CLAIMED rows whose lease expired before now back
// to PENDING with attempt_count incremented by one. Rows whose attempts reach
// the maximum become FAILED_TERMINAL and are flagged in the result so the
// caller can alert. The fencing token guard means a lease is reclaimed by
// exactly one sweep.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]Reclaimed, error) {
	opts := s.Options()
	nowMs := now.UTC().UnixMilli()

	var out []Reclaimed
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT ` + changeColumns + ` FROM change_requests
WHERE status = 'claimed' AND lease_expires_at < ?
ORDER BY lease_expires_at ASC`
		if s.db.Dialect == storage.Postgres {
			q += ` FOR UPDATE SKIP LOCKED`
		}
		rows, err := tx.QueryContext(ctx, s.db.Rebind(q), nowMs)
		if err != nil {
			return fmt.Errorf("find expired leases: %w", err)
		}
		expired, err := collect(rows)
		_ = rows.Close()
		if err != nil {
			return err
		}

		for _, cr := range expired {
			attempts := cr.AttemptCount + 1
			detail := map[string]any{
				"claimed_by":       deref(cr.ClaimedBy),
				"lease_expires_at": cr.LeaseExpiresAt.UnixMilli(),
				"attempt_count":    attempts,
			}

			if attempts >= opts.MaxAttempts && cr.CancelRequestedAt == nil {
				msg := "lease expired; retry attempts exhausted"
				if err := s.guardedUpdate(ctx, tx, cr, `
status = ?, attempt_count = ?, lease_expires_at = NULL, last_error = ?, error_code = ?,
completed_at = ?, updated_at = ?`,
					string(StatusFailedTerminal), attempts, msg, "LEASE_EXPIRED", nowMs, nowMs); err != nil {
					if IsLeaseLost(err) {
						continue
					}
					return err
				}
				if _, err := audit.Append(ctx, tx, s.db.Dialect, audit.Entry{
					ChangeID:     cr.ID,
					ResourceID:   cr.ResourceID,
					Event:        audit.EventLeaseReclaimed,
					FromStatus:   string(StatusClaimed),
					ToStatus:     string(StatusFailedTerminal),
					Actor:        "reclaimer",
					FencingToken: cr.FencingToken,
					Detail:       detail,
				}, now); err != nil {
					return err
				}
				updated, err := s.get(ctx, tx, cr.ID)
				if err != nil {
					return err
				}
				out = append(out, Reclaimed{Request: updated, Terminal: true})
				continue
			}

			if err := s.returnToQueue(ctx, tx, cr, attempts, now, "lease expired", "LEASE_EXPIRED",
				audit.EventLeaseReclaimed, string(StatusClaimed), "reclaimer", now,
				"claimed_by", deref(cr.ClaimedBy), "lease_expires_at", cr.LeaseExpiresAt.UnixMilli()); err != nil {
				if IsLeaseLost(err) {
					continue
				}
				return err
			}
			updated, err := s.get(ctx, tx, cr.ID)
			if err != nil {
				return err
			}
			out = append(out, Reclaimed{Request: updated})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// returnToQueue clears the claim and makes the row PENDING at next, or
// CANCELLED if a cancellation was requested while it was claimed.
func (s *Store) returnToQueue(ctx context.Context, tx *sql.Tx, cr ChangeRequest, attempts int, next time.Time,
	lastErr, errCode string, event audit.Event, from, actor string, now time.Time, kv ...any) error {
	nowMs := now.UnixMilli()
	detail := map[string]any{"attempt_count": attempts, "next_eligible_at": next.UnixMilli()}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			detail[k] = kv[i+1]
		}
	}

	if cr.CancelRequestedAt != nil {
		if err := s.guardedUpdate(ctx, tx, cr, `
status = ?, attempt_count = ?, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
completed_at = ?, updated_at = ?`,
			string(StatusCancelled), attempts, nowMs, nowMs); err != nil {
			return err
		}
		detail["reason"] = "cancellation requested while claimed"
		_, err := audit.Append(ctx, tx, s.db.Dialect, audit.Entry{
			ChangeID: cr.ID, ResourceID: cr.ResourceID, Event: audit.EventCancelled,
			FromStatus: from, ToStatus: string(StatusCancelled), Actor: actor,
			FencingToken: cr.FencingToken, Detail: detail,
		}, now)
		return err
	}

	if err := s.guardedUpdate(ctx, tx, cr, `
status = ?, attempt_count = ?, next_eligible_at = ?, claimed_by = NULL, claimed_at = NULL,
lease_expires_at = NULL, last_error = ?, error_code = ?, updated_at = ?`,
		string(StatusPending), attempts, next.UnixMilli(), nullString(lastErr), nullString(errCode), nowMs); err != nil {
		return err
	}
	_, err := audit.Append(ctx, tx, s.db.Dialect, audit.Entry{
		ChangeID: cr.ID, ResourceID: cr.ResourceID, Event: event,
		FromStatus: from, ToStatus: string(StatusPending), Actor: actor,
		FencingToken: cr.FencingToken, Detail: detail,
	}, now)
	return err
}

// guardedUpdate applies set to cr's row only while it is still CLAIMED under
// the same fencing token.
func (s *Store) guardedUpdate(ctx context.Context, tx *sql.Tx, cr ChangeRequest, set string, args ...any) error {
	q := `UPDATE change_requests SET ` + set + ` WHERE id = ? AND status = ? AND fencing_token = ?;`
	args = append(args, cr.ID, string(StatusClaimed), cr.FencingToken)
	res, err := tx.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	if n != 1 {
		return &LeaseExpiredRecovery{ID: cr.ID, FencingToken: cr.FencingToken, Status: cr.Status}
	}
	return nil
}

func claimant(cr ChangeRequest) string {
	if cr.ClaimedBy != nil {
		return *cr.ClaimedBy
	}
	return "system"
}

func mergeDetail(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
