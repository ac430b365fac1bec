package queue

import (
	"database/sql"
	"fmt"
	"time"
)

const changeColumns = `id, resource_id, change_type, requested_value, credential, reasoning, source, priority,
  status, claimed_by, claimed_at, lease_expires_at, attempt_count, next_eligible_at, applied_value,
  fencing_token, cancel_requested_at, last_error, error_code, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(r rowScanner) (ChangeRequest, error) {
	var (
		cr              ChangeRequest
		changeType      string
		status          string
		claimedBy       sql.NullString
		claimedAt       sql.NullInt64
		leaseExpiresAt  sql.NullInt64
		nextEligibleAt  int64
		appliedValue    sql.NullFloat64
		cancelRequested sql.NullInt64
		lastError       sql.NullString
		errorCode       sql.NullString
		createdAt       int64
		updatedAt       int64
		completedAt     sql.NullInt64
	)
	err := r.Scan(
		&cr.ID, &cr.ResourceID, &changeType, &cr.RequestedValue, &cr.Credential, &cr.Reasoning, &cr.Source, &cr.Priority,
		&status, &claimedBy, &claimedAt, &leaseExpiresAt, &cr.AttemptCount, &nextEligibleAt, &appliedValue,
		&cr.FencingToken, &cancelRequested, &lastError, &errorCode, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return ChangeRequest{}, err
	}

	cr.ChangeType = ChangeType(changeType)
	cr.Status = Status(status)
	if claimedBy.Valid {
		cr.ClaimedBy = &claimedBy.String
	}
	cr.ClaimedAt = optionalTime(claimedAt)
	cr.LeaseExpiresAt = optionalTime(leaseExpiresAt)
	cr.NextEligibleAt = fromMillis(nextEligibleAt)
	if appliedValue.Valid {
		v := appliedValue.Float64
		cr.AppliedValue = &v
	}
	cr.CancelRequestedAt = optionalTime(cancelRequested)
	if lastError.Valid {
		cr.LastError = &lastError.String
	}
	if errorCode.Valid {
		cr.ErrorCode = &errorCode.String
	}
	cr.CreatedAt = fromMillis(createdAt)
	cr.UpdatedAt = fromMillis(updatedAt)
	cr.CompletedAt = optionalTime(completedAt)
	return cr, nil
}

func collect(rows *sql.Rows) ([]ChangeRequest, error) {
	var out []ChangeRequest
	for rows.Next() {
		cr, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change requests: %w", err)
	}
	return out, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optionalTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
