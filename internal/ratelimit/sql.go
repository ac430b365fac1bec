package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/spendgate/internal/storage"
)

// SQLLimiter logs grants in the rate_events table of the shared store
// database. SQLite serializes Acquire through its immediate write lock and
// Postgres through a per-credential advisory lock.
type SQLLimiter struct {
	db    *storage.DB
	limit atomic.Int64
	now   func() time.Time
}

func NewSQLLimiter(db *storage.DB, limitPerHour int) *SQLLimiter {
	l := &SQLLimiter{db: db, now: time.Now}
	l.limit.Store(int64(limitPerHour))
	return l
}

// SetLimit changes the hourly quota.
func (l *SQLLimiter) SetLimit(limitPerHour int) { l.limit.Store(int64(limitPerHour)) }

// Acquire implements Limiter.
func (l *SQLLimiter) Acquire(ctx context.Context, credential string) (bool, error) {
	now := l.now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if l.db.Dialect == storage.Postgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1));`, Key(credential)); err != nil {
			return false, fmt.Errorf("rate log lock: %w", err)
		}
	}

	var used int64
	if err := tx.QueryRowContext(ctx, l.db.Rebind(`
SELECT COUNT(*) FROM rate_events WHERE credential = ? AND at > ?;`),
		credential, cutoff(now)).Scan(&used); err != nil {
		return false, fmt.Errorf("count rate events: %w", err)
	}
	if used >= l.limit.Load() {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, l.db.Rebind(`
INSERT INTO rate_events(id, credential, at) VALUES(?, ?, ?);`),
		uuid.NewString(), credential, now.UnixMilli()); err != nil {
		return false, fmt.Errorf("log rate event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit rate event: %w", err)
	}
	return true, nil
}

// PruneExpired removes grants that have left the window at now.
func (l *SQLLimiter) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`DELETE FROM rate_events WHERE at <= ?;`), cutoff(now))
	if err != nil {
		return 0, fmt.Errorf("prune rate events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
