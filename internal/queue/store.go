package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/storage"
)

// Options are the store tunables. They may be swapped at runtime with
// Configure.
type Options struct {
	LeaseTTL          time.Duration
	DedupWindow       time.Duration
	MaxAttempts       int
	DefaultCredential string
}

// Store is the durable change request state machine. The claim in
// ClaimBatch is the only synchronization point between workers.
type Store struct {
	db       *storage.DB
	validate *validator.Validate

	mu   sync.RWMutex
	now  func() time.Time
	opts Options
}

func New(db *storage.DB, opts Options) *Store {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Store{db: db, validate: v, now: time.Now, opts: withDefaults(opts)}
}

func withDefaults(o Options) Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.DefaultCredential == "" {
		o.DefaultCredential = "default"
	}
	return o
}

// Configure replaces the store options.
func (s *Store) Configure(opts Options) {
	s.mu.Lock()
	s.opts = withDefaults(opts)
	s.mu.Unlock()
}

// Options returns the active options.
func (s *Store) Options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *storage.DB { return s.db }

// SetClock replaces the time source used for timestamps and eligibility.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	s.mu.RLock()
	now := s.now
	s.mu.RUnlock()
	return now()
}

// Submit validates req and inserts it as PENDING. An equivalent PENDING
// request (same resource and change type) created within the dedup window
// yields a DuplicateRequestError naming the existing id.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := s.validateSubmit(req); err != nil {
		return "", err
	}

	opts := s.Options()
	credential := req.Credential
	if credential == "" {
		credential = opts.DefaultCredential
	}
	actor := req.Actor
	if actor == "" {
		actor = req.Source
	}

	id := uuid.NewString()
	now := s.Now().UTC()
	nowMs := now.UnixMilli()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if s.db.Dialect == storage.Postgres {
			// Serializes submitters of the same resource and change type so
			// the dedup check below cannot race.
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1));`,
				req.ResourceID+"|"+string(req.ChangeType)); err != nil {
				return fmt.Errorf("dedup lock: %w", err)
			}
		}

		if opts.DedupWindow > 0 {
			var existing string
			err := tx.QueryRowContext(ctx, s.db.Rebind(`
SELECT id FROM change_requests
WHERE resource_id = ? AND change_type = ? AND status = ? AND created_at >= ?
ORDER BY created_at DESC
LIMIT 1;`), req.ResourceID, string(req.ChangeType), string(StatusPending), now.Add(-opts.DedupWindow).UnixMilli()).Scan(&existing)
			switch {
			case err == nil:
				return &DuplicateRequestError{ExistingID: existing, ResourceID: req.ResourceID, ChangeType: req.ChangeType}
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("dedup lookup: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, s.db.Rebind(`
INSERT INTO change_requests(
  id, resource_id, change_type, requested_value, credential, reasoning, source, priority,
  status, attempt_count, next_eligible_at, fencing_token, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?);`),
			id, req.ResourceID, string(req.ChangeType), req.Value, credential, req.Reasoning, req.Source, req.Priority,
			string(StatusPending), nowMs, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("insert change request: %w", err)
		}

		_, err = audit.Append(ctx, tx, s.db.Dialect, audit.Entry{
			ChangeID:   id,
			ResourceID: req.ResourceID,
			Event:      audit.EventSubmitted,
			ToStatus:   string(StatusPending),
			Actor:      actor,
			Detail: map[string]any{
				"change_type":     string(req.ChangeType),
				"requested_value": req.Value,
				"priority":        req.Priority,
				"source":          req.Source,
				"reasoning":       req.Reasoning,
			},
		}, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) validateSubmit(req SubmitRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed %q check", fe.Tag())}
		}
		return &ValidationError{Message: err.Error()}
	}
	if math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		return &ValidationError{Field: "value", Message: "must be a finite number"}
	}
	if req.ChangeType != StatusChange && req.Value < 0 {
		return &ValidationError{Field: "value", Message: "must not be negative"}
	}
	return nil
}

// Get returns a change request by id.
func (s *Store) Get(ctx context.Context, id string) (*ChangeRequest, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+changeColumns+` FROM change_requests WHERE id = ?;`), id)
	cr, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get change request: %w", err)
	}
	return &cr, nil
}

// List returns change requests, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]ChangeRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `SELECT ` + changeColumns + ` FROM change_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Counts returns the number of rows per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM change_requests GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count change requests: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// Cancel cancels a PENDING request immediately. For a CLAIMED request it
// records a cancellation request; the owning worker honours it if the
// external call has not started yet. Terminal requests are not cancellable.
func (s *Store) Cancel(ctx context.Context, id, actor string) (*ChangeRequest, error) {
	if actor == "" {
		actor = "operator"
	}
	var out *ChangeRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cr, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.Now().UTC()
		nowMs := now.UnixMilli()

		switch cr.Status {
		case StatusPending:
			res, err := tx.ExecContext(ctx, s.db.Rebind(`
UPDATE change_requests
SET status = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status = ?;`), string(StatusCancelled), nowMs, nowMs, id, string(StatusPending))
			if err != nil {
				return fmt.Errorf("cancel change request: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return ErrNotCancellable
			}
			if _, err := audit.Append(ctx, tx, s.db.Dialect, audit.Entry{
				ChangeID:   id,
				ResourceID: cr.ResourceID,
				Event:      audit.EventCancelled,
				FromStatus: string(StatusPending),
				ToStatus:   string(StatusCancelled),
				Actor:      actor,
			}, now); err != nil {
				return err
			}
		case StatusClaimed:
			if cr.CancelRequestedAt == nil {
				if _, err := tx.ExecContext(ctx, s.db.Rebind(`
UPDATE change_requests SET cancel_requested_at = ?, updated_at = ?
WHERE id = ? AND status = ?;`), nowMs, nowMs, id, string(StatusClaimed)); err != nil {
					return fmt.Errorf("request cancellation: %w", err)
				}
				if _, err := audit.Append(ctx, tx, s.db.Dialect, audit.Entry{
					ChangeID:     id,
					ResourceID:   cr.ResourceID,
					Event:        audit.EventCancelRequest,
					FromStatus:   string(StatusClaimed),
					ToStatus:     string(StatusClaimed),
					Actor:        actor,
					FencingToken: cr.FencingToken,
				}, now); err != nil {
					return err
				}
			}
		default:
			return ErrNotCancellable
		}

		updated, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		out = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VelocityDeltas returns the approved budget deltas for a resource recorded
// at or after since.
func (s *Store) VelocityDeltas(ctx context.Context, resourceID string, since time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
SELECT delta FROM budget_velocity
WHERE resource_id = ? AND recorded_at >= ?
ORDER BY recorded_at ASC;`), resourceID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query velocity window: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan velocity delta: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneVelocity deletes velocity rows older than before. They no longer
// influence any velocity window.
func (s *Store) PruneVelocity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM budget_velocity WHERE recorded_at < ?;`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune velocity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LastAppliedBudget returns the most recent applied budget value for a
// resource. ok is false when no budget change was ever applied.
func (s *Store) LastAppliedBudget(ctx context.Context, resourceID string) (value float64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, s.db.Rebind(`
SELECT applied_value FROM change_requests
WHERE resource_id = ? AND status = 'applied' AND change_type IN ('BUDGET_INCREASE', 'BUDGET_DECREASE')
  AND applied_value IS NOT NULL
ORDER BY completed_at DESC, id DESC
LIMIT 1;`), resourceID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("last applied budget: %w", err)
	}
	return value, true, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// loadForUpdate reads a row inside tx, locking it on Postgres. SQLite
// transactions already hold the database write lock.
func (s *Store) loadForUpdate(ctx context.Context, tx *sql.Tx, id string) (ChangeRequest, error) {
	q := `SELECT ` + changeColumns + ` FROM change_requests WHERE id = ?`
	if s.db.Dialect == storage.Postgres {
		q += ` FOR UPDATE`
	}
	cr, err := scanChange(tx.QueryRowContext(ctx, s.db.Rebind(q), id))
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeRequest{}, ErrNotFound
	}
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("load change request: %w", err)
	}
	return cr, nil
}

func (s *Store) get(ctx context.Context, tx *sql.Tx, id string) (ChangeRequest, error) {
	cr, err := scanChange(tx.QueryRowContext(ctx, s.db.Rebind(`SELECT `+changeColumns+` FROM change_requests WHERE id = ?;`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeRequest{}, ErrNotFound
	}
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("reload change request: %w", err)
	}
	return cr, nil
}
