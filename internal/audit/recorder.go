package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/spendgate/internal/storage"
)

// ChainError reports the first record whose hash does not verify.
type ChainError struct {
	ChangeID string
	Seq      int
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain for %s broken at seq %d: %s", e.ChangeID, e.Seq, e.Reason)
}

// Recorder reads the audit trail and appends records that are not part of a
// status transition.
type Recorder struct {
	db  *storage.DB
	now func() time.Time
}

func NewRecorder(db *storage.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// Append writes a standalone record in its own transaction. A concurrent
// append to the same chain surfaces as a unique violation on (change_id, seq)
// and is retried.
func (r *Recorder) Append(ctx context.Context, e Entry) (Record, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := r.appendOnce(ctx, e)
		if err == nil {
			return rec, nil
		}
		if !storage.IsUniqueViolation(err) {
			return Record{}, err
		}
		lastErr = err
	}
	return Record{}, lastErr
}

func (r *Recorder) appendOnce(ctx context.Context, e Entry) (Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := Append(ctx, tx, r.db.Dialect, e, r.now())
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit audit record: %w", err)
	}
	return rec, nil
}

// History returns the records of a change request in sequence order.
func (r *Recorder) History(ctx context.Context, changeID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
SELECT id, change_id, resource_id, seq, event, from_status, to_status, actor,
       fencing_token, detail, prev_hash, hash, created_at
FROM audit_records
WHERE change_id = ?
ORDER BY seq ASC;`), changeID)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			event     string
			from, to  sql.NullString
			detail    string
			createdMs int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.ChangeID, &rec.ResourceID, &rec.Seq, &event, &from, &to, &rec.Actor,
			&rec.FencingToken, &detail, &rec.PrevHash, &rec.Hash, &createdMs,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Event = Event(event)
		rec.FromStatus = from.String
		rec.ToStatus = to.String
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		rec.detailRaw = []byte(detail)
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal(rec.detailRaw, &rec.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit history: %w", err)
	}
	return out, nil
}

// Verify loads a change request's history and checks its hash chain.
func (r *Recorder) Verify(ctx context.Context, changeID string) error {
	records, err := r.History(ctx, changeID)
	if err != nil {
		return err
	}
	return VerifyChain(records)
}

// VerifyChain checks sequence continuity, prev_hash linkage, and each
// record's own hash.
func VerifyChain(records []Record) error {
	prev := GenesisHash
	for i, rec := range records {
		if rec.Seq != i+1 {
			return &ChainError{ChangeID: rec.ChangeID, Seq: rec.Seq, Reason: fmt.Sprintf("expected seq %d", i+1)}
		}
		if rec.PrevHash != prev {
			return &ChainError{ChangeID: rec.ChangeID, Seq: rec.Seq, Reason: "prev_hash mismatch"}
		}
		raw := rec.detailRaw
		if raw == nil {
			var err error
			if raw, err = marshalDetail(rec.Detail); err != nil {
				return err
			}
		}
		if ComputeHash(rec, raw) != rec.Hash {
			return &ChainError{ChangeID: rec.ChangeID, Seq: rec.Seq, Reason: "hash mismatch"}
		}
		prev = rec.Hash
	}
	return nil
}

// CountEvents counts records of kind event for a resource since the given time.
func (r *Recorder) CountEvents(ctx context.Context, resourceID string, event Event, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
SELECT COUNT(*) FROM audit_records
WHERE resource_id = ? AND event = ? AND created_at >= ?;`),
		resourceID, string(event), since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}
