// Package audit keeps the append-only lifecycle trail for change requests.
// Records are never updated or deleted; each one carries a BLAKE3 hash over
// its content and the previous record's hash for the same change request.
package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/spendgate/internal/storage"
)

// GenesisHash is the prev_hash of the first record in every chain.
var GenesisHash = strings.Repeat("0", 64)

// Event names a lifecycle transition.
type Event string

const (
	EventSubmitted      Event = "submitted"
	EventClaimed        Event = "claimed"
	EventRequeued       Event = "requeued"
	EventReleased       Event = "released"
	EventClamped        Event = "clamped"
	EventFuzzed         Event = "fuzzed"
	EventApplied        Event = "applied"
	EventRetryScheduled Event = "failed_retryable"
	EventFailed         Event = "failed_terminal"
	EventCancelled      Event = "cancelled"
	EventCancelRequest  Event = "cancel_requested"
	EventLeaseReclaimed Event = "lease_reclaimed"
)

// Entry is what callers provide; sequencing and hashing are filled in by Append.
type Entry struct {
	ChangeID     string
	ResourceID   string
	Event        Event
	FromStatus   string
	ToStatus     string
	Actor        string
	FencingToken int64
	Detail       map[string]any
}

// Record is a persisted audit row.
type Record struct {
	ID           string         `json:"id"`
	ChangeID     string         `json:"change_id"`
	ResourceID   string         `json:"resource_id"`
	Seq          int            `json:"seq"`
	Event        Event          `json:"event"`
	FromStatus   string         `json:"from_status,omitempty"`
	ToStatus     string         `json:"to_status,omitempty"`
	Actor        string         `json:"actor"`
	FencingToken int64          `json:"fencing_token"`
	Detail       map[string]any `json:"detail,omitempty"`
	PrevHash     string         `json:"prev_hash"`
	Hash         string         `json:"hash"`
	CreatedAt    time.Time      `json:"created_at"`

	detailRaw []byte
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append writes one record using q, which is normally the caller's open
// transaction so the audit row commits or rolls back with the transition.
func Append(ctx context.Context, q Querier, dialect storage.Dialect, e Entry, now time.Time) (Record, error) {
	if q == nil {
		return Record{}, errors.New("querier is required")
	}
	if strings.TrimSpace(e.ChangeID) == "" {
		return Record{}, errors.New("change id is required")
	}
	if e.Event == "" {
		return Record{}, errors.New("event is required")
	}
	if e.Actor == "" {
		e.Actor = "system"
	}

	prevSeq := 0
	prevHash := GenesisHash
	err := q.QueryRowContext(ctx, storage.Rebind(dialect, `
SELECT seq, hash FROM audit_records
WHERE change_id = ?
ORDER BY seq DESC
LIMIT 1;`), e.ChangeID).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("load audit chain head: %w", err)
	}

	rec := Record{
		ID:           uuid.NewString(),
		ChangeID:     e.ChangeID,
		ResourceID:   e.ResourceID,
		Seq:          prevSeq + 1,
		Event:        e.Event,
		FromStatus:   e.FromStatus,
		ToStatus:     e.ToStatus,
		Actor:        e.Actor,
		FencingToken: e.FencingToken,
		Detail:       e.Detail,
		PrevHash:     prevHash,
		CreatedAt:    time.UnixMilli(now.UnixMilli()).UTC(),
	}

	detailJSON, err := marshalDetail(rec.Detail)
	if err != nil {
		return Record{}, err
	}
	rec.detailRaw = detailJSON
	rec.Hash = ComputeHash(rec, detailJSON)

	_, err = q.ExecContext(ctx, storage.Rebind(dialect, `
INSERT INTO audit_records(
  id, change_id, resource_id, seq, event, from_status, to_status, actor,
  fencing_token, detail, prev_hash, hash, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		rec.ID, rec.ChangeID, rec.ResourceID, rec.Seq, string(rec.Event),
		nullIfEmpty(rec.FromStatus), nullIfEmpty(rec.ToStatus), rec.Actor,
		rec.FencingToken, string(detailJSON), rec.PrevHash, rec.Hash, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert audit record: %w", err)
	}
	return rec, nil
}

// ComputeHash returns the chained BLAKE3 digest of a record. detailJSON must
// be the exact bytes stored in the detail column.
func ComputeHash(r Record, detailJSON []byte) string {
	h := blake3.New()
	for _, field := range []string{
		r.PrevHash,
		r.ChangeID,
		r.ResourceID,
		strconv.Itoa(r.Seq),
		string(r.Event),
		r.FromStatus,
		r.ToStatus,
		r.Actor,
		strconv.FormatInt(r.FencingToken, 10),
		string(detailJSON),
		strconv.FormatInt(r.CreatedAt.UnixMilli(), 10),
	} {
		_, _ = h.Write([]byte(field))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func marshalDetail(detail map[string]any) ([]byte, error) {
	if len(detail) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal audit detail: %w", err)
	}
	return b, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
