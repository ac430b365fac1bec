package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are unix milliseconds in BIGINT columns so ordering and range
// predicates behave the same on both dialects.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS change_requests (
  id               TEXT PRIMARY KEY,
  resource_id      TEXT NOT NULL,
  change_type      TEXT NOT NULL,
  requested_value  DOUBLE PRECISION NOT NULL,
  credential       TEXT NOT NULL,
  reasoning        TEXT NOT NULL DEFAULT '',
  source           TEXT NOT NULL,
  priority         INTEGER NOT NULL DEFAULT 0,
  status           TEXT NOT NULL,
  claimed_by       TEXT,
  claimed_at       BIGINT,
  lease_expires_at BIGINT,
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  next_eligible_at BIGINT NOT NULL,
  applied_value    DOUBLE PRECISION,
  fencing_token    BIGINT NOT NULL DEFAULT 0,
  cancel_requested_at BIGINT,
  last_error       TEXT,
  error_code       TEXT,
  created_at       BIGINT NOT NULL,
  updated_at       BIGINT NOT NULL,
  completed_at     BIGINT
);`,
	// At most one claimed row per resource.
	`CREATE UNIQUE INDEX IF NOT EXISTS change_requests_one_claim_per_resource
  ON change_requests(resource_id) WHERE status = 'claimed';`,
	`CREATE INDEX IF NOT EXISTS change_requests_status_eligible_idx
  ON change_requests(status, next_eligible_at);`,
	`CREATE INDEX IF NOT EXISTS change_requests_dedup_idx
  ON change_requests(resource_id, change_type, status, created_at);`,
	`CREATE INDEX IF NOT EXISTS change_requests_lease_idx
  ON change_requests(status, lease_expires_at);`,

	`CREATE TABLE IF NOT EXISTS audit_records (
  id            TEXT PRIMARY KEY,
  change_id     TEXT NOT NULL,
  resource_id   TEXT NOT NULL,
  seq           INTEGER NOT NULL,
  event         TEXT NOT NULL,
  from_status   TEXT,
  to_status     TEXT,
  actor         TEXT NOT NULL,
  fencing_token BIGINT NOT NULL DEFAULT 0,
  detail        TEXT NOT NULL DEFAULT '{}',
  prev_hash     TEXT NOT NULL,
  hash          TEXT NOT NULL,
  created_at    BIGINT NOT NULL,
  UNIQUE (change_id, seq)
);`,
	`CREATE INDEX IF NOT EXISTS audit_records_resource_event_idx
  ON audit_records(resource_id, event, created_at);`,

	`CREATE TABLE IF NOT EXISTS budget_velocity (
  id          TEXT PRIMARY KEY,
  resource_id TEXT NOT NULL,
  change_id   TEXT NOT NULL,
  delta       DOUBLE PRECISION NOT NULL,
  recorded_at BIGINT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS budget_velocity_resource_idx
  ON budget_velocity(resource_id, recorded_at);`,

	`CREATE TABLE IF NOT EXISTS rate_events (
  id         TEXT PRIMARY KEY,
  credential TEXT NOT NULL,
  at         BIGINT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS rate_events_credential_idx
  ON rate_events(credential, at);`,
}

// Bootstrap creates tables and indexes if missing. The DDL is shared by both
// dialects.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
