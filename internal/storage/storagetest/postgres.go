// Package storagetest opens throwaway databases for package tests.
package storagetest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/mattjoyce/spendgate/internal/storage"
)

// PostgresURLEnv names the variable holding the DSN of a disposable Postgres
// server. Tests that need Postgres skip when it is unset.
const PostgresURLEnv = "SPENDGATE_TEST_POSTGRES_URL"

// Postgres opens a bootstrapped store in a fresh schema that is dropped when
// the test ends.
func Postgres(t testing.TB) *storage.DB {
	t.Helper()
	dsn := os.Getenv(PostgresURLEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresURLEnv)
	}
	ctx := context.Background()

	admin, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = admin.Close() })

	schema := "spendgate_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	db, err := storage.OpenPostgres(ctx, storage.PostgresOptions{
		DSN:          withSearchPath(dsn, schema),
		MaxOpenConns: 16,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// withSearchPath pins every pooled connection to schema. pgx accepts the
// parameter in both URL and keyword/value DSNs.
func withSearchPath(dsn, schema string) string {
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return fmt.Sprintf("%s search_path=%s", dsn, schema)
}
