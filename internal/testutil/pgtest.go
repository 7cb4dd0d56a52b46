// Package testutil provides shared infrastructure for Postgres-backed tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"

	"github.com/mbd888/trustscore/migrations"
)

// versionTable is goose's bookkeeping table; it survives truncation so
// migrations are not re-applied per test.
const versionTable = "goose_db_version"

var quietOnce sync.Once

// PGTest opens a migrated test database and returns it with a cleanup
// function that empties every application table.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The database comes from POSTGRES_URL. When that is unset and
// PGTEST_CONTAINER=1 a throwaway Postgres container is started instead;
// otherwise the test is skipped.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		if os.Getenv("PGTEST_CONTAINER") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dbURL = startPostgres(t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	return db, func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
}

// migrate applies the embedded migrations exactly as cmd/migrate does.
func migrate(ctx context.Context, db *sql.DB) error {
	quietOnce.Do(func() { migrations.SetLogger(nil) })
	return migrations.Up(ctx, db)
}

// applicationTables lists public tables other than goose's own.
func applicationTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename <> $1 ORDER BY tablename`,
		versionTable)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// truncateAll is best effort; a failure only leaves rows for the next test.
func truncateAll(ctx context.Context, db *sql.DB) {
	tables, err := applicationTables(ctx, db)
	if err != nil || len(tables) == 0 {
		return
	}
	// Names come from pg_tables, not user input.
	_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE") // #nosec G202
}
