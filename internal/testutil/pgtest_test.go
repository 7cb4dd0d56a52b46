//go:build integration

package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPGTest_MigratesAndTruncates(t *testing.T) {
	db, cleanup := PGTest(t)
	ctx := context.Background()

	tables, err := applicationTables(ctx, db)
	require.NoError(t, err)
	assert.Contains(t, tables, "risk_assessments")
	assert.Contains(t, tables, "session_exports")
	assert.NotContains(t, tables, versionTable)

	_, err = db.ExecContext(ctx, `INSERT INTO session_exports (session_id, document, minimal, exported_at) VALUES ('s1', '{}', false, NOW())`)
	require.NoError(t, err)

	truncateAll(ctx, db)
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_exports`).Scan(&n))
	assert.Zero(t, n)

	// A second run finds nothing pending.
	require.NoError(t, migrate(ctx, db))
	cleanup()
}
