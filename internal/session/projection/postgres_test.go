package projection_test

import (
	"context"
	"os"
	"testing"

	"session-control-plane/backend/internal/db"
	"session-control-plane/backend/internal/db/migrate"
	"session-control-plane/backend/internal/session/projection"
	"session-control-plane/backend/internal/session/projection/projectiontest"
)

// TestPostgresRepository runs the suite against TEST_DATABASE_URL. Each subtest clears the
// summaries table, so the database must be dedicated to tests.
func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := migrate.Run(dsn, "up", migrate.SessionSchema()); err != nil {
		t.Skipf("skipping postgres projection tests: %v", err)
	}
	conn, err := db.Open(dsn)
	if err != nil {
		t.Skipf("skipping postgres projection tests: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	projectiontest.RunRepositoryTests(t, func(t *testing.T) projection.Repository {
		if _, err := conn.ExecContext(context.Background(), `DELETE FROM session_summaries`); err != nil {
			t.Fatalf("reset session_summaries: %v", err)
		}
		return projection.NewPostgresRepository(conn)
	})
}
