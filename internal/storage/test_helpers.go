package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testDB connects to the local development database, applying migrations on
// first use. Tests calling this are skipped in short mode and when Postgres
// is not reachable.
func testDB(t *testing.T) *PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	db, err := NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return nil
	}
	t.Cleanup(db.Close)

	pg := cfg.Database.Postgres
	databaseURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		pg.User, pg.Password, pg.Host, pg.Port, pg.Database)
	if err := RunMigrations(databaseURL, "../../migrations"); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db
}

// cleanupHome removes every pipeline row created under the given home ID.
func cleanupHome(t *testing.T, db *PostgresDB, homeID string) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		statements := []string{
			`DELETE FROM rewrite_outputs WHERE request_id IN (SELECT id FROM rewrite_requests WHERE home_id = $1)`,
			`DELETE FROM rewrite_jobs WHERE request_id IN (SELECT id FROM rewrite_requests WHERE home_id = $1)`,
			`DELETE FROM recipient_preference_snapshots WHERE request_id IN (SELECT id FROM rewrite_requests WHERE home_id = $1)`,
			`DELETE FROM recipient_snapshots WHERE request_id IN (SELECT id FROM rewrite_requests WHERE home_id = $1)`,
			`DELETE FROM rewrite_requests WHERE home_id = $1`,
			`DELETE FROM trigger_queue_entries WHERE home_id = $1`,
		}
		for _, stmt := range statements {
			if _, err := db.Pool().Exec(ctx, stmt, homeID); err != nil {
				t.Logf("cleanup failed for home %s: %v", homeID, err)
			}
		}
	})
}
