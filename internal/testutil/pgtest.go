// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// container is started at most once per test binary.
var container struct {
	once sync.Once
	url  string
	err  error
}

// PGTest opens a test database connection, applies migrations/ with goose,
// and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The database comes from POSTGRES_URL, or from a throwaway container when
// PGTEST_CONTAINER=1. Otherwise the test is skipped. The cleanup function
// truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := databaseURL(t)

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := Migrate(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	truncateAll(ctx, db)

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}

	return db, cleanup
}

func databaseURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		return url
	}
	if os.Getenv("PGTEST_CONTAINER") != "1" {
		t.Skip("POSTGRES_URL not set and PGTEST_CONTAINER != 1, skipping integration test")
	}

	container.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("cropstack_test"),
			tcpostgres.WithUsername("cropstack"),
			tcpostgres.WithPassword("cropstack"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			container.err = fmt.Errorf("start postgres container: %w", err)
			return
		}
		container.url, container.err = pg.ConnectionString(ctx, "sslmode=disable")
		if container.err != nil {
			_ = testcontainers.TerminateContainer(pg)
		}
	})
	if container.err != nil {
		t.Fatalf("pgtest: %v", container.err)
	}
	return container.url
}

// Migrate applies every pending goose migration in dir.
func Migrate(ctx context.Context, db *sql.DB, dir string) error {
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

// findMigrationsDir walks up from the test working directory to find
// the project-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// truncateAll empties every application table. The goose version table is
// kept so migrations are not replayed.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}
