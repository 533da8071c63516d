// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"database/sql"
	"testing"
	"time"

	"caseline/internal/db"
	"caseline/internal/lock"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

// FixedNow is the clock used by tests that need stable timestamps.
var FixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type Env struct {
	DB    *sql.DB
	Repo  repo.Repo
	Locks *lock.Manager
}

// New opens a SQLite database in a temp workspace and applies migrations.
func New(t testing.TB) Env {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Env{
		DB:    conn,
		Repo:  repo.Repo{DB: conn, Dialect: dialect},
		Locks: lock.NewManager(conn, dialect),
	}
}
