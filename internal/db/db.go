package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const defaultDBName = "caseline.db"

// Dialect names the SQL flavour behind a connection.
type Dialect string

const (
	SQLite Dialect = "sqlite"
	MySQL  Dialect = "mysql"
)

// ForUpdate returns the row lock clause appended to locking selects. SQLite
// transactions are opened BEGIN IMMEDIATE, which already serialises writers.
func (d Dialect) ForUpdate() string {
	if d == MySQL {
		return " FOR UPDATE"
	}
	return ""
}

type Config struct {
	Workspace string
	// Driver is "sqlite" (default) or "mysql".
	Driver string
	// DSN is required for mysql and ignored for sqlite.
	DSN string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".caseline", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".caseline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database and reports its dialect.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	switch Dialect(strings.ToLower(cfg.Driver)) {
	case "", SQLite:
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, "", err
		}
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", dbPath(cfg.Workspace))
		conn, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, "", err
		}
		return conn, SQLite, nil
	case MySQL:
		if cfg.DSN == "" {
			return nil, "", fmt.Errorf("mysql dsn is required")
		}
		mcfg, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		// Migrations are multi-statement files; updates count matched rows.
		mcfg.MultiStatements = true
		mcfg.ClientFoundRows = true
		mcfg.ParseTime = false
		conn, err := sql.Open("mysql", mcfg.FormatDSN())
		if err != nil {
			return nil, "", err
		}
		return conn, MySQL, nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
