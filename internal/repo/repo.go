package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"caseline/internal/db"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *lock.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

func (r Repo) q(q Querier) Querier {
	if q == nil {
		return r.DB
	}
	return q
}

func (r Repo) forUpdate(query string) string {
	return query + r.Dialect.ForUpdate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func ptr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
