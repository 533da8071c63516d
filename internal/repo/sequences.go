package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

// LockCounter reads a counter row under a row lock.
func (r Repo) LockCounter(ctx context.Context, q Querier, prefix string, year int) (domain.SequenceCounter, error) {
	c := domain.SequenceCounter{Prefix: prefix, Year: year}
	err := r.q(q).QueryRowContext(ctx, r.forUpdate(`SELECT value FROM sequence_counters WHERE prefix=? AND year=?`), prefix, year).Scan(&c.Value)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCounter(ctx context.Context, q Querier, c domain.SequenceCounter) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO sequence_counters(prefix,year,value) VALUES (?,?,?)`, c.Prefix, c.Year, c.Value)
	return err
}

func (r Repo) UpdateCounter(ctx context.Context, q Querier, c domain.SequenceCounter) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE sequence_counters SET value=? WHERE prefix=? AND year=?`, c.Value, c.Prefix, c.Year))
}

func (r Repo) ListCounters(ctx context.Context) ([]domain.SequenceCounter, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT prefix,year,value FROM sequence_counters ORDER BY prefix, year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SequenceCounter
	for rows.Next() {
		var c domain.SequenceCounter
		if err := rows.Scan(&c.Prefix, &c.Year, &c.Value); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
