package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const processColumns = `id,process_type,status,is_active,reference,variation_no,paper_licence_only,countries_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (domain.Process, error) {
	var p domain.Process
	var ref, countries sql.NullString
	err := row.Scan(&p.ID, &p.ProcessType, &p.Status, &p.IsActive, &ref, &p.VariationNo, &p.PaperLicenceOnly, &countries, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Reference = ptr(ref)
	p.Countries = decodeStrings(countries)
	return p, nil
}

func (r Repo) InsertProcess(ctx context.Context, q Querier, p domain.Process) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO processes(`+processColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProcessType, p.Status, boolInt(p.IsActive), nullablePtr(p.Reference), p.VariationNo,
		boolInt(p.PaperLicenceOnly), encodeStrings(p.Countries), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProcess(ctx context.Context, q Querier, id string) (domain.Process, error) {
	return scanProcess(r.q(q).QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id=?`, id))
}

// LockProcess reads the process row under a row lock.
func (r Repo) LockProcess(ctx context.Context, q Querier, id string) (domain.Process, error) {
	return scanProcess(r.q(q).QueryRowContext(ctx, r.forUpdate(`SELECT `+processColumns+` FROM processes WHERE id=?`), id))
}

// UpdateProcess writes the mutable process fields.
func (r Repo) UpdateProcess(ctx context.Context, q Querier, p domain.Process) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE processes SET status=?, is_active=?, reference=?, variation_no=?, paper_licence_only=?, countries_json=?, updated_at=? WHERE id=?`,
		p.Status, boolInt(p.IsActive), nullablePtr(p.Reference), p.VariationNo, boolInt(p.PaperLicenceOnly), encodeStrings(p.Countries), p.UpdatedAt, p.ID))
}

func (r Repo) SetProcessStatus(ctx context.Context, q Querier, id, status, updatedAt string) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE processes SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id))
}

type ProcessFilter struct {
	Status      string
	ProcessType string
	Limit       int
}

func (r Repo) ListProcesses(ctx context.Context, f ProcessFilter) ([]domain.Process, error) {
	query := `SELECT ` + processColumns + ` FROM processes WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.ProcessType != "" {
		query += ` AND process_type=?`
		args = append(args, f.ProcessType)
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
