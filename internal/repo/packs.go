package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const packColumns = `id,process_id,status,case_reference,case_completion_at,revoke_reason,revoke_confirmed_at,created_at,updated_at`

func scanPack(row rowScanner) (domain.Pack, error) {
	var p domain.Pack
	var ref, completion, reason, confirmed sql.NullString
	err := row.Scan(&p.ID, &p.ProcessID, &p.Status, &ref, &completion, &reason, &confirmed, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CaseReference = ptr(ref)
	p.CaseCompletionAt = ptr(completion)
	p.RevokeReason = ptr(reason)
	p.RevokeConfirmedAt = ptr(confirmed)
	return p, nil
}

func (r Repo) InsertPack(ctx context.Context, q Querier, p domain.Pack) error {
	q = r.q(q)
	var seq int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM document_packs WHERE process_id=?`, p.ProcessID).Scan(&seq); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `INSERT INTO document_packs(id,process_id,seq,status,case_reference,case_completion_at,revoke_reason,revoke_confirmed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProcessID, seq, p.Status, nullablePtr(p.CaseReference), nullablePtr(p.CaseCompletionAt),
		nullablePtr(p.RevokeReason), nullablePtr(p.RevokeConfirmedAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPack(ctx context.Context, q Querier, id string) (domain.Pack, error) {
	return scanPack(r.q(q).QueryRowContext(ctx, `SELECT `+packColumns+` FROM document_packs WHERE id=?`, id))
}

// PackByStatus returns the newest pack of a process in the given status.
func (r Repo) PackByStatus(ctx context.Context, q Querier, processID, status string) (domain.Pack, error) {
	return scanPack(r.q(q).QueryRowContext(ctx, `SELECT `+packColumns+` FROM document_packs WHERE process_id=? AND status=? ORDER BY seq DESC LIMIT 1`, processID, status))
}

// LockPacks row-locks every pack of a process and returns them oldest first.
func (r Repo) LockPacks(ctx context.Context, q Querier, processID string) ([]domain.Pack, error) {
	rows, err := r.q(q).QueryContext(ctx, r.forUpdate(`SELECT `+packColumns+` FROM document_packs WHERE process_id=? ORDER BY seq`), processID)
	if err != nil {
		return nil, err
	}
	return scanPacks(rows)
}

func (r Repo) PacksByProcess(ctx context.Context, q Querier, processID string) ([]domain.Pack, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+packColumns+` FROM document_packs WHERE process_id=? ORDER BY seq`, processID)
	if err != nil {
		return nil, err
	}
	return scanPacks(rows)
}

// IssuedPacks returns packs that carry a case reference and a completion time.
func (r Repo) IssuedPacks(ctx context.Context, q Querier, processID string) ([]domain.Pack, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+packColumns+` FROM document_packs WHERE process_id=? AND case_reference IS NOT NULL AND case_completion_at IS NOT NULL ORDER BY seq`, processID)
	if err != nil {
		return nil, err
	}
	return scanPacks(rows)
}

func scanPacks(rows *sql.Rows) ([]domain.Pack, error) {
	defer rows.Close()
	var res []domain.Pack
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdatePack writes the mutable pack fields.
func (r Repo) UpdatePack(ctx context.Context, q Querier, p domain.Pack) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE document_packs SET status=?, case_reference=?, case_completion_at=?, revoke_reason=?, revoke_confirmed_at=?, updated_at=? WHERE id=?`,
		p.Status, nullablePtr(p.CaseReference), nullablePtr(p.CaseCompletionAt), nullablePtr(p.RevokeReason), nullablePtr(p.RevokeConfirmedAt), p.UpdatedAt, p.ID))
}

const cdrColumns = `id,pack_id,document_type,country,reference,check_code,file_key,file_name,file_size,generated_at,created_at`

func scanCDR(row rowScanner) (domain.CDR, error) {
	var c domain.CDR
	var country, ref, key, name, generated sql.NullString
	var size sql.NullInt64
	err := row.Scan(&c.ID, &c.PackID, &c.DocumentType, &country, &ref, &c.CheckCode, &key, &name, &size, &generated, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Country = ptr(country)
	c.Reference = ptr(ref)
	c.FileKey = ptr(key)
	c.FileName = ptr(name)
	c.GeneratedAt = ptr(generated)
	if size.Valid {
		v := size.Int64
		c.FileSize = &v
	}
	return c, nil
}

func (r Repo) InsertCDR(ctx context.Context, q Querier, c domain.CDR) error {
	var size any
	if c.FileSize != nil {
		size = *c.FileSize
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO case_document_references(`+cdrColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.PackID, c.DocumentType, nullablePtr(c.Country), nullablePtr(c.Reference), c.CheckCode,
		nullablePtr(c.FileKey), nullablePtr(c.FileName), size, nullablePtr(c.GeneratedAt), c.CreatedAt)
	return err
}

func (r Repo) GetCDR(ctx context.Context, q Querier, id string) (domain.CDR, error) {
	return scanCDR(r.q(q).QueryRowContext(ctx, `SELECT `+cdrColumns+` FROM case_document_references WHERE id=?`, id))
}

// CDRsByPack returns the documents of a pack ordered by type then country.
func (r Repo) CDRsByPack(ctx context.Context, q Querier, packID string) ([]domain.CDR, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+cdrColumns+` FROM case_document_references WHERE pack_id=? ORDER BY document_type, country, id`, packID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CDR
	for rows.Next() {
		c, err := scanCDR(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetCDRReference stores a reference only when none is set yet.
func (r Repo) SetCDRReference(ctx context.Context, q Querier, id, reference string) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE case_document_references SET reference=? WHERE id=? AND reference IS NULL`, reference, id))
}

// StampCDRFile records the stored document of a CDR.
func (r Repo) StampCDRFile(ctx context.Context, q Querier, id, key, name string, size int64, generatedAt string) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE case_document_references SET file_key=?, file_name=?, file_size=?, generated_at=? WHERE id=?`,
		key, name, size, generatedAt, id))
}

func (r Repo) DeleteCDR(ctx context.Context, q Querier, id string) error {
	return mustAffect(r.q(q).ExecContext(ctx, `DELETE FROM case_document_references WHERE id=?`, id))
}

// FileKeys returns every file key referenced by a CDR.
func (r Repo) FileKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT file_key FROM case_document_references WHERE file_key IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := map[string]bool{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = true
	}
	return keys, rows.Err()
}
