package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const requestColumns = `id,process_id,pack_id,correlation_id,kind,status,licence_reference,errors_json,created_at,responded_at`

func scanRequest(row rowScanner) (domain.ConfirmationRequest, error) {
	var c domain.ConfirmationRequest
	var licence, errs, responded sql.NullString
	err := row.Scan(&c.ID, &c.ProcessID, &c.PackID, &c.CorrelationID, &c.Kind, &c.Status, &licence, &errs, &c.CreatedAt, &responded)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.LicenceReference = ptr(licence)
	c.Errors = decodeStrings(errs)
	c.RespondedAt = ptr(responded)
	return c, nil
}

func (r Repo) InsertRequest(ctx context.Context, q Querier, c domain.ConfirmationRequest) error {
	var errs any
	if len(c.Errors) > 0 {
		errs = encodeStrings(c.Errors)
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO confirmation_requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProcessID, c.PackID, c.CorrelationID, c.Kind, c.Status, nullablePtr(c.LicenceReference), errs, c.CreatedAt, nullablePtr(c.RespondedAt))
	return err
}

// LockRequestByCorrelation reads a request by correlation id under a row lock.
func (r Repo) LockRequestByCorrelation(ctx context.Context, q Querier, correlationID string) (domain.ConfirmationRequest, error) {
	return scanRequest(r.q(q).QueryRowContext(ctx, r.forUpdate(`SELECT `+requestColumns+` FROM confirmation_requests WHERE correlation_id=?`), correlationID))
}

func (r Repo) GetRequest(ctx context.Context, q Querier, id string) (domain.ConfirmationRequest, error) {
	return scanRequest(r.q(q).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM confirmation_requests WHERE id=?`, id))
}

// ResolveRequest moves a PENDING request to a terminal status. It returns
// ErrNotFound when the request is no longer pending.
func (r Repo) ResolveRequest(ctx context.Context, q Querier, c domain.ConfirmationRequest) error {
	var errs any
	if len(c.Errors) > 0 {
		errs = encodeStrings(c.Errors)
	}
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE confirmation_requests SET status=?, licence_reference=?, errors_json=?, responded_at=? WHERE id=? AND status=?`,
		c.Status, nullablePtr(c.LicenceReference), errs, nullablePtr(c.RespondedAt), c.ID, domain.RequestPending))
}

func (r Repo) RequestsByProcess(ctx context.Context, q Querier, processID string) ([]domain.ConfirmationRequest, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+requestColumns+` FROM confirmation_requests WHERE process_id=? ORDER BY created_at, id`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConfirmationRequest
	for rows.Next() {
		c, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
