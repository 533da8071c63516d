package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const barrierColumns = `id,process_id,pack_id,actor_id,total,succeeded,failed,status,created_at,resolved_at`

func scanBarrier(row rowScanner) (domain.Barrier, error) {
	var b domain.Barrier
	var resolved sql.NullString
	err := row.Scan(&b.ID, &b.ProcessID, &b.PackID, &b.ActorID, &b.Total, &b.Succeeded, &b.Failed, &b.Status, &b.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.ResolvedAt = ptr(resolved)
	return b, nil
}

func scanBarriers(rows *sql.Rows) ([]domain.Barrier, error) {
	defer rows.Close()
	var res []domain.Barrier
	for rows.Next() {
		b, err := scanBarrier(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertBarrier(ctx context.Context, q Querier, b domain.Barrier) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO generation_barriers(`+barrierColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ProcessID, b.PackID, b.ActorID, b.Total, b.Succeeded, b.Failed, b.Status, b.CreatedAt, nullablePtr(b.ResolvedAt))
	return err
}

func (r Repo) GetBarrier(ctx context.Context, q Querier, id string) (domain.Barrier, error) {
	return scanBarrier(r.q(q).QueryRowContext(ctx, `SELECT `+barrierColumns+` FROM generation_barriers WHERE id=?`, id))
}

// LockBarrier reads a barrier under a row lock.
func (r Repo) LockBarrier(ctx context.Context, q Querier, id string) (domain.Barrier, error) {
	return scanBarrier(r.q(q).QueryRowContext(ctx, r.forUpdate(`SELECT `+barrierColumns+` FROM generation_barriers WHERE id=?`), id))
}

func (r Repo) UpdateBarrier(ctx context.Context, q Querier, b domain.Barrier) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE generation_barriers SET succeeded=?, failed=?, status=?, resolved_at=? WHERE id=?`,
		b.Succeeded, b.Failed, b.Status, nullablePtr(b.ResolvedAt), b.ID))
}

// LatestBarrier returns the newest barrier of a process.
func (r Repo) LatestBarrier(ctx context.Context, q Querier, processID string) (domain.Barrier, error) {
	return scanBarrier(r.q(q).QueryRowContext(ctx, `SELECT `+barrierColumns+` FROM generation_barriers WHERE process_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, processID))
}

func (r Repo) BarriersByStatus(ctx context.Context, q Querier, processID, status string) ([]domain.Barrier, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+barrierColumns+` FROM generation_barriers WHERE process_id=? AND status=? ORDER BY created_at`, processID, status)
	if err != nil {
		return nil, err
	}
	return scanBarriers(rows)
}

// OpenBarriersBefore lists OPEN barriers created before the cutoff.
func (r Repo) OpenBarriersBefore(ctx context.Context, cutoff string) ([]domain.Barrier, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+barrierColumns+` FROM generation_barriers WHERE status=? AND created_at < ? ORDER BY created_at`, domain.BarrierOpen, cutoff)
	if err != nil {
		return nil, err
	}
	return scanBarriers(rows)
}

const jobColumns = `id,barrier_id,cdr_id,status,error,claimed_by,claimed_at,finished_at,created_at`

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var errText, claimedBy, claimedAt, finished sql.NullString
	err := row.Scan(&j.ID, &j.BarrierID, &j.CDRID, &j.Status, &errText, &claimedBy, &claimedAt, &finished, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Error = ptr(errText)
	j.ClaimedBy = ptr(claimedBy)
	j.ClaimedAt = ptr(claimedAt)
	j.FinishedAt = ptr(finished)
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, q Querier, j domain.Job) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO generation_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.BarrierID, j.CDRID, j.Status, nullablePtr(j.Error), nullablePtr(j.ClaimedBy), nullablePtr(j.ClaimedAt), nullablePtr(j.FinishedAt), j.CreatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, q Querier, id string) (domain.Job, error) {
	return scanJob(r.q(q).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id=?`, id))
}

// NextQueuedJob returns the oldest QUEUED job under a row lock.
func (r Repo) NextQueuedJob(ctx context.Context, q Querier) (domain.Job, error) {
	return scanJob(r.q(q).QueryRowContext(ctx, r.forUpdate(`SELECT `+jobColumns+` FROM generation_jobs WHERE status=? ORDER BY created_at, id LIMIT 1`), domain.JobQueued))
}

// ClaimJob marks a QUEUED job RUNNING. It returns ErrNotFound if another
// worker claimed it first.
func (r Repo) ClaimJob(ctx context.Context, q Querier, id, worker, at string) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE generation_jobs SET status=?, claimed_by=?, claimed_at=? WHERE id=? AND status=?`,
		domain.JobRunning, worker, at, id, domain.JobQueued))
}

func (r Repo) FinishJob(ctx context.Context, q Querier, id, status, errText, at string) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE generation_jobs SET status=?, error=?, finished_at=? WHERE id=?`,
		status, nullable(errText), at, id))
}

func (r Repo) JobsByBarrier(ctx context.Context, q Querier, barrierID string) ([]domain.Job, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE barrier_id=? ORDER BY created_at, id`, barrierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) CountQueuedJobs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM generation_jobs WHERE status IN (?,?)`, domain.JobQueued, domain.JobRunning).Scan(&n)
	return n, err
}
