package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const taskColumns = `id,process_id,task_type,is_active,created_at,finished_at,owner,previous_id,data_json`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var finished, owner, prev, data sql.NullString
	err := row.Scan(&t.ID, &t.ProcessID, &t.TaskType, &t.IsActive, &t.CreatedAt, &finished, &owner, &prev, &data)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.FinishedAt = ptr(finished)
	t.Owner = ptr(owner)
	t.PreviousID = ptr(prev)
	t.DataJSON = ptr(data)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTask appends a task at the end of the process history.
func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.Task) error {
	q = r.q(q)
	var seq int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM tasks WHERE process_id=?`, t.ProcessID).Scan(&seq); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `INSERT INTO tasks(id,process_id,seq,task_type,is_active,created_at,finished_at,owner,previous_id,data_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProcessID, seq, t.TaskType, boolInt(t.IsActive), t.CreatedAt, nullablePtr(t.FinishedAt),
		nullablePtr(t.Owner), nullablePtr(t.PreviousID), nullablePtr(t.DataJSON))
	return err
}

func (r Repo) GetTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	return scanTask(r.q(q).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ActiveTasks returns the active tasks of a process in creation order.
func (r Repo) ActiveTasks(ctx context.Context, q Querier, processID string) ([]domain.Task, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE process_id=? AND is_active=1 ORDER BY seq`, processID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r Repo) TaskHistory(ctx context.Context, q Querier, processID string) ([]domain.Task, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE process_id=? ORDER BY seq`, processID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// FinishTask deactivates an active task. It fails with ErrNotFound when the
// task is already finished.
func (r Repo) FinishTask(ctx context.Context, q Querier, id, owner, finishedAt string) error {
	return mustAffect(r.q(q).ExecContext(ctx, `UPDATE tasks SET is_active=0, finished_at=?, owner=? WHERE id=? AND is_active=1`,
		finishedAt, nullable(owner), id))
}
