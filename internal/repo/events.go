package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"caseline/internal/domain"
)

type EventFilter struct {
	ProcessID string
	Type      string
	// Cursor skips events with IDs up to and including it.
	Cursor int64
	Limit  int
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.ProcessID != "" {
		clauses = append(clauses, "process_id=?")
		args = append(args, f.ProcessID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,process_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var processID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &processID, &e.EntityKind, &entityID, &e.ActorID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		e.ProcessID = processID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
