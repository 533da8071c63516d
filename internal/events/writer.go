package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	ProcessCreated      = "process.created"
	ProcessUpdated      = "process.updated"
	TaskTransition      = "task.transition"
	TaskOpened          = "task.opened"
	TaskFinished        = "task.finished"
	PackUpdated         = "pack.updated"
	ReferenceAllocated  = "reference.allocated"
	GenerationPrepared  = "generation.prepared"
	GenerationJobDone   = "generation.job_done"
	GenerationResolved  = "generation.resolved"
	ConfirmationSent    = "confirmation.sent"
	ConfirmationAnswer  = "confirmation.answered"
	ConfirmationIgnored = "confirmation.duplicate"
)

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx Execer, evtType, processID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,process_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(processID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
