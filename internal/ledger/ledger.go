// Package ledger keeps the append-only task history of a process and guards
// every change of its active step.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/lock"
	"caseline/internal/repo"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrIllegalStatus     = errors.New("illegal process status")
	ErrIllegalTransition = errors.New("illegal task transition")
	ErrUnexpectedTasks   = errors.New("unexpected active tasks")
	ErrProcessInactive   = errors.New("process is not active")
)

var transitions = map[string][]string{
	domain.TaskPrepare:         {domain.TaskProcess},
	domain.TaskProcess:         {domain.TaskAuthorise, domain.TaskChiefWait},
	domain.TaskAuthorise:       {domain.TaskDocumentSigning, domain.TaskRejected, domain.TaskProcess, domain.TaskChiefWait},
	domain.TaskDocumentSigning: {domain.TaskDocumentError, domain.TaskChiefWait, domain.TaskDocumentSigning},
	domain.TaskDocumentError:   {domain.TaskDocumentSigning},
	domain.TaskChiefWait:       {domain.TaskChiefError},
	domain.TaskChiefRevokeWait: {domain.TaskChiefError},
	domain.TaskChiefError:      {domain.TaskProcess, domain.TaskChiefWait, domain.TaskChiefRevokeWait},
}

// terminal task types may be finished without a successor.
var terminal = map[string]bool{
	domain.TaskDocumentSigning: true,
	domain.TaskChiefWait:       true,
	domain.TaskChiefRevokeWait: true,
	domain.TaskRejected:        true,
	domain.TaskVariationChange: true,
}

var inFlight = []string{domain.StatusSubmitted, domain.StatusProcessing, domain.StatusVariationRequested}

var legalStatuses = map[string][]string{
	domain.TaskPrepare:         {domain.StatusInProgress},
	domain.TaskProcess:         inFlight,
	domain.TaskAuthorise:       inFlight,
	domain.TaskDocumentSigning: inFlight,
	domain.TaskDocumentError:   inFlight,
	domain.TaskChiefWait:       inFlight,
	domain.TaskChiefError:      append(append([]string{}, inFlight...), domain.StatusRevoked),
	domain.TaskChiefRevokeWait: {domain.StatusRevoked},
	domain.TaskVariationChange: {domain.StatusVariationRequested},
	domain.TaskRejected:        {domain.StatusRefused},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StatusAllowed reports whether a process in status may hold an active task of taskType.
func StatusAllowed(taskType, status string) bool {
	for _, s := range legalStatuses[taskType] {
		if s == status {
			return true
		}
	}
	return false
}

type Ledger struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (l Ledger) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

type TransitionRequest struct {
	ProcessID string
	From      string
	To        string
	Actor     string
	// Status, when set, becomes the process status.
	Status string
	// Data is stored as JSON on the new task.
	Data any
	// AllowSideTasks tolerates active side tasks next to From.
	AllowSideTasks bool
}

// Transition finishes the active From task and opens a To task pointing back at it.
func (l Ledger) Transition(ctx context.Context, tx *lock.Tx, req TransitionRequest) (domain.Task, error) {
	p, active, err := l.load(ctx, tx, req.ProcessID)
	if err != nil {
		return domain.Task{}, err
	}
	from, err := pick(active, req.From, req.AllowSideTasks)
	if err != nil {
		return domain.Task{}, err
	}
	if !StatusAllowed(req.From, p.Status) {
		return domain.Task{}, fmt.Errorf("%w: %s with task %s", ErrIllegalStatus, p.Status, req.From)
	}
	if !CanTransition(req.From, req.To) {
		return domain.Task{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, req.From, req.To)
	}
	now := l.now()
	if err := l.Repo.FinishTask(ctx, tx, from.ID, req.Actor, now); err != nil {
		return domain.Task{}, fmt.Errorf("finish %s: %w", from.TaskType, err)
	}
	data, err := encodeData(req.Data)
	if err != nil {
		return domain.Task{}, err
	}
	next := domain.Task{
		ID:         uuid.NewString(),
		ProcessID:  p.ID,
		TaskType:   req.To,
		IsActive:   true,
		CreatedAt:  now,
		PreviousID: &from.ID,
		DataJSON:   data,
	}
	if err := l.Repo.InsertTask(ctx, tx, next); err != nil {
		return domain.Task{}, fmt.Errorf("insert %s: %w", req.To, err)
	}
	if err := l.setStatus(ctx, tx, p, req.Status, now); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{"from": req.From, "to": req.To, "from_task": from.ID}
	if req.Status != "" {
		payload["status"] = req.Status
	}
	if err := l.Events.Append(ctx, tx, events.TaskTransition, p.ID, "task", next.ID, req.Actor, payload); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

type OpenRequest struct {
	ProcessID  string
	Type       string
	Actor      string
	PreviousID string
	Status     string
	Data       any
	// AllowSideTasks permits opening next to other active tasks. A second
	// active primary task is never allowed.
	AllowSideTasks bool
}

// Open starts a task without superseding another one.
func (l Ledger) Open(ctx context.Context, tx *lock.Tx, req OpenRequest) (domain.Task, error) {
	p, active, err := l.load(ctx, tx, req.ProcessID)
	if err != nil {
		return domain.Task{}, err
	}
	for _, t := range active {
		if !req.AllowSideTasks || t.TaskType == req.Type || (!domain.IsSideTask(t.TaskType) && !domain.IsSideTask(req.Type)) {
			return domain.Task{}, fmt.Errorf("%w: %s already active", ErrUnexpectedTasks, t.TaskType)
		}
	}
	now := l.now()
	data, err := encodeData(req.Data)
	if err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:        uuid.NewString(),
		ProcessID: p.ID,
		TaskType:  req.Type,
		IsActive:  true,
		CreatedAt: now,
		DataJSON:  data,
	}
	if req.PreviousID != "" {
		prev := req.PreviousID
		t.PreviousID = &prev
	}
	if err := l.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert %s: %w", req.Type, err)
	}
	if err := l.setStatus(ctx, tx, p, req.Status, now); err != nil {
		return domain.Task{}, err
	}
	if err := l.Events.Append(ctx, tx, events.TaskOpened, p.ID, "task", t.ID, req.Actor, events.EventPayload{"type": req.Type}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Start opens the first PREPARE task of a new process.
func (l Ledger) Start(ctx context.Context, tx *lock.Tx, processID, actor string) (domain.Task, error) {
	return l.Open(ctx, tx, OpenRequest{ProcessID: processID, Type: domain.TaskPrepare, Actor: actor})
}

type FinishRequest struct {
	ProcessID      string
	Type           string
	Actor          string
	Status         string
	AllowSideTasks bool
}

// Finish ends a terminal task without opening a successor.
func (l Ledger) Finish(ctx context.Context, tx *lock.Tx, req FinishRequest) (domain.Task, error) {
	p, active, err := l.load(ctx, tx, req.ProcessID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := pick(active, req.Type, req.AllowSideTasks || domain.IsSideTask(req.Type))
	if err != nil {
		return domain.Task{}, err
	}
	if !StatusAllowed(req.Type, p.Status) {
		return domain.Task{}, fmt.Errorf("%w: %s with task %s", ErrIllegalStatus, p.Status, req.Type)
	}
	if !terminal[req.Type] {
		return domain.Task{}, fmt.Errorf("%w: %s cannot end the flow", ErrIllegalTransition, req.Type)
	}
	now := l.now()
	if err := l.Repo.FinishTask(ctx, tx, t.ID, req.Actor, now); err != nil {
		return domain.Task{}, fmt.Errorf("finish %s: %w", t.TaskType, err)
	}
	if err := l.setStatus(ctx, tx, p, req.Status, now); err != nil {
		return domain.Task{}, err
	}
	if err := l.Events.Append(ctx, tx, events.TaskFinished, p.ID, "task", t.ID, req.Actor, events.EventPayload{"type": req.Type, "status": req.Status}); err != nil {
		return domain.Task{}, err
	}
	t.IsActive = false
	t.FinishedAt = &now
	if req.Actor != "" {
		actor := req.Actor
		t.Owner = &actor
	}
	return t, nil
}

// FinishAll ends every active task of an active process.
func (l Ledger) FinishAll(ctx context.Context, tx *lock.Tx, processID, actor string) ([]domain.Task, error) {
	p, active, err := l.load(ctx, tx, processID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	for _, t := range active {
		if err := l.Repo.FinishTask(ctx, tx, t.ID, actor, now); err != nil {
			return nil, fmt.Errorf("finish %s: %w", t.TaskType, err)
		}
		if err := l.Events.Append(ctx, tx, events.TaskFinished, p.ID, "task", t.ID, actor, events.EventPayload{"type": t.TaskType}); err != nil {
			return nil, err
		}
	}
	return active, nil
}

// ActiveTaskTypes returns the type tags of the active tasks of a process.
func (l Ledger) ActiveTaskTypes(ctx context.Context, q repo.Querier, processID string) ([]string, error) {
	active, err := l.Repo.ActiveTasks(ctx, q, processID)
	if err != nil {
		return nil, err
	}
	types := make([]string, 0, len(active))
	for _, t := range active {
		types = append(types, t.TaskType)
	}
	return types, nil
}

// ActiveTask returns the active task of the given type.
func (l Ledger) ActiveTask(ctx context.Context, q repo.Querier, processID, taskType string) (domain.Task, error) {
	active, err := l.Repo.ActiveTasks(ctx, q, processID)
	if err != nil {
		return domain.Task{}, err
	}
	for _, t := range active {
		if t.TaskType == taskType {
			return t, nil
		}
	}
	return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskType)
}

func (l Ledger) History(ctx context.Context, q repo.Querier, processID string) ([]domain.Task, error) {
	return l.Repo.TaskHistory(ctx, q, processID)
}

func (l Ledger) load(ctx context.Context, tx *lock.Tx, processID string) (domain.Process, []domain.Task, error) {
	p, err := l.Repo.LockProcess(ctx, tx, processID)
	if err != nil {
		return p, nil, fmt.Errorf("process %s: %w", processID, err)
	}
	if !p.IsActive {
		return p, nil, fmt.Errorf("%w: %s", ErrProcessInactive, processID)
	}
	active, err := l.Repo.ActiveTasks(ctx, tx, processID)
	if err != nil {
		return p, nil, err
	}
	return p, active, nil
}

func (l Ledger) setStatus(ctx context.Context, tx *lock.Tx, p domain.Process, status, now string) error {
	if status == "" || status == p.Status {
		return nil
	}
	if err := l.Repo.SetProcessStatus(ctx, tx, p.ID, status, now); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

// pick finds the active task of taskType, then checks the remaining active
// tasks. A missing task is always ErrTaskNotFound.
func pick(active []domain.Task, taskType string, allowSide bool) (domain.Task, error) {
	idx := -1
	for i, t := range active {
		if t.TaskType == taskType {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskType)
	}
	if domain.IsSideTask(taskType) {
		return active[idx], nil
	}
	for i, t := range active {
		if i == idx || (allowSide && domain.IsSideTask(t.TaskType)) {
			continue
		}
		return domain.Task{}, fmt.Errorf("%w: %s is active", ErrUnexpectedTasks, t.TaskType)
	}
	return active[idx], nil
}

func encodeData(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode task data: %w", err)
	}
	s := string(data)
	return &s, nil
}

// DecodeData unmarshals the JSON payload of a task into v.
func DecodeData(t domain.Task, v any) error {
	if t.DataJSON == nil {
		return nil
	}
	return json.Unmarshal([]byte(*t.DataJSON), v)
}
