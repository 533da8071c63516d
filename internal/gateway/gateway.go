// Package gateway submits packs to the licensing authority and applies its
// asynchronous answers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"caseline/internal/authority"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/ledger"
	"caseline/internal/lock"
	"caseline/internal/packs"
	"caseline/internal/repo"
)

var (
	ErrTransport         = errors.New("authority transport failure")
	ErrOverlappingBatch  = errors.New("id both accepted and rejected")
	ErrDocumentsNotReady = errors.New("documents are not generated")
	ErrNotSubmittable    = errors.New("no task can be submitted to the authority")
)

// issueFrom lists the tasks a pack may be submitted from, in preference order.
var issueFrom = []string{domain.TaskDocumentSigning, domain.TaskChiefError, domain.TaskProcess}

// Sender delivers one submission to the authority.
type Sender interface {
	Send(ctx context.Context, s authority.Submission) error
}

// DefaultSendTimeout bounds one delivery to the authority.
const DefaultSendTimeout = 10 * time.Second

type Gateway struct {
	Repo   repo.Repo
	Locks  *lock.Manager
	Ledger ledger.Ledger
	Packs  packs.Lifecycle
	Events events.Writer
	Sender Sender
	Logger *log.Logger
	Now    func() time.Time

	// SendTimeout bounds Sender.Send. The send runs while the unit of work
	// holds the process row.
	SendTimeout time.Duration
}

func (g *Gateway) now() string {
	if g.Now != nil {
		return g.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (g *Gateway) logf(format string, args ...any) {
	if g.Logger != nil {
		g.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Submit sends the draft pack of a process for confirmation and parks the
// case in CHIEF_WAIT. Nothing is recorded when the send fails.
func (g *Gateway) Submit(ctx context.Context, processID, actor string) (domain.ConfirmationRequest, error) {
	var req domain.ConfirmationRequest
	err := g.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		req, err = g.SubmitIn(ctx, tx, processID, actor)
		return err
	})
	return req, err
}

// SubmitIn is Submit inside the caller's unit of work.
func (g *Gateway) SubmitIn(ctx context.Context, tx *lock.Tx, processID, actor string) (domain.ConfirmationRequest, error) {
	proc, err := g.Repo.LockProcess(ctx, tx, processID)
	if err != nil {
		return domain.ConfirmationRequest{}, fmt.Errorf("process %s: %w", processID, err)
	}
	active, err := g.Ledger.ActiveTaskTypes(ctx, tx, processID)
	if err != nil {
		return domain.ConfirmationRequest{}, err
	}
	from := ""
	for _, candidate := range issueFrom {
		if hasType(active, candidate) {
			from = candidate
			break
		}
	}
	if from == "" {
		return domain.ConfirmationRequest{}, fmt.Errorf("%w: active %v", ErrNotSubmittable, active)
	}
	if from == domain.TaskDocumentSigning {
		b, err := g.Repo.LatestBarrier(ctx, tx, processID)
		if err != nil || b.Status != domain.BarrierSucceeded {
			return domain.ConfirmationRequest{}, fmt.Errorf("%w: %s", ErrDocumentsNotReady, processID)
		}
	}
	draft, err := g.Packs.GetDraft(ctx, tx, processID)
	if err != nil {
		return domain.ConfirmationRequest{}, err
	}
	if _, err := g.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
		ProcessID:      processID,
		From:           from,
		To:             domain.TaskChiefWait,
		Actor:          actor,
		AllowSideTasks: true,
	}); err != nil {
		return domain.ConfirmationRequest{}, err
	}
	return g.send(ctx, tx, proc, draft, domain.RequestIssue, actor)
}

// SubmitRevocation asks the authority to confirm a revoked pack and parks the
// case in CHIEF_REVOKE_WAIT.
func (g *Gateway) SubmitRevocation(ctx context.Context, processID, actor string) (domain.ConfirmationRequest, error) {
	var req domain.ConfirmationRequest
	err := g.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		req, err = g.SubmitRevocationIn(ctx, tx, processID, actor)
		return err
	})
	return req, err
}

// SubmitRevocationIn is SubmitRevocation inside the caller's unit of work.
func (g *Gateway) SubmitRevocationIn(ctx context.Context, tx *lock.Tx, processID, actor string) (domain.ConfirmationRequest, error) {
	proc, err := g.Repo.LockProcess(ctx, tx, processID)
	if err != nil {
		return domain.ConfirmationRequest{}, fmt.Errorf("process %s: %w", processID, err)
	}
	all, err := g.Repo.PacksByProcess(ctx, tx, processID)
	if err != nil {
		return domain.ConfirmationRequest{}, err
	}
	var revoked *domain.Pack
	for i := range all {
		if all[i].Status == domain.PackRevoked && all[i].RevokeConfirmedAt == nil {
			revoked = &all[i]
		}
	}
	if revoked == nil {
		return domain.ConfirmationRequest{}, fmt.Errorf("%w: unconfirmed revoked pack of %s", packs.ErrNotFound, processID)
	}
	active, err := g.Ledger.ActiveTaskTypes(ctx, tx, processID)
	if err != nil {
		return domain.ConfirmationRequest{}, err
	}
	if hasType(active, domain.TaskChiefError) {
		_, err = g.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
			ProcessID: processID,
			From:      domain.TaskChiefError,
			To:        domain.TaskChiefRevokeWait,
			Actor:     actor,
		})
	} else {
		_, err = g.Ledger.Open(ctx, tx, ledger.OpenRequest{
			ProcessID: processID,
			Type:      domain.TaskChiefRevokeWait,
			Actor:     actor,
		})
	}
	if err != nil {
		return domain.ConfirmationRequest{}, err
	}
	return g.send(ctx, tx, proc, *revoked, domain.RequestRevoke, actor)
}

func (g *Gateway) send(ctx context.Context, tx *lock.Tx, proc domain.Process, pack domain.Pack, kind, actor string) (domain.ConfirmationRequest, error) {
	sub, err := g.submission(ctx, tx, proc, pack, kind)
	if err != nil {
		return domain.ConfirmationRequest{}, err
	}
	req := domain.ConfirmationRequest{
		ID:            uuid.NewString(),
		ProcessID:     proc.ID,
		PackID:        pack.ID,
		CorrelationID: sub.ID,
		Kind:          kind,
		Status:        domain.RequestPending,
		CreatedAt:     g.now(),
	}
	if err := g.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.ConfirmationRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := g.Events.Append(ctx, tx, events.ConfirmationSent, proc.ID, "confirmation", req.ID, actor,
		events.EventPayload{"kind": kind, "correlation_id": req.CorrelationID, "pack_id": pack.ID}); err != nil {
		return domain.ConfirmationRequest{}, err
	}
	timeout := g.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := g.Sender.Send(sendCtx, sub); err != nil {
		return domain.ConfirmationRequest{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	g.logf("gateway: sent kind=%s process=%s correlation=%s", kind, proc.ID, req.CorrelationID)
	return req, nil
}

func (g *Gateway) submission(ctx context.Context, tx *lock.Tx, proc domain.Process, pack domain.Pack, kind string) (authority.Submission, error) {
	v, err := domain.VariantOf(proc.ProcessType)
	if err != nil {
		return authority.Submission{}, err
	}
	docs, err := g.Repo.CDRsByPack(ctx, tx, pack.ID)
	if err != nil {
		return authority.Submission{}, err
	}
	sub := authority.Submission{
		ID:              uuid.NewString(),
		Kind:            kind,
		ProcessType:     proc.ProcessType,
		CaseReference:   deref(pack.CaseReference),
		LicenceCategory: v.Category,
	}
	for _, c := range docs {
		if c.Reference == nil {
			return authority.Submission{}, fmt.Errorf("%w: document %s has no reference", ErrDocumentsNotReady, c.ID)
		}
		sub.Documents = append(sub.Documents, authority.Document{
			Type:      c.DocumentType,
			Reference: *c.Reference,
			Country:   deref(c.Country),
			CheckCode: c.CheckCode,
		})
	}
	return sub, nil
}

// Accepted is one confirmed submission.
type Accepted struct {
	ID         string `json:"id"`
	LicenceRef string `json:"licenceRef,omitempty"`
}

// Rejected is one refused submission with the authority's reasons.
type Rejected struct {
	ID     string   `json:"id"`
	Errors []string `json:"errors"`
}

type Batch struct {
	Accepted []Accepted `json:"accepted,omitempty"`
	Rejected []Rejected `json:"rejected,omitempty"`
}

type CallbackResult struct {
	Accepted   int      `json:"accepted"`
	Rejected   int      `json:"rejected"`
	Duplicates []string `json:"duplicates,omitempty"`
	Unknown    []string `json:"unknown,omitempty"`
}

// OnCallback applies an authority batch. Each entry commits on its own, so a
// redelivered batch only re-applies the entries that did not land.
func (g *Gateway) OnCallback(ctx context.Context, b Batch) (CallbackResult, error) {
	var res CallbackResult
	seen := map[string]bool{}
	for _, a := range b.Accepted {
		seen[a.ID] = true
	}
	for _, r := range b.Rejected {
		if seen[r.ID] {
			return res, fmt.Errorf("%w: %s", ErrOverlappingBatch, r.ID)
		}
	}
	var errs []error
	for _, a := range b.Accepted {
		outcome, err := g.answer(ctx, a.ID, func(req *domain.ConfirmationRequest) {
			req.Status = domain.RequestAccepted
			if a.LicenceRef != "" {
				ref := a.LicenceRef
				req.LicenceReference = &ref
			}
		})
		if res.record(a.ID, outcome, err, &errs) {
			res.Accepted++
		}
	}
	for _, r := range b.Rejected {
		outcome, err := g.answer(ctx, r.ID, func(req *domain.ConfirmationRequest) {
			req.Status = domain.RequestRejected
			req.Errors = r.Errors
		})
		if res.record(r.ID, outcome, err, &errs) {
			res.Rejected++
		}
	}
	return res, errors.Join(errs...)
}

type outcome int

const (
	applied outcome = iota
	duplicate
	unknown
)

// record files one entry's outcome and reports whether it was applied.
func (r *CallbackResult) record(id string, o outcome, err error, errs *[]error) bool {
	if err != nil {
		*errs = append(*errs, fmt.Errorf("callback %s: %w", id, err))
		return false
	}
	switch o {
	case duplicate:
		r.Duplicates = append(r.Duplicates, id)
	case unknown:
		r.Unknown = append(r.Unknown, id)
	}
	return o == applied
}

func (g *Gateway) answer(ctx context.Context, correlationID string, apply func(*domain.ConfirmationRequest)) (outcome, error) {
	result := applied
	err := g.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		req, err := g.Repo.LockRequestByCorrelation(ctx, tx, correlationID)
		if errors.Is(err, repo.ErrNotFound) {
			result = unknown
			return nil
		}
		if err != nil {
			return err
		}
		if req.Status != domain.RequestPending {
			result = duplicate
			return g.Events.Append(ctx, tx, events.ConfirmationIgnored, req.ProcessID, "confirmation", req.ID, "authority",
				events.EventPayload{"status": req.Status, "correlation_id": correlationID})
		}
		apply(&req)
		now := g.now()
		req.RespondedAt = &now
		if err := g.Repo.ResolveRequest(ctx, tx, req); err != nil {
			return fmt.Errorf("resolve request %s: %w", req.ID, err)
		}
		if err := g.Events.Append(ctx, tx, events.ConfirmationAnswer, req.ProcessID, "confirmation", req.ID, "authority",
			events.EventPayload{"status": req.Status, "kind": req.Kind, "errors": req.Errors}); err != nil {
			return err
		}
		err = g.continueCase(ctx, tx, req)
		if isGuard(err) {
			g.logf("gateway: request=%s answered but process=%s moved on: %v", req.ID, req.ProcessID, err)
			return nil
		}
		return err
	})
	return result, err
}

func (g *Gateway) continueCase(ctx context.Context, tx *lock.Tx, req domain.ConfirmationRequest) error {
	wait := domain.TaskChiefWait
	if req.Kind == domain.RequestRevoke {
		wait = domain.TaskChiefRevokeWait
	}
	if req.Status == domain.RequestRejected {
		_, err := g.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
			ProcessID:      req.ProcessID,
			From:           wait,
			To:             domain.TaskChiefError,
			Actor:          "authority",
			Data:           map[string][]string{"errors": req.Errors},
			AllowSideTasks: true,
		})
		return err
	}
	if req.Kind == domain.RequestRevoke {
		if _, err := g.Ledger.Finish(ctx, tx, ledger.FinishRequest{ProcessID: req.ProcessID, Type: wait, Actor: "authority", AllowSideTasks: true}); err != nil {
			return err
		}
		_, err := g.Packs.ConfirmRevocation(ctx, tx, req.PackID, "authority")
		return err
	}
	if _, err := g.Ledger.Finish(ctx, tx, ledger.FinishRequest{
		ProcessID:      req.ProcessID,
		Type:           wait,
		Actor:          "authority",
		Status:         domain.StatusCompleted,
		AllowSideTasks: true,
	}); err != nil {
		return err
	}
	_, err := g.Packs.SetActive(ctx, tx, req.ProcessID, "authority")
	return err
}

// Requests returns the submissions of a process, oldest first.
func (g *Gateway) Requests(ctx context.Context, processID string) ([]domain.ConfirmationRequest, error) {
	return g.Repo.RequestsByProcess(ctx, nil, processID)
}

func isGuard(err error) bool {
	return errors.Is(err, ledger.ErrProcessInactive) ||
		errors.Is(err, ledger.ErrTaskNotFound) ||
		errors.Is(err, ledger.ErrIllegalStatus)
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
