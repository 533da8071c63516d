package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/gateway"
	"caseline/internal/generation"
	"caseline/internal/ledger"
	"caseline/internal/lock"
	"caseline/internal/packs"
	"caseline/internal/render"
	"caseline/internal/repo"
	"caseline/internal/sequence"
	"caseline/internal/signing"
	"caseline/internal/storage"
)

var (
	ErrOpenVariationRequest = errors.New("variation request is still open")
	ErrNotCompleted         = errors.New("process is not completed")
	ErrAuthorityNotRequired = errors.New("process does not need the authority")
	ErrPaperLicence         = errors.New("paper licence not available")
)

// Engine runs caseworker actions. Each action is one unit of work.
type Engine struct {
	Repo       repo.Repo
	Locks      *lock.Manager
	Ledger     ledger.Ledger
	Packs      packs.Lifecycle
	Sequences  sequence.Allocator
	Events     events.Writer
	Generation *generation.Orchestrator
	Gateway    *gateway.Gateway
	Now        func() time.Time
}

// Collaborators are the pluggable outer services of an engine.
type Collaborators struct {
	Renderer render.Renderer
	Signer   signing.Signer
	Store    storage.Store
	Sender   gateway.Sender
	Logger   *log.Logger
	Now      func() time.Time
}

// New wires an engine and its orchestrator and gateway over one database.
func New(conn *sql.DB, dialect db.Dialect, c Collaborators) *Engine {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Renderer == nil {
		c.Renderer = render.Text{}
	}
	if c.Signer == nil {
		c.Signer = signing.Nop{}
	}
	if c.Store == nil {
		c.Store = storage.NewMemory()
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	locks := lock.NewManager(conn, dialect)
	ev := events.Writer{Now: c.Now}
	led := ledger.Ledger{Repo: r, Events: ev, Now: c.Now}
	pk := packs.Lifecycle{Repo: r, Events: ev, Now: c.Now}
	gw := &gateway.Gateway{
		Repo:   r,
		Locks:  locks,
		Ledger: led,
		Packs:  pk,
		Events: ev,
		Sender: c.Sender,
		Logger: c.Logger,
		Now:    c.Now,
	}
	orch := &generation.Orchestrator{
		Repo:      r,
		Locks:     locks,
		Ledger:    led,
		Packs:     pk,
		Sequences: sequence.Allocator{Repo: r, Now: c.Now},
		Events:    ev,
		Renderer:  c.Renderer,
		Signer:    c.Signer,
		Store:     c.Store,
		Logger:    c.Logger,
		Now:       c.Now,
	}
	if c.Sender != nil {
		orch.Handoff = gw
	}
	return &Engine{
		Repo:       r,
		Locks:      locks,
		Ledger:     led,
		Packs:      pk,
		Sequences:  orch.Sequences,
		Events:     ev,
		Generation: orch,
		Gateway:    gw,
		Now:        c.Now,
	}
}

func (e *Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateOptions are parameters for opening a new case.
type CreateOptions struct {
	ProcessType      string
	Countries        []string
	PaperLicenceOnly bool
	ActorID          string
}

func (e *Engine) CreateProcess(ctx context.Context, opts CreateOptions) (domain.Process, error) {
	v, err := domain.VariantOf(opts.ProcessType)
	if err != nil {
		return domain.Process{}, err
	}
	if v.Family == domain.FamilyExport && opts.PaperLicenceOnly {
		return domain.Process{}, fmt.Errorf("%w: %s issues certificates", ErrPaperLicence, opts.ProcessType)
	}
	now := e.now()
	p := domain.Process{
		ID:               uuid.NewString(),
		ProcessType:      opts.ProcessType,
		Status:           domain.StatusInProgress,
		IsActive:         true,
		PaperLicenceOnly: opts.PaperLicenceOnly,
		Countries:        opts.Countries,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		if err := e.Repo.InsertProcess(ctx, tx, p); err != nil {
			return fmt.Errorf("insert process: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.ProcessCreated, p.ID, "process", p.ID, opts.ActorID,
			events.EventPayload{"process_type": p.ProcessType, "countries": p.Countries, "paper_licence_only": p.PaperLicenceOnly}); err != nil {
			return err
		}
		if _, err := e.Ledger.Start(ctx, tx, p.ID, opts.ActorID); err != nil {
			return err
		}
		_, err := e.Packs.CreateDraft(ctx, tx, p.ID, opts.ActorID)
		return err
	})
	if err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// UpdateCountries replaces the destination countries of a case that has not
// reached the decision yet. Certificates follow on the next generation.
func (e *Engine) UpdateCountries(ctx context.Context, id string, countries []string, actor string) (domain.Process, error) {
	var p domain.Process
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		if p, err = e.lockOpen(ctx, tx, id); err != nil {
			return err
		}
		active, err := e.Ledger.ActiveTaskTypes(ctx, tx, id)
		if err != nil {
			return err
		}
		if !contains(active, domain.TaskPrepare) && !contains(active, domain.TaskProcess) {
			return fmt.Errorf("%w: countries are fixed once %v", ledger.ErrTaskNotFound, active)
		}
		p.Countries = countries
		p.UpdatedAt = e.now()
		if err := e.Repo.UpdateProcess(ctx, tx, p); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ProcessUpdated, id, "process", id, actor, events.EventPayload{"countries": countries})
	})
	return p, err
}

// Submit hands a prepared case to the caseworkers and numbers it.
func (e *Engine) Submit(ctx context.Context, id, actor string) (domain.Process, error) {
	var p domain.Process
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		if err := tx.Lock(ctx, sequence.Table); err != nil {
			return err
		}
		if _, err := e.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
			ProcessID: id,
			From:      domain.TaskPrepare,
			To:        domain.TaskProcess,
			Actor:     actor,
			Status:    domain.StatusSubmitted,
		}); err != nil {
			return err
		}
		var err error
		if p, err = e.Repo.LockProcess(ctx, tx, id); err != nil {
			return err
		}
		if p.Reference == nil {
			ref, err := e.Sequences.CaseReference(ctx, tx, p)
			if err != nil {
				return err
			}
			p.Reference = &ref
			p.UpdatedAt = e.now()
			if err := e.Repo.UpdateProcess(ctx, tx, p); err != nil {
				return err
			}
		}
		draft, err := e.Packs.GetDraft(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = e.Packs.SetCaseReference(ctx, tx, draft, sequence.VariationReference(*p.Reference, p.VariationNo), actor)
		return err
	})
	return p, err
}

func (e *Engine) StartAuthorisation(ctx context.Context, id, actor string) (domain.Task, error) {
	var t domain.Task
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		p, err := e.lockOpen(ctx, tx, id)
		if err != nil {
			return err
		}
		active, err := e.Ledger.ActiveTaskTypes(ctx, tx, id)
		if err != nil {
			return err
		}
		if contains(active, domain.TaskVariationChange) {
			return fmt.Errorf("%w: %s", ErrOpenVariationRequest, id)
		}
		status := domain.StatusProcessing
		if p.Status == domain.StatusVariationRequested {
			status = ""
		}
		t, err = e.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
			ProcessID: id,
			From:      domain.TaskProcess,
			To:        domain.TaskAuthorise,
			Actor:     actor,
			Status:    status,
		})
		return err
	})
	return t, err
}

func (e *Engine) CancelAuthorisation(ctx context.Context, id, actor string) (domain.Task, error) {
	return e.transition(ctx, ledger.TransitionRequest{ProcessID: id, From: domain.TaskAuthorise, To: domain.TaskProcess, Actor: actor})
}

// Decision is the outcome of an authorisation.
type Decision struct {
	Approve bool
	Reason  string
}

// Decide approves a case into document generation or refuses it.
func (e *Engine) Decide(ctx context.Context, id string, d Decision, actor string) (domain.Task, error) {
	var t domain.Task
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		if !d.Approve {
			t, err = e.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
				ProcessID: id,
				From:      domain.TaskAuthorise,
				To:        domain.TaskRejected,
				Actor:     actor,
				Status:    domain.StatusRefused,
				Data:      map[string]string{"reason": d.Reason},
			})
			if err != nil {
				return err
			}
			_, err = e.Packs.ArchiveDraft(ctx, tx, id, actor)
			return err
		}
		t, err = e.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
			ProcessID: id,
			From:      domain.TaskAuthorise,
			To:        domain.TaskDocumentSigning,
			Actor:     actor,
		})
		if err != nil {
			return err
		}
		_, err = e.Generation.Prepare(ctx, tx, id, actor)
		return err
	})
	return t, err
}

func (e *Engine) AcknowledgeRefusal(ctx context.Context, id, actor string) (domain.Task, error) {
	var t domain.Task
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		t, err = e.Ledger.Finish(ctx, tx, ledger.FinishRequest{ProcessID: id, Type: domain.TaskRejected, Actor: actor})
		return err
	})
	return t, err
}

// RetryDocuments reruns generation after a failure. References already
// allocated are kept.
func (e *Engine) RetryDocuments(ctx context.Context, id, actor string) (domain.Barrier, error) {
	return e.regenerate(ctx, id, domain.TaskDocumentError, actor)
}

// RecreateDocuments restarts generation from scratch, discarding the results of
// any fan-out still running.
func (e *Engine) RecreateDocuments(ctx context.Context, id, actor string) (domain.Barrier, error) {
	return e.regenerate(ctx, id, domain.TaskDocumentSigning, actor)
}

func (e *Engine) regenerate(ctx context.Context, id, from, actor string) (domain.Barrier, error) {
	var b domain.Barrier
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		if _, err := e.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
			ProcessID:      id,
			From:           from,
			To:             domain.TaskDocumentSigning,
			Actor:          actor,
			AllowSideTasks: true,
		}); err != nil {
			return err
		}
		var err error
		b, err = e.Generation.Prepare(ctx, tx, id, actor)
		return err
	})
	return b, err
}

// ResendToAuthority submits the case again, as an issue or a revocation
// depending on where it stands.
func (e *Engine) ResendToAuthority(ctx context.Context, id, actor string) (domain.ConfirmationRequest, error) {
	p, err := e.Repo.GetProcess(ctx, nil, id)
	if err != nil {
		return domain.ConfirmationRequest{}, err
	}
	needs, err := domain.RequiresAuthority(p)
	if err != nil {
		return domain.ConfirmationRequest{}, err
	}
	if !needs {
		return domain.ConfirmationRequest{}, fmt.Errorf("%w: %s", ErrAuthorityNotRequired, id)
	}
	if p.Status == domain.StatusRevoked {
		return e.Gateway.SubmitRevocation(ctx, id, actor)
	}
	return e.Gateway.Submit(ctx, id, actor)
}

// FixUpAuthorityError sends a case rejected by the authority back to the caseworkers.
func (e *Engine) FixUpAuthorityError(ctx context.Context, id, actor string) (domain.Task, error) {
	var t domain.Task
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		p, err := e.lockOpen(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status == domain.StatusRevoked {
			return fmt.Errorf("%w: revoked case %s can only be resent", ledger.ErrIllegalStatus, id)
		}
		t, err = e.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
			ProcessID:      id,
			From:           domain.TaskChiefError,
			To:             domain.TaskProcess,
			Actor:          actor,
			AllowSideTasks: true,
		})
		return err
	})
	return t, err
}

func (e *Engine) Withdraw(ctx context.Context, id, actor string) (domain.Process, error) {
	return e.close(ctx, id, domain.StatusWithdrawn, actor)
}

func (e *Engine) Stop(ctx context.Context, id, actor string) (domain.Process, error) {
	return e.close(ctx, id, domain.StatusStopped, actor)
}

var closable = []string{domain.StatusInProgress, domain.StatusSubmitted, domain.StatusProcessing, domain.StatusVariationRequested}

func (e *Engine) close(ctx context.Context, id, status, actor string) (domain.Process, error) {
	var p domain.Process
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		if p, err = e.lockOpen(ctx, tx, id); err != nil {
			return err
		}
		if !contains(closable, p.Status) {
			return fmt.Errorf("%w: cannot close a %s case", ledger.ErrIllegalStatus, p.Status)
		}
		if _, err := e.Ledger.FinishAll(ctx, tx, id, actor); err != nil {
			return err
		}
		if _, err := e.Packs.ArchiveDraft(ctx, tx, id, actor); err != nil && !errors.Is(err, packs.ErrNotFound) {
			return err
		}
		if err := e.Generation.Supersede(ctx, tx, id, actor); err != nil {
			return err
		}
		p.Status = status
		p.IsActive = false
		p.UpdatedAt = e.now()
		if err := e.Repo.UpdateProcess(ctx, tx, p); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ProcessUpdated, id, "process", id, actor, events.EventPayload{"status": status, "is_active": false})
	})
	return p, err
}

// RequestVariation reopens a completed case for changes under a new draft pack.
func (e *Engine) RequestVariation(ctx context.Context, id, actor string) (domain.Process, error) {
	var p domain.Process
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		if p, err = e.lockOpen(ctx, tx, id); err != nil {
			return err
		}
		if p.Status != domain.StatusCompleted {
			return fmt.Errorf("%w: %s is %s", ErrNotCompleted, id, p.Status)
		}
		p.VariationNo++
		p.Status = domain.StatusVariationRequested
		p.UpdatedAt = e.now()
		if err := e.Repo.UpdateProcess(ctx, tx, p); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.ProcessUpdated, id, "process", id, actor,
			events.EventPayload{"status": p.Status, "variation_no": p.VariationNo}); err != nil {
			return err
		}
		draft, err := e.Packs.CreateDraft(ctx, tx, id, actor)
		if err != nil {
			return err
		}
		if p.Reference != nil {
			if _, err := e.Packs.SetCaseReference(ctx, tx, draft, sequence.VariationReference(*p.Reference, p.VariationNo), actor); err != nil {
				return err
			}
		}
		proc, err := e.Ledger.Open(ctx, tx, ledger.OpenRequest{ProcessID: id, Type: domain.TaskProcess, Actor: actor})
		if err != nil {
			return err
		}
		_, err = e.Ledger.Open(ctx, tx, ledger.OpenRequest{
			ProcessID:      id,
			Type:           domain.TaskVariationChange,
			Actor:          actor,
			PreviousID:     proc.ID,
			AllowSideTasks: true,
		})
		return err
	})
	return p, err
}

func (e *Engine) CloseVariationRequest(ctx context.Context, id, actor string) (domain.Task, error) {
	var t domain.Task
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		t, err = e.Ledger.Finish(ctx, tx, ledger.FinishRequest{ProcessID: id, Type: domain.TaskVariationChange, Actor: actor})
		return err
	})
	return t, err
}

// Revoke withdraws the issued pack of a completed case. Cases confirmed by the
// authority are submitted for revocation in the same unit of work.
func (e *Engine) Revoke(ctx context.Context, id, reason, actor string) (domain.Pack, error) {
	var pack domain.Pack
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		p, err := e.lockOpen(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status != domain.StatusCompleted {
			return fmt.Errorf("%w: %s is %s", ErrNotCompleted, id, p.Status)
		}
		if pack, err = e.Packs.RevokeActive(ctx, tx, id, reason, actor); err != nil {
			return err
		}
		now := e.now()
		if err := e.Repo.SetProcessStatus(ctx, tx, id, domain.StatusRevoked, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.ProcessUpdated, id, "process", id, actor,
			events.EventPayload{"status": domain.StatusRevoked, "reason": reason}); err != nil {
			return err
		}
		needs, err := domain.RequiresAuthority(p)
		if err != nil || !needs {
			return err
		}
		_, err = e.Gateway.SubmitRevocationIn(ctx, tx, id, actor)
		return err
	})
	return pack, err
}

func (e *Engine) transition(ctx context.Context, req ledger.TransitionRequest) (domain.Task, error) {
	var t domain.Task
	err := e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		t, err = e.Ledger.Transition(ctx, tx, req)
		return err
	})
	return t, err
}

// lockOpen row-locks a process that is still active.
func (e *Engine) lockOpen(ctx context.Context, tx *lock.Tx, id string) (domain.Process, error) {
	p, err := e.Repo.LockProcess(ctx, tx, id)
	if err != nil {
		return p, fmt.Errorf("process %s: %w", id, err)
	}
	if !p.IsActive {
		return p, fmt.Errorf("%w: %s is %s", ledger.ErrProcessInactive, id, p.Status)
	}
	return p, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
