// Package generation fans a pack out into one generation job per document and
// joins the results on a durable barrier.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/events"
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
	ErrQueueEmpty  = errors.New("no queued generation jobs")
	ErrNoDocuments = errors.New("pack has no documents")
	errSuperseded  = errors.New("barrier no longer open")
)

// coverLetterPrefix numbers cover letters, which carry no licence number.
const coverLetterPrefix = "CL"

// Handoff receives packs that must be confirmed by the external authority.
type Handoff interface {
	Submit(ctx context.Context, processID, actor string) (domain.ConfirmationRequest, error)
}

type Orchestrator struct {
	Repo      repo.Repo
	Locks     *lock.Manager
	Ledger    ledger.Ledger
	Packs     packs.Lifecycle
	Sequences sequence.Allocator
	Events    events.Writer
	Renderer  render.Renderer
	Signer    signing.Signer
	Store     storage.Store
	Handoff   Handoff
	Logger    *log.Logger
	Now       func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Prepare enumerates the draft pack's documents, allocates missing references
// and queues one job per document behind a fresh barrier. It runs inside the
// caller's unit of work, after the task moved to DOCUMENT_SIGNING.
func (o *Orchestrator) Prepare(ctx context.Context, tx *lock.Tx, processID, actor string) (domain.Barrier, error) {
	if err := tx.Lock(ctx, packs.DocumentsTable, sequence.Table); err != nil {
		return domain.Barrier{}, err
	}
	proc, err := o.Repo.LockProcess(ctx, tx, processID)
	if err != nil {
		return domain.Barrier{}, fmt.Errorf("process %s: %w", processID, err)
	}
	draft, err := o.Packs.GetDraft(ctx, tx, processID)
	if err != nil {
		return domain.Barrier{}, err
	}
	docs, stale, err := o.Packs.EnsureDocuments(ctx, tx, draft, proc)
	if err != nil {
		return domain.Barrier{}, err
	}
	if len(docs) == 0 {
		return domain.Barrier{}, fmt.Errorf("%w: %s", ErrNoDocuments, draft.ID)
	}
	for _, key := range stale {
		o.logf("generation: process=%s dropped document file=%s left for orphan sweep", processID, key)
	}
	if draft.CaseReference == nil {
		if proc.Reference == nil {
			ref, err := o.Sequences.CaseReference(ctx, tx, proc)
			if err != nil {
				return domain.Barrier{}, err
			}
			proc.Reference = &ref
			proc.UpdatedAt = o.now().Format(time.RFC3339)
			if err := o.Repo.UpdateProcess(ctx, tx, proc); err != nil {
				return domain.Barrier{}, err
			}
		}
		ref := sequence.VariationReference(*proc.Reference, proc.VariationNo)
		if draft, err = o.Packs.SetCaseReference(ctx, tx, draft, ref, actor); err != nil {
			return domain.Barrier{}, err
		}
	}
	for _, c := range docs {
		if _, _, err := o.EnsureReference(ctx, tx, proc, c, actor); err != nil {
			return domain.Barrier{}, err
		}
	}
	if err := o.Supersede(ctx, tx, processID, actor); err != nil {
		return domain.Barrier{}, err
	}
	now := o.now().Format(time.RFC3339)
	b := domain.Barrier{
		ID:        uuid.NewString(),
		ProcessID: processID,
		PackID:    draft.ID,
		ActorID:   actor,
		Total:     len(docs),
		Status:    domain.BarrierOpen,
		CreatedAt: now,
	}
	if err := o.Repo.InsertBarrier(ctx, tx, b); err != nil {
		return domain.Barrier{}, fmt.Errorf("insert barrier: %w", err)
	}
	for _, c := range docs {
		j := domain.Job{ID: uuid.NewString(), BarrierID: b.ID, CDRID: c.ID, Status: domain.JobQueued, CreatedAt: now}
		if err := o.Repo.InsertJob(ctx, tx, j); err != nil {
			return domain.Barrier{}, fmt.Errorf("insert job: %w", err)
		}
	}
	if err := o.Events.Append(ctx, tx, events.GenerationPrepared, processID, "barrier", b.ID, actor, events.EventPayload{"pack_id": draft.ID, "total": b.Total}); err != nil {
		return domain.Barrier{}, err
	}
	return b, nil
}

// EnsureReference allocates a reference for c unless it already has one.
func (o *Orchestrator) EnsureReference(ctx context.Context, tx *lock.Tx, proc domain.Process, c domain.CDR, actor string) (domain.CDR, bool, error) {
	if c.Reference != nil {
		return c, false, nil
	}
	var (
		ref string
		err error
	)
	switch c.DocumentType {
	case domain.DocLicence:
		ref, err = o.Sequences.LicenceReference(ctx, tx, proc)
	case domain.DocCertificate:
		ref, err = o.Sequences.CertificateReference(ctx, tx, proc)
	case domain.DocCoverLetter:
		ref, err = o.Sequences.Allocate(ctx, tx, coverLetterPrefix, true, 5)
	default:
		err = fmt.Errorf("unknown document type %q", c.DocumentType)
	}
	if err != nil {
		return c, false, err
	}
	if err := o.Repo.SetCDRReference(ctx, tx, c.ID, ref); err != nil {
		return c, false, fmt.Errorf("set reference on %s: %w", c.ID, err)
	}
	c.Reference = &ref
	if err := o.Events.Append(ctx, tx, events.ReferenceAllocated, proc.ID, "document", c.ID, actor, events.EventPayload{"document_type": c.DocumentType, "reference": ref}); err != nil {
		return c, false, err
	}
	return c, true, nil
}

// Supersede retires every OPEN barrier of a process. Jobs already queued for
// them still run but their results are discarded.
func (o *Orchestrator) Supersede(ctx context.Context, tx *lock.Tx, processID, actor string) error {
	open, err := o.Repo.BarriersByStatus(ctx, tx, processID, domain.BarrierOpen)
	if err != nil {
		return err
	}
	now := o.now().Format(time.RFC3339)
	for _, b := range open {
		b.Status = domain.BarrierSuperseded
		b.ResolvedAt = &now
		if err := o.Repo.UpdateBarrier(ctx, tx, b); err != nil {
			return fmt.Errorf("supersede barrier %s: %w", b.ID, err)
		}
		if err := o.Events.Append(ctx, tx, events.GenerationResolved, processID, "barrier", b.ID, actor, events.EventPayload{"status": b.Status}); err != nil {
			return err
		}
	}
	return nil
}

// Claim takes the oldest queued job for worker.
func (o *Orchestrator) Claim(ctx context.Context, worker string) (domain.Job, error) {
	var job domain.Job
	err := o.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		j, err := o.Repo.NextQueuedJob(ctx, tx)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrQueueEmpty
		}
		if err != nil {
			return err
		}
		now := o.now().Format(time.RFC3339)
		if err := o.Repo.ClaimJob(ctx, tx, j.ID, worker, now); err != nil {
			return err
		}
		j.Status = domain.JobRunning
		j.ClaimedBy = &worker
		j.ClaimedAt = &now
		job = j
		return nil
	})
	return job, err
}

type output struct {
	key  string
	name string
	size int64
}

// RunJob renders, signs and stores one document, then reports to its barrier.
// A claimed job runs to completion even if ctx is cancelled, so it never
// stays RUNNING behind an open barrier.
func (o *Orchestrator) RunJob(ctx context.Context, job domain.Job) (domain.Barrier, error) {
	ctx = context.WithoutCancel(ctx)
	out, err := o.produce(ctx, job)
	if err != nil && !errors.Is(err, errSuperseded) {
		o.logf("generation: job=%s document=%s failed: %v", job.ID, job.CDRID, err)
	}
	return o.report(ctx, job, out, err)
}

func (o *Orchestrator) produce(ctx context.Context, job domain.Job) (output, error) {
	b, err := o.Repo.GetBarrier(ctx, nil, job.BarrierID)
	if err != nil {
		return output{}, err
	}
	if b.Status != domain.BarrierOpen {
		return output{}, errSuperseded
	}
	c, err := o.Repo.GetCDR(ctx, nil, job.CDRID)
	if err != nil {
		return output{}, fmt.Errorf("document %s: %w", job.CDRID, err)
	}
	pack, err := o.Repo.GetPack(ctx, nil, b.PackID)
	if err != nil {
		return output{}, err
	}
	proc, err := o.Repo.GetProcess(ctx, nil, b.ProcessID)
	if err != nil {
		return output{}, err
	}
	doc, err := o.Renderer.Render(ctx, render.Request{Variant: render.VariantFinal, Process: proc, Pack: pack, Document: c})
	if err != nil {
		return output{}, fmt.Errorf("render: %w", err)
	}
	content := doc.Content
	if o.Signer != nil {
		if content, err = o.Signer.Sign(ctx, content); err != nil {
			return output{}, fmt.Errorf("sign: %w", err)
		}
	}
	key := storage.Key(proc.ID, c.DocumentType, c.ID, o.now(), doc.Name)
	size, err := o.Store.Put(ctx, key, content)
	if err != nil {
		return output{}, fmt.Errorf("store: %w", err)
	}
	return output{key: key, name: doc.Name, size: size}, nil
}

// report records a job result on its barrier. The first failure resolves the
// barrier FAILED and runs the error continuation; the last success resolves it
// SUCCEEDED and runs the success continuation. Results reported to a resolved
// barrier are discarded. The previous file of a document is deleted only after
// the new one is stamped.
func (o *Orchestrator) report(ctx context.Context, job domain.Job, out output, jobErr error) (domain.Barrier, error) {
	var (
		b        domain.Barrier
		handoff  bool
		stamped  bool
		previous string
	)
	err := o.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		var err error
		b, err = o.Repo.LockBarrier(ctx, tx, job.BarrierID)
		if err != nil {
			return fmt.Errorf("barrier %s: %w", job.BarrierID, err)
		}
		now := o.now().Format(time.RFC3339)
		status, errText := domain.JobSucceeded, ""
		if jobErr != nil {
			status, errText = domain.JobFailed, jobErr.Error()
		}
		if err := o.Repo.FinishJob(ctx, tx, job.ID, status, errText, now); err != nil {
			return fmt.Errorf("finish job %s: %w", job.ID, err)
		}
		if err := o.Events.Append(ctx, tx, events.GenerationJobDone, b.ProcessID, "job", job.ID, b.ActorID, events.EventPayload{"status": status, "document_id": job.CDRID, "error": errText}); err != nil {
			return err
		}
		if b.Status != domain.BarrierOpen {
			return nil
		}
		if jobErr != nil {
			b.Failed++
			b.Status = domain.BarrierFailed
			b.ResolvedAt = &now
			if err := o.Repo.UpdateBarrier(ctx, tx, b); err != nil {
				return err
			}
			if err := o.resolved(ctx, tx, b); err != nil {
				return err
			}
			return o.onError(ctx, tx, b, jobErr)
		}
		c, err := o.Repo.GetCDR(ctx, tx, job.CDRID)
		if err != nil {
			return fmt.Errorf("document %s: %w", job.CDRID, err)
		}
		if err := o.Repo.StampCDRFile(ctx, tx, job.CDRID, out.key, out.name, out.size, now); err != nil {
			return fmt.Errorf("stamp document %s: %w", job.CDRID, err)
		}
		stamped = true
		if c.FileKey != nil && *c.FileKey != out.key {
			previous = *c.FileKey
		}
		b.Succeeded++
		if b.Succeeded < b.Total {
			return o.Repo.UpdateBarrier(ctx, tx, b)
		}
		b.Status = domain.BarrierSucceeded
		b.ResolvedAt = &now
		if err := o.Repo.UpdateBarrier(ctx, tx, b); err != nil {
			return err
		}
		if err := o.resolved(ctx, tx, b); err != nil {
			return err
		}
		handoff, err = o.onSuccess(ctx, tx, b)
		return err
	})
	if err != nil {
		return b, err
	}
	switch {
	case stamped && previous != "":
		o.deleteFile(ctx, job, previous)
	case !stamped && out.key != "":
		o.deleteFile(ctx, job, out.key)
	}
	if handoff {
		o.handoff(ctx, b)
	}
	return b, nil
}

// deleteFile removes a file no document points at. Failures are left to the
// orphan sweep.
func (o *Orchestrator) deleteFile(ctx context.Context, job domain.Job, key string) {
	if err := o.Store.Delete(ctx, key); err != nil {
		o.logf("generation: job=%s delete file=%s: %v", job.ID, key, err)
	}
}

func (o *Orchestrator) resolved(ctx context.Context, tx *lock.Tx, b domain.Barrier) error {
	return o.Events.Append(ctx, tx, events.GenerationResolved, b.ProcessID, "barrier", b.ID, b.ActorID,
		events.EventPayload{"status": b.Status, "succeeded": b.Succeeded, "failed": b.Failed, "total": b.Total})
}

// onSuccess completes the case, or reports that the pack must go to the authority.
func (o *Orchestrator) onSuccess(ctx context.Context, tx *lock.Tx, b domain.Barrier) (bool, error) {
	proc, err := o.Repo.GetProcess(ctx, tx, b.ProcessID)
	if err != nil {
		return false, err
	}
	needs, err := domain.RequiresAuthority(proc)
	if err != nil {
		return false, err
	}
	if needs {
		return true, nil
	}
	_, err = o.Ledger.Finish(ctx, tx, ledger.FinishRequest{
		ProcessID:      b.ProcessID,
		Type:           domain.TaskDocumentSigning,
		Actor:          b.ActorID,
		Status:         domain.StatusCompleted,
		AllowSideTasks: true,
	})
	if isGuard(err) {
		o.logf("generation: barrier=%s succeeded but process=%s moved on: %v", b.ID, b.ProcessID, err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = o.Packs.SetActive(ctx, tx, b.ProcessID, b.ActorID)
	return false, err
}

func (o *Orchestrator) onError(ctx context.Context, tx *lock.Tx, b domain.Barrier, jobErr error) error {
	_, err := o.Ledger.Transition(ctx, tx, ledger.TransitionRequest{
		ProcessID:      b.ProcessID,
		From:           domain.TaskDocumentSigning,
		To:             domain.TaskDocumentError,
		Actor:          b.ActorID,
		Data:           map[string][]string{"errors": {jobErr.Error()}},
		AllowSideTasks: true,
	})
	if isGuard(err) {
		o.logf("generation: barrier=%s failed but process=%s moved on: %v", b.ID, b.ProcessID, err)
		return nil
	}
	return err
}

// handoff submits the pack after the barrier commit. A failed submission
// leaves the case in DOCUMENT_SIGNING for a manual resend.
func (o *Orchestrator) handoff(ctx context.Context, b domain.Barrier) {
	if o.Handoff == nil {
		o.logf("generation: barrier=%s needs the authority but no gateway is configured", b.ID)
		return
	}
	if _, err := o.Handoff.Submit(ctx, b.ProcessID, b.ActorID); err != nil {
		o.logf("generation: submit process=%s to authority failed: %v", b.ProcessID, err)
	}
}

// Status returns the newest barrier of a process and its jobs.
func (o *Orchestrator) Status(ctx context.Context, processID string) (domain.Barrier, []domain.Job, error) {
	b, err := o.Repo.LatestBarrier(ctx, nil, processID)
	if err != nil {
		return b, nil, err
	}
	jobs, err := o.Repo.JobsByBarrier(ctx, nil, b.ID)
	return b, jobs, err
}

func isGuard(err error) bool {
	return errors.Is(err, ledger.ErrProcessInactive) ||
		errors.Is(err, ledger.ErrTaskNotFound) ||
		errors.Is(err, ledger.ErrIllegalStatus)
}
