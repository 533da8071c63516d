package engine

import (
	"context"
	"fmt"

	"caseline/internal/domain"
	"caseline/internal/render"
	"caseline/internal/repo"
)

func (e *Engine) GetProcess(ctx context.Context, id string) (domain.Process, error) {
	return e.Repo.GetProcess(ctx, nil, id)
}

func (e *Engine) ListProcesses(ctx context.Context, f repo.ProcessFilter) ([]domain.Process, error) {
	return e.Repo.ListProcesses(ctx, f)
}

func (e *Engine) ActiveTaskTypes(ctx context.Context, id string) ([]string, error) {
	return e.Ledger.ActiveTaskTypes(ctx, nil, id)
}

func (e *Engine) TaskHistory(ctx context.Context, id string) ([]domain.Task, error) {
	return e.Ledger.History(ctx, nil, id)
}

func (e *Engine) IssuedHistory(ctx context.Context, id string) ([]domain.Pack, error) {
	return e.Packs.IssuedHistory(ctx, nil, id)
}

// PackList returns every pack of a process, oldest first.
func (e *Engine) PackList(ctx context.Context, id string) ([]domain.Pack, error) {
	return e.Repo.PacksByProcess(ctx, nil, id)
}

func (e *Engine) Documents(ctx context.Context, packID string) ([]domain.CDR, error) {
	return e.Packs.Documents(ctx, nil, packID)
}

func (e *Engine) Requests(ctx context.Context, id string) ([]domain.ConfirmationRequest, error) {
	return e.Gateway.Requests(ctx, id)
}

// EventLog lists recorded events matching f.
func (e *Engine) EventLog(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, f)
}

// GenerationStatus returns the latest fan-out of a process and its jobs.
func (e *Engine) GenerationStatus(ctx context.Context, id string) (domain.Barrier, []domain.Job, error) {
	return e.Generation.Status(ctx, id)
}

// Preview renders a document as a watermarked draft. It allocates nothing.
func (e *Engine) Preview(ctx context.Context, documentID string) (render.Document, error) {
	c, err := e.Repo.GetCDR(ctx, nil, documentID)
	if err != nil {
		return render.Document{}, err
	}
	pack, err := e.Repo.GetPack(ctx, nil, c.PackID)
	if err != nil {
		return render.Document{}, err
	}
	p, err := e.Repo.GetProcess(ctx, nil, pack.ProcessID)
	if err != nil {
		return render.Document{}, err
	}
	return e.Generation.Renderer.Render(ctx, render.Request{Variant: render.VariantPreview, Process: p, Pack: pack, Document: c})
}

// Download returns the stored signed file of a generated document.
func (e *Engine) Download(ctx context.Context, documentID string) (domain.CDR, []byte, error) {
	c, err := e.Repo.GetCDR(ctx, nil, documentID)
	if err != nil {
		return c, nil, err
	}
	if c.FileKey == nil {
		return c, nil, fmt.Errorf("document %s: %w", documentID, repo.ErrNotFound)
	}
	content, err := e.Generation.Store.Get(ctx, *c.FileKey)
	return c, content, err
}

// Badge labels a case in the caseworker workbasket.
const (
	BadgeDocumentError  = "failed to generate documents"
	BadgeAuthorityError = "rejected by authority"
	BadgeAwaiting       = "awaiting authority"
	BadgeVariation      = "variation requested"
)

type Workbasket struct {
	ProcessID   string   `json:"process_id"`
	Reference   string   `json:"reference,omitempty"`
	Status      string   `json:"status"`
	ActiveTasks []string `json:"active_tasks"`
	Badges      []string `json:"badges"`
}

// Workbasket derives the workbasket entry of a process from its active tasks.
func (e *Engine) Workbasket(ctx context.Context, id string) (Workbasket, error) {
	p, err := e.Repo.GetProcess(ctx, nil, id)
	if err != nil {
		return Workbasket{}, err
	}
	active, err := e.Ledger.ActiveTaskTypes(ctx, nil, id)
	if err != nil {
		return Workbasket{}, err
	}
	w := Workbasket{ProcessID: id, Status: p.Status, ActiveTasks: active, Badges: []string{}}
	if p.Reference != nil {
		w.Reference = *p.Reference
	}
	for _, t := range active {
		switch t {
		case domain.TaskDocumentError:
			w.Badges = append(w.Badges, BadgeDocumentError)
		case domain.TaskChiefError:
			w.Badges = append(w.Badges, BadgeAuthorityError)
		case domain.TaskChiefWait, domain.TaskChiefRevokeWait:
			w.Badges = append(w.Badges, BadgeAwaiting)
		case domain.TaskVariationChange:
			w.Badges = append(w.Badges, BadgeVariation)
		}
	}
	return w, nil
}
