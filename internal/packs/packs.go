// Package packs manages the document packs of a process and the numbered
// documents inside them.
package packs

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/lock"
	"caseline/internal/repo"
)

// DocumentsTable is locked by callers that create or delete documents.
const DocumentsTable = "case_document_references"

var (
	ErrNotFound    = errors.New("pack not found")
	ErrDraftExists = errors.New("draft pack already exists")
	ErrNoCountries = errors.New("no destination countries")
)

type Lifecycle struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (l Lifecycle) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func notFound(err error, what, processID string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s pack of %s", ErrNotFound, what, processID)
	}
	return err
}

func (l Lifecycle) CreateDraft(ctx context.Context, tx *lock.Tx, processID, actor string) (domain.Pack, error) {
	if _, err := l.Repo.PackByStatus(ctx, tx, processID, domain.PackDraft); err == nil {
		return domain.Pack{}, fmt.Errorf("%w: %s", ErrDraftExists, processID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Pack{}, err
	}
	now := l.now()
	p := domain.Pack{ID: uuid.NewString(), ProcessID: processID, Status: domain.PackDraft, CreatedAt: now, UpdatedAt: now}
	if err := l.Repo.InsertPack(ctx, tx, p); err != nil {
		return domain.Pack{}, fmt.Errorf("insert pack: %w", err)
	}
	if err := l.Events.Append(ctx, tx, events.PackUpdated, processID, "pack", p.ID, actor, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Pack{}, err
	}
	return p, nil
}

func (l Lifecycle) GetDraft(ctx context.Context, q repo.Querier, processID string) (domain.Pack, error) {
	p, err := l.Repo.PackByStatus(ctx, q, processID, domain.PackDraft)
	return p, notFound(err, "draft", processID)
}

func (l Lifecycle) GetActive(ctx context.Context, q repo.Querier, processID string) (domain.Pack, error) {
	p, err := l.Repo.PackByStatus(ctx, q, processID, domain.PackActive)
	return p, notFound(err, "active", processID)
}

// SetActive archives the current ACTIVE pack, if any, and promotes the DRAFT.
func (l Lifecycle) SetActive(ctx context.Context, tx *lock.Tx, processID, actor string) (domain.Pack, error) {
	all, err := l.Repo.LockPacks(ctx, tx, processID)
	if err != nil {
		return domain.Pack{}, err
	}
	var draft *domain.Pack
	now := l.now()
	for i := range all {
		p := all[i]
		switch p.Status {
		case domain.PackDraft:
			draft = &all[i]
		case domain.PackActive:
			p.Status = domain.PackArchived
			p.UpdatedAt = now
			if err := l.update(ctx, tx, p, actor); err != nil {
				return domain.Pack{}, err
			}
		}
	}
	if draft == nil {
		return domain.Pack{}, fmt.Errorf("%w: draft pack of %s", ErrNotFound, processID)
	}
	draft.Status = domain.PackActive
	draft.CaseCompletionAt = &now
	draft.UpdatedAt = now
	if err := l.update(ctx, tx, *draft, actor); err != nil {
		return domain.Pack{}, err
	}
	return *draft, nil
}

// ArchiveDraft retires the draft without activating it.
func (l Lifecycle) ArchiveDraft(ctx context.Context, tx *lock.Tx, processID, actor string) (domain.Pack, error) {
	p, err := l.GetDraft(ctx, tx, processID)
	if err != nil {
		return p, err
	}
	p.Status = domain.PackArchived
	p.UpdatedAt = l.now()
	return p, l.update(ctx, tx, p, actor)
}

func (l Lifecycle) RevokeActive(ctx context.Context, tx *lock.Tx, processID, reason, actor string) (domain.Pack, error) {
	p, err := l.GetActive(ctx, tx, processID)
	if err != nil {
		return p, err
	}
	p.Status = domain.PackRevoked
	p.RevokeReason = &reason
	p.UpdatedAt = l.now()
	return p, l.update(ctx, tx, p, actor)
}

// ConfirmRevocation stamps a revoked pack as confirmed by the authority.
func (l Lifecycle) ConfirmRevocation(ctx context.Context, tx *lock.Tx, packID, actor string) (domain.Pack, error) {
	p, err := l.Repo.GetPack(ctx, tx, packID)
	if err != nil {
		return p, notFound(err, "revoked", packID)
	}
	if p.Status != domain.PackRevoked {
		return p, fmt.Errorf("pack %s is %s, not %s", packID, p.Status, domain.PackRevoked)
	}
	now := l.now()
	p.RevokeConfirmedAt = &now
	p.UpdatedAt = now
	return p, l.update(ctx, tx, p, actor)
}

func (l Lifecycle) SetCaseReference(ctx context.Context, tx *lock.Tx, p domain.Pack, ref, actor string) (domain.Pack, error) {
	p.CaseReference = &ref
	p.UpdatedAt = l.now()
	return p, l.update(ctx, tx, p, actor)
}

// IssuedHistory returns the packs that were ever issued, oldest first.
func (l Lifecycle) IssuedHistory(ctx context.Context, q repo.Querier, processID string) ([]domain.Pack, error) {
	return l.Repo.IssuedPacks(ctx, q, processID)
}

func (l Lifecycle) Documents(ctx context.Context, q repo.Querier, packID string) ([]domain.CDR, error) {
	return l.Repo.CDRsByPack(ctx, q, packID)
}

func (l Lifecycle) update(ctx context.Context, tx *lock.Tx, p domain.Pack, actor string) error {
	if err := l.Repo.UpdatePack(ctx, tx, p); err != nil {
		return fmt.Errorf("update pack %s: %w", p.ID, err)
	}
	payload := events.EventPayload{"status": p.Status}
	if p.CaseReference != nil {
		payload["case_reference"] = *p.CaseReference
	}
	return l.Events.Append(ctx, tx, events.PackUpdated, p.ProcessID, "pack", p.ID, actor, payload)
}

type slot struct {
	docType string
	country string
}

func requiredSlots(proc domain.Process) ([]slot, error) {
	v, err := domain.VariantOf(proc.ProcessType)
	if err != nil {
		return nil, err
	}
	var out []slot
	for _, doc := range v.Documents {
		if v.PerCountry && doc == domain.DocCertificate {
			countries := uniqueSorted(proc.Countries)
			if len(countries) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrNoCountries, proc.ID)
			}
			for _, c := range countries {
				out = append(out, slot{docType: doc, country: c})
			}
			continue
		}
		out = append(out, slot{docType: doc})
	}
	return out, nil
}

// EnsureDocuments makes the pack hold exactly the documents the process
// requires. Documents that no longer match, such as certificates for a
// removed destination country, are deleted; their stored file keys are
// returned so the caller can drop the files.
func (l Lifecycle) EnsureDocuments(ctx context.Context, tx *lock.Tx, pack domain.Pack, proc domain.Process) ([]domain.CDR, []string, error) {
	if err := tx.EnsureLocked(DocumentsTable); err != nil {
		return nil, nil, err
	}
	want, err := requiredSlots(proc)
	if err != nil {
		return nil, nil, err
	}
	existing, err := l.Repo.CDRsByPack(ctx, tx, pack.ID)
	if err != nil {
		return nil, nil, err
	}
	have := map[slot]domain.CDR{}
	var staleKeys []string
	for _, c := range existing {
		s := slot{docType: c.DocumentType}
		if c.Country != nil {
			s.country = *c.Country
		}
		if _, dup := have[s]; dup || !contains(want, s) {
			if err := l.Repo.DeleteCDR(ctx, tx, c.ID); err != nil {
				return nil, nil, fmt.Errorf("delete stale document %s: %w", c.ID, err)
			}
			if c.FileKey != nil {
				staleKeys = append(staleKeys, *c.FileKey)
			}
			continue
		}
		have[s] = c
	}
	now := l.now()
	out := make([]domain.CDR, 0, len(want))
	for _, s := range want {
		if c, ok := have[s]; ok {
			out = append(out, c)
			continue
		}
		code, err := checkCode()
		if err != nil {
			return nil, nil, err
		}
		c := domain.CDR{ID: uuid.NewString(), PackID: pack.ID, DocumentType: s.docType, CheckCode: code, CreatedAt: now}
		if s.country != "" {
			country := s.country
			c.Country = &country
		}
		if err := l.Repo.InsertCDR(ctx, tx, c); err != nil {
			return nil, nil, fmt.Errorf("insert document: %w", err)
		}
		out = append(out, c)
	}
	return out, staleKeys, nil
}

func contains(slots []slot, s slot) bool {
	for _, x := range slots {
		if x == s {
			return true
		}
	}
	return false
}

func uniqueSorted(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// checkCode returns 8 random digits.
func checkCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", fmt.Errorf("check code: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}
