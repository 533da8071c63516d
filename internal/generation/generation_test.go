package generation

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/db/dbtest"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/ledger"
	"caseline/internal/lock"
	"caseline/internal/packs"
	"caseline/internal/render"
	"caseline/internal/sequence"
	"caseline/internal/signing"
	"caseline/internal/storage"
)

type flakyRenderer struct {
	mu      sync.Mutex
	failFor map[string]bool
	// before runs ahead of rendering a country's document.
	before func(country string)
}

func (f *flakyRenderer) fail(country string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[country] = on
}

func (f *flakyRenderer) Render(ctx context.Context, req render.Request) (render.Document, error) {
	f.mu.Lock()
	fail := req.Document.Country != nil && f.failFor[*req.Document.Country]
	before := f.before
	f.mu.Unlock()
	if before != nil {
		country := ""
		if req.Document.Country != nil {
			country = *req.Document.Country
		}
		before(country)
	}
	if fail {
		return render.Document{}, errors.New("template engine unavailable")
	}
	return render.Text{}.Render(ctx, req)
}

type recordingHandoff struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingHandoff) Submit(_ context.Context, processID, _ string) (domain.ConfirmationRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, processID)
	return domain.ConfirmationRequest{ProcessID: processID, Status: domain.RequestPending}, nil
}

type testEnv struct {
	dbtest.Env
	orch     *Orchestrator
	store    *storage.Memory
	renderer *flakyRenderer
	handoff  *recordingHandoff
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	env := dbtest.New(t)
	now := func() time.Time { return dbtest.FixedNow }
	ev := events.Writer{Now: now}
	store := storage.NewMemory()
	r := &flakyRenderer{failFor: map[string]bool{}}
	h := &recordingHandoff{}
	orch := &Orchestrator{
		Repo:      env.Repo,
		Locks:     env.Locks,
		Ledger:    ledger.Ledger{Repo: env.Repo, Events: ev, Now: now},
		Packs:     packs.Lifecycle{Repo: env.Repo, Events: ev, Now: now},
		Sequences: sequence.Allocator{Repo: env.Repo, Now: now},
		Events:    ev,
		Renderer:  r,
		Signer:    signing.Nop{},
		Store:     store,
		Handoff:   h,
		Logger:    log.New(io.Discard, "", 0),
		Now:       now,
	}
	return testEnv{Env: env, orch: orch, store: store, renderer: r, handoff: h}
}

// signingCase creates a process sitting in DOCUMENT_SIGNING with a draft pack.
func (e testEnv) signingCase(t *testing.T, p domain.Process) domain.Process {
	t.Helper()
	ctx := context.Background()
	ts := dbtest.FixedNow.Format(time.RFC3339)
	ref := "IMA/2026/00001"
	p.ID = "proc-" + p.ProcessType
	p.Status = domain.StatusProcessing
	p.IsActive = true
	p.Reference = &ref
	p.CreatedAt, p.UpdatedAt = ts, ts
	require.NoError(t, e.Repo.InsertProcess(ctx, nil, p))
	require.NoError(t, e.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		if _, err := e.orch.Packs.CreateDraft(ctx, tx, p.ID, "alice"); err != nil {
			return err
		}
		_, err := e.orch.Ledger.Open(ctx, tx, ledger.OpenRequest{ProcessID: p.ID, Type: domain.TaskDocumentSigning})
		return err
	}))
	return p
}

func (e testEnv) prepare(t *testing.T, processID string) domain.Barrier {
	t.Helper()
	var b domain.Barrier
	require.NoError(t, e.Locks.WithTx(context.Background(), func(tx *lock.Tx) error {
		var err error
		b, err = e.orch.Prepare(context.Background(), tx, processID, "alice")
		return err
	}))
	return b
}

func (e testEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := e.orch.Claim(ctx, "test")
		if errors.Is(err, ErrQueueEmpty) {
			return
		}
		require.NoError(t, err)
		_, err = e.orch.RunJob(ctx, job)
		require.NoError(t, err)
	}
}

func (e testEnv) activeTypes(t *testing.T, processID string) []string {
	t.Helper()
	types, err := e.orch.Ledger.ActiveTaskTypes(context.Background(), nil, processID)
	require.NoError(t, err)
	return types
}

func TestSuccessCompletesCaseWithoutAuthority(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.signingCase(t, domain.Process{ProcessType: domain.TypeSPS})

	b := env.prepare(t, p.ID)
	assert.Equal(t, 1, b.Total)
	env.drain(t)

	got, err := env.Repo.GetBarrier(ctx, nil, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierSucceeded, got.Status)

	proc, err := env.Repo.GetProcess(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, proc.Status)
	assert.Empty(t, env.activeTypes(t, p.ID))

	active, err := env.orch.Packs.GetActive(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "IMA/2026/00001", *active.CaseReference)

	docs, err := env.Repo.CDRsByPack(ctx, nil, active.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "GBAOG0000001B", *docs[0].Reference)
	require.NotNil(t, docs[0].FileKey)
	content, err := env.store.Get(ctx, *docs[0].FileKey)
	require.NoError(t, err)
	assert.Contains(t, string(content), "GBAOG0000001B")
	assert.Empty(t, env.handoff.calls)
}

func TestSuccessHandsOffWhenAuthorityRequired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.signingCase(t, domain.Process{ProcessType: domain.TypeFirearmsDFL})

	b := env.prepare(t, p.ID)
	assert.Equal(t, 2, b.Total)
	env.drain(t)

	assert.Equal(t, []string{p.ID}, env.handoff.calls)
	_, err := env.orch.Packs.GetDraft(ctx, nil, p.ID)
	assert.NoError(t, err, "pack stays draft until the authority confirms")
	assert.Equal(t, []string{domain.TaskDocumentSigning}, env.activeTypes(t, p.ID))
}

func TestPaperLicenceSkipsAuthority(t *testing.T) {
	env := newTestEnv(t)
	p := env.signingCase(t, domain.Process{ProcessType: domain.TypeFirearmsOIL, PaperLicenceOnly: true})
	env.prepare(t, p.ID)
	env.drain(t)

	assert.Empty(t, env.handoff.calls)
	proc, err := env.Repo.GetProcess(context.Background(), nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, proc.Status)
}

func TestFailureParksInDocumentErrorAndRetryKeepsReferences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.signingCase(t, domain.Process{ProcessType: domain.TypeCFS, Countries: []string{"FR", "DE"}})
	env.renderer.fail("DE", true)

	b := env.prepare(t, p.ID)
	env.drain(t)

	got, err := env.Repo.GetBarrier(ctx, nil, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierFailed, got.Status)
	assert.Equal(t, []string{domain.TaskDocumentError}, env.activeTypes(t, p.ID))

	errTask, err := env.orch.Ledger.ActiveTask(ctx, nil, p.ID, domain.TaskDocumentError)
	require.NoError(t, err)
	var data struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, ledger.DecodeData(errTask, &data))
	require.Len(t, data.Errors, 1)
	assert.Contains(t, data.Errors[0], "template engine unavailable")

	draft, err := env.orch.Packs.GetDraft(ctx, nil, p.ID)
	require.NoError(t, err)
	before, err := env.Repo.CDRsByPack(ctx, nil, draft.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)

	env.renderer.fail("DE", false)
	require.NoError(t, env.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		if _, err := env.orch.Ledger.Transition(ctx, tx, ledger.TransitionRequest{ProcessID: p.ID, From: domain.TaskDocumentError, To: domain.TaskDocumentSigning}); err != nil {
			return err
		}
		_, err := env.orch.Prepare(ctx, tx, p.ID, "alice")
		return err
	}))
	env.drain(t)

	proc, err := env.Repo.GetProcess(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, proc.Status)

	active, err := env.orch.Packs.GetActive(ctx, nil, p.ID)
	require.NoError(t, err)
	after, err := env.Repo.CDRsByPack(ctx, nil, active.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, *before[i].Reference, *after[i].Reference)
		assert.NotNil(t, after[i].FileKey)
	}
	assert.Equal(t, "CFS/2026/00001", *after[0].Reference)
	assert.Equal(t, "CFS/2026/00002", *after[1].Reference)
}

func TestEnsureReferenceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.signingCase(t, domain.Process{ProcessType: domain.TypeFirearmsSIL})
	env.prepare(t, p.ID)

	draft, err := env.orch.Packs.GetDraft(ctx, nil, p.ID)
	require.NoError(t, err)
	docs, err := env.Repo.CDRsByPack(ctx, nil, draft.ID)
	require.NoError(t, err)
	countersBefore, err := env.Repo.ListCounters(ctx)
	require.NoError(t, err)

	require.NoError(t, env.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		for _, c := range docs {
			got, allocated, err := env.orch.EnsureReference(ctx, tx, p, c, "alice")
			if err != nil {
				return err
			}
			assert.False(t, allocated)
			assert.Equal(t, *c.Reference, *got.Reference)
		}
		return nil
	}))
	countersAfter, err := env.Repo.ListCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, countersBefore, countersAfter)
}

func TestRecreateSupersedesOpenBarrier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.signingCase(t, domain.Process{ProcessType: domain.TypeTextiles})

	first := env.prepare(t, p.ID)
	require.NoError(t, env.Locks.WithTx(ctx, func(tx *lock.Tx) error {
		if _, err := env.orch.Ledger.Transition(ctx, tx, ledger.TransitionRequest{ProcessID: p.ID, From: domain.TaskDocumentSigning, To: domain.TaskDocumentSigning}); err != nil {
			return err
		}
		_, err := env.orch.Prepare(ctx, tx, p.ID, "alice")
		return err
	}))
	env.drain(t)

	got, err := env.Repo.GetBarrier(ctx, nil, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierSuperseded, got.Status)
	assert.Equal(t, 0, got.Succeeded)

	latest, jobs, err := env.orch.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, latest.ID)
	assert.Equal(t, domain.BarrierSucceeded, latest.Status)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobSucceeded, jobs[0].Status)

	proc, err := env.Repo.GetProcess(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, proc.Status)
}

func TestLateResultsAfterFailureAreDiscarded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.signingCase(t, domain.Process{ProcessType: domain.TypeCOM, Countries: []string{"DE", "FR", "IT"}})
	env.renderer.fail("DE", true)
	b := env.prepare(t, p.ID)

	jobs, err := env.Repo.JobsByBarrier(ctx, nil, b.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	var failing domain.Job
	for _, j := range jobs {
		c, err := env.Repo.GetCDR(ctx, nil, j.CDRID)
		require.NoError(t, err)
		if *c.Country == "DE" {
			failing = j
		}
	}
	_, err = env.orch.RunJob(ctx, failing)
	require.NoError(t, err)
	env.drain(t)

	got, err := env.Repo.GetBarrier(ctx, nil, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierFailed, got.Status)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 0, got.Succeeded, "results after the first failure are not counted")
	assert.Equal(t, []string{domain.TaskDocumentError}, env.activeTypes(t, p.ID))
}

func TestCancelledWorkerStillResolvesBarrier(t *testing.T) {
	env := newTestEnv(t)
	p := env.signingCase(t, domain.Process{ProcessType: domain.TypeSPS})
	b := env.prepare(t, p.ID)

	ctx, cancel := context.WithCancel(context.Background())
	job, err := env.orch.Claim(ctx, "w")
	require.NoError(t, err)
	// the pool shuts down while the job renders
	env.renderer.before = func(string) { cancel() }

	_, err = env.orch.RunJob(ctx, job)
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	bg := context.Background()
	got, err := env.Repo.GetBarrier(bg, nil, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierSucceeded, got.Status)
	jobs, err := env.Repo.JobsByBarrier(bg, nil, b.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobSucceeded, jobs[0].Status)
	assert.Empty(t, env.activeTypes(t, p.ID))
}

func TestDiscardedResultKeepsPreviousFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.signingCase(t, domain.Process{ProcessType: domain.TypeCFS, Countries: []string{"FR", "DE"}})
	env.renderer.fail("DE", true)
	jobsOf := func(b domain.Barrier) map[string]domain.Job {
		jobs, err := env.Repo.JobsByBarrier(ctx, nil, b.ID)
		require.NoError(t, err)
		byCountry := map[string]domain.Job{}
		for _, j := range jobs {
			c, err := env.Repo.GetCDR(ctx, nil, j.CDRID)
			require.NoError(t, err)
			byCountry[*c.Country] = j
		}
		return byCountry
	}
	initial := jobsOf(env.prepare(t, p.ID))
	for _, country := range []string{"FR", "DE"} {
		_, err := env.orch.RunJob(ctx, initial[country])
		require.NoError(t, err)
	}

	draft, err := env.orch.Packs.GetDraft(ctx, nil, p.ID)
	require.NoError(t, err)
	fileOf := func(country string) *string {
		docs, err := env.Repo.CDRsByPack(ctx, nil, draft.ID)
		require.NoError(t, err)
		for _, c := range docs {
			if *c.Country == country {
				return c.FileKey
			}
		}
		t.Fatalf("no document for %s", country)
		return nil
	}
	require.NotNil(t, fileOf("FR"))
	first := *fileOf("FR")

	retry := func(at time.Duration) domain.Barrier {
		env.orch.Now = func() time.Time { return dbtest.FixedNow.Add(at) }
		var b domain.Barrier
		require.NoError(t, env.Locks.WithTx(ctx, func(tx *lock.Tx) error {
			if _, err := env.orch.Ledger.Transition(ctx, tx, ledger.TransitionRequest{ProcessID: p.ID, From: domain.TaskDocumentError, To: domain.TaskDocumentSigning}); err != nil {
				return err
			}
			var err error
			b, err = env.orch.Prepare(ctx, tx, p.ID, "alice")
			return err
		}))
		return b
	}

	// DE fails the barrier while FR is rendering; FR's new file is discarded
	b := retry(time.Hour)
	byCountry := jobsOf(b)
	env.renderer.before = func(country string) {
		if country != "FR" {
			return
		}
		env.renderer.before = nil
		_, err := env.orch.RunJob(ctx, byCountry["DE"])
		require.NoError(t, err)
	}
	_, err = env.orch.RunJob(ctx, byCountry["FR"])
	require.NoError(t, err)

	got, err := env.Repo.GetBarrier(ctx, nil, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierFailed, got.Status)
	require.NotNil(t, fileOf("FR"))
	assert.Equal(t, first, *fileOf("FR"))
	keys, err := env.store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first}, keys)

	// a successful retry replaces the file and drops the old one
	env.renderer.fail("DE", false)
	retry(2 * time.Hour)
	env.drain(t)
	keys, err = env.store.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.NotContains(t, keys, first)
	assert.Contains(t, keys, *fileOf("FR"))
}
