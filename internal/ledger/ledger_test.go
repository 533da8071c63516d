package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/db/dbtest"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/lock"
)

type testEnv struct {
	dbtest.Env
	ledger Ledger
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	env := dbtest.New(t)
	now := func() time.Time { return dbtest.FixedNow }
	return testEnv{
		Env:    env,
		ledger: Ledger{Repo: env.Repo, Events: events.Writer{Now: now}, Now: now},
	}
}

func (e testEnv) newProcess(t *testing.T, status string) string {
	t.Helper()
	ts := dbtest.FixedNow.Format(time.RFC3339)
	p := domain.Process{ID: "p-" + t.Name(), ProcessType: domain.TypeFirearmsSIL, Status: status, IsActive: true, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, e.Repo.InsertProcess(context.Background(), nil, p))
	return p.ID
}

func (e testEnv) tx(t *testing.T, fn func(tx *lock.Tx) error) error {
	t.Helper()
	return e.Locks.WithTx(context.Background(), fn)
}

func TestTransitionChainsHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newProcess(t, domain.StatusInProgress)

	var prepare, process domain.Task
	require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
		var err error
		prepare, err = env.ledger.Start(ctx, tx, id, "alice")
		return err
	}))
	require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
		var err error
		process, err = env.ledger.Transition(ctx, tx, TransitionRequest{ProcessID: id, From: domain.TaskPrepare, To: domain.TaskProcess, Actor: "alice", Status: domain.StatusSubmitted})
		return err
	}))

	require.NotNil(t, process.PreviousID)
	assert.Equal(t, prepare.ID, *process.PreviousID)

	types, err := env.ledger.ActiveTaskTypes(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.TaskProcess}, types)

	history, err := env.ledger.History(ctx, nil, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsActive)
	require.NotNil(t, history[0].Owner)
	assert.Equal(t, "alice", *history[0].Owner)
	assert.NotNil(t, history[0].FinishedAt)

	p, err := env.Repo.GetProcess(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, p.Status)
}

func TestTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newProcess(t, domain.StatusInProgress)
	require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Start(ctx, tx, id, "alice")
		return err
	}))

	err := env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Transition(ctx, tx, TransitionRequest{ProcessID: id, From: domain.TaskProcess, To: domain.TaskAuthorise})
		return err
	})
	assert.ErrorIs(t, err, ErrTaskNotFound)

	err = env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Transition(ctx, tx, TransitionRequest{ProcessID: id, From: domain.TaskPrepare, To: domain.TaskAuthorise})
		return err
	})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, env.Repo.SetProcessStatus(ctx, nil, id, domain.StatusProcessing, "x"))
	err = env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Transition(ctx, tx, TransitionRequest{ProcessID: id, From: domain.TaskPrepare, To: domain.TaskProcess})
		return err
	})
	assert.ErrorIs(t, err, ErrIllegalStatus)

	types, err := env.ledger.ActiveTaskTypes(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.TaskPrepare}, types, "failed guards leave the ledger untouched")
}

func TestInactiveProcessRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newProcess(t, domain.StatusInProgress)
	require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Start(ctx, tx, id, "alice")
		return err
	}))
	p, err := env.Repo.GetProcess(ctx, nil, id)
	require.NoError(t, err)
	p.IsActive = false
	require.NoError(t, env.Repo.UpdateProcess(ctx, nil, p))

	err = env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Transition(ctx, tx, TransitionRequest{ProcessID: id, From: domain.TaskPrepare, To: domain.TaskProcess})
		return err
	})
	assert.ErrorIs(t, err, ErrProcessInactive)
}

func TestSideTaskRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newProcess(t, domain.StatusVariationRequested)
	require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
		if _, err := env.ledger.Open(ctx, tx, OpenRequest{ProcessID: id, Type: domain.TaskProcess}); err != nil {
			return err
		}
		_, err := env.ledger.Open(ctx, tx, OpenRequest{ProcessID: id, Type: domain.TaskVariationChange, AllowSideTasks: true})
		return err
	}))

	// a second primary task is never allowed
	err := env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Open(ctx, tx, OpenRequest{ProcessID: id, Type: domain.TaskAuthorise, AllowSideTasks: true})
		return err
	})
	assert.ErrorIs(t, err, ErrUnexpectedTasks)

	// the side task blocks transitions that did not opt in
	err = env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Transition(ctx, tx, TransitionRequest{ProcessID: id, From: domain.TaskProcess, To: domain.TaskAuthorise})
		return err
	})
	assert.ErrorIs(t, err, ErrUnexpectedTasks)

	// a missing From task wins over the other active tasks
	err = env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Transition(ctx, tx, TransitionRequest{ProcessID: id, From: domain.TaskAuthorise, To: domain.TaskDocumentSigning})
		return err
	})
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.NotErrorIs(t, err, ErrUnexpectedTasks)

	require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Finish(ctx, tx, FinishRequest{ProcessID: id, Type: domain.TaskVariationChange, Actor: "bob"})
		return err
	}))
	types, err := env.ledger.ActiveTaskTypes(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.TaskProcess}, types)
}

func TestFinishRequiresTerminalTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newProcess(t, domain.StatusInProgress)
	require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Start(ctx, tx, id, "alice")
		return err
	}))
	err := env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Finish(ctx, tx, FinishRequest{ProcessID: id, Type: domain.TaskPrepare})
		return err
	})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTaskDataRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newProcess(t, domain.StatusProcessing)
	var task domain.Task
	require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
		if _, err := env.ledger.Open(ctx, tx, OpenRequest{ProcessID: id, Type: domain.TaskChiefWait}); err != nil {
			return err
		}
		var err error
		task, err = env.ledger.Transition(ctx, tx, TransitionRequest{
			ProcessID: id, From: domain.TaskChiefWait, To: domain.TaskChiefError,
			Data: map[string][]string{"errors": {"bad commodity code"}},
		})
		return err
	}))
	var data struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, DecodeData(task, &data))
	assert.Equal(t, []string{"bad commodity code"}, data.Errors)
}

func TestNoDuplicatePrimaryTypes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newProcess(t, domain.StatusProcessing)
	steps := [][2]string{
		{domain.TaskProcess, domain.TaskAuthorise},
		{domain.TaskAuthorise, domain.TaskDocumentSigning},
		{domain.TaskDocumentSigning, domain.TaskDocumentError},
		{domain.TaskDocumentError, domain.TaskDocumentSigning},
		{domain.TaskDocumentSigning, domain.TaskDocumentSigning},
		{domain.TaskDocumentSigning, domain.TaskChiefWait},
		{domain.TaskChiefWait, domain.TaskChiefError},
		{domain.TaskChiefError, domain.TaskProcess},
	}
	require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
		_, err := env.ledger.Open(ctx, tx, OpenRequest{ProcessID: id, Type: domain.TaskProcess})
		return err
	}))
	for _, s := range steps {
		require.NoError(t, env.tx(t, func(tx *lock.Tx) error {
			_, err := env.ledger.Transition(ctx, tx, TransitionRequest{ProcessID: id, From: s[0], To: s[1]})
			return err
		}), "%s -> %s", s[0], s[1])
		types, err := env.ledger.ActiveTaskTypes(ctx, nil, id)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, tt := range types {
			assert.False(t, seen[tt], "duplicate active %s", tt)
			seen[tt] = true
		}
		assert.Len(t, types, 1)
	}
}
