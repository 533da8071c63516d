package worker

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

	"caseline/internal/domain"
	"caseline/internal/generation"
)

type fakeRunner struct {
	mu      sync.Mutex
	queue   []domain.Job
	ran     []string
	claimed map[string]string
	failJob string
}

func newFakeRunner(ids ...string) *fakeRunner {
	r := &fakeRunner{claimed: map[string]string{}}
	for _, id := range ids {
		r.queue = append(r.queue, domain.Job{ID: id, BarrierID: "b1", Status: domain.JobQueued})
	}
	return r
}

func (r *fakeRunner) Claim(_ context.Context, worker string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return domain.Job{}, generation.ErrQueueEmpty
	}
	j := r.queue[0]
	r.queue = r.queue[1:]
	r.claimed[j.ID] = worker
	return j, nil
}

func (r *fakeRunner) RunJob(_ context.Context, job domain.Job) (domain.Barrier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, job.ID)
	if job.ID == r.failJob {
		return domain.Barrier{}, errors.New("database is locked")
	}
	return domain.Barrier{ID: job.BarrierID, Status: domain.BarrierOpen}, nil
}

func quiet() Option {
	return WithLogger(log.New(io.Discard, "", 0))
}

func TestRunOnceEmptyQueue(t *testing.T) {
	p := New(newFakeRunner(), quiet())
	ran, err := p.RunOnce(context.Background(), "w")
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunOnceReportsJobError(t *testing.T) {
	r := newFakeRunner("j1")
	r.failJob = "j1"
	p := New(r, quiet())
	ran, err := p.RunOnce(context.Background(), "w")
	assert.True(t, ran)
	assert.ErrorContains(t, err, "job j1")
}

func TestDrainRunsEveryJobOnce(t *testing.T) {
	r := newFakeRunner("j1", "j2", "j3", "j4", "j5", "j6", "j7")
	p := New(r, quiet(), WithSize(3), WithName("test"))
	require.NoError(t, p.Drain(context.Background()))
	assert.ElementsMatch(t, []string{"j1", "j2", "j3", "j4", "j5", "j6", "j7"}, r.ran)
	for _, w := range r.claimed {
		assert.Contains(t, w, "test/drain-")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newFakeRunner("j1", "j2")
	p := New(r, quiet(), WithSize(2), WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.ran) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestOptionsIgnoreNonPositive(t *testing.T) {
	p := New(newFakeRunner(), WithSize(0), WithInterval(-1))
	assert.Equal(t, DefaultSize, p.size)
	assert.Equal(t, DefaultInterval, p.interval)
}
