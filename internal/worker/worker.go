// Package worker runs queued document generation jobs on a pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"caseline/internal/domain"
	"caseline/internal/generation"
)

const (
	DefaultSize     = 4
	DefaultInterval = 2 * time.Second
)

// Runner claims and runs generation jobs.
type Runner interface {
	Claim(ctx context.Context, worker string) (domain.Job, error)
	RunJob(ctx context.Context, job domain.Job) (domain.Barrier, error)
}

type Pool struct {
	runner   Runner
	logger   *log.Logger
	size     int
	interval time.Duration
	name     string
}

type Option func(p *Pool)

func WithLogger(logger *log.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithSize sets the number of concurrent workers.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithInterval sets how long an idle worker sleeps before polling again.
func WithInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithName(name string) Option {
	return func(p *Pool) {
		p.name = name
	}
}

func New(runner Runner, opts ...Option) *Pool {
	host, _ := os.Hostname()
	p := &Pool{
		runner:   runner,
		logger:   log.Default(),
		size:     DefaultSize,
		interval: DefaultInterval,
		name:     fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Printf("worker: starting pool=%s size=%d interval=%s", p.name, p.size, p.interval)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := fmt.Sprintf("%s/%d", p.name, i)
		g.Go(func() error {
			return p.loop(ctx, id)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, id string) error {
	for {
		ran, err := p.RunOnce(ctx, id)
		if err != nil {
			p.logger.Printf("worker: %s: %v", id, err)
		}
		if ran {
			continue
		}
		select {
		case <-time.After(p.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce claims and runs at most one job. It reports whether a job ran.
func (p *Pool) RunOnce(ctx context.Context, id string) (bool, error) {
	job, err := p.runner.Claim(ctx, id)
	if errors.Is(err, generation.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	b, err := p.runner.RunJob(ctx, job)
	if err != nil {
		return true, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if b.Status != domain.BarrierOpen {
		p.logger.Printf("worker: %s: barrier=%s process=%s status=%s", id, b.ID, b.ProcessID, b.Status)
	}
	return true, nil
}

// Drain runs the pool until the queue is empty.
func (p *Pool) Drain(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := fmt.Sprintf("%s/drain-%d", p.name, i)
		g.Go(func() error {
			for {
				ran, err := p.RunOnce(ctx, id)
				if err != nil {
					return err
				}
				if !ran {
					return nil
				}
			}
		})
	}
	return g.Wait()
}
