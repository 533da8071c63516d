// Package scheduler runs named housekeeping jobs on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"caseline/internal/config"
)

var ErrUnknownJob = errors.New("unknown scheduler job")

// Func is one run of a scheduled job.
type Func func(ctx context.Context) error

// Registry maps job names to implementations. The caller builds it.
type Registry map[string]Func

func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type entry struct {
	name  string
	every time.Duration
	run   Func
}

type Scheduler struct {
	entries []entry
	logger  *log.Logger
}

// New resolves the configured table against the registry. Every name must be
// registered.
func New(jobs []config.JobConfig, reg Registry, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{logger: logger}
	for _, job := range jobs {
		run, ok := reg[job.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s (registered: %v)", ErrUnknownJob, job.Name, reg.Names())
		}
		if job.Every <= 0 {
			return nil, fmt.Errorf("scheduler job %s needs a positive interval", job.Name)
		}
		s.entries = append(s.entries, entry{name: job.Name, every: job.Every, run: run})
	}
	return s, nil
}

// Jobs returns the scheduled job names in configured order.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.name)
	}
	return out
}

// Run ticks every entry until ctx is done. Job errors are logged and do not
// stop the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range s.entries {
		e := e
		g.Go(func() error {
			ticker := time.NewTicker(e.every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.RunOnce(ctx, e.name)
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce runs one job by name and reports whether it was found.
func (s *Scheduler) RunOnce(ctx context.Context, name string) bool {
	for _, e := range s.entries {
		if e.name != name {
			continue
		}
		start := time.Now()
		if err := e.run(ctx); err != nil {
			s.logger.Printf("scheduler: job=%s failed: %v", e.name, err)
		} else {
			s.logger.Printf("scheduler: job=%s done in %s", e.name, time.Since(start).Round(time.Millisecond))
		}
		return true
	}
	return false
}
