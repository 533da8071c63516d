// Package app assembles a runnable caseline instance from a workspace config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"caseline/internal/authority"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/gateway"
	"caseline/internal/housekeeping"
	"caseline/internal/migrate"
	"caseline/internal/scheduler"
	"caseline/internal/signing"
	"caseline/internal/storage"
	"caseline/internal/webhook"
	"caseline/internal/worker"
)

// App holds the long-lived components of one workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    *engine.Engine
	Pool      *worker.Pool
	Scheduler *scheduler.Scheduler
	Logger    *log.Logger
}

type Options struct {
	Logger *log.Logger
	Now    func() time.Time
	// Sender overrides the authority client built from config.
	Sender gateway.Sender
}

// Open migrates the workspace database and wires every collaborator from cfg.
func Open(workspace string, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	var signer signing.Signer = signing.Nop{}
	if cfg.Signing.CertFile != "" {
		s, err := signing.LoadPKCS7(cfg.Signing.CertFile, cfg.Signing.KeyFile)
		if err != nil {
			conn.Close()
			return nil, err
		}
		signer = s
	}
	var store storage.Store = storage.NewMemory()
	if path := cfg.StoragePath(workspace); path != "" {
		store = storage.NewDiskv(path)
	}
	sender := opts.Sender
	if sender == nil {
		sender = senderFor(cfg, opts.Logger)
	}
	eng := engine.New(conn, dialect, engine.Collaborators{
		Signer: signer,
		Store:  store,
		Sender: sender,
		Logger: opts.Logger,
		Now:    opts.Now,
	})
	eng.Gateway.SendTimeout = cfg.Authority.Timeout
	pool := worker.New(eng.Generation,
		worker.WithLogger(opts.Logger),
		worker.WithSize(cfg.Workers.Size),
		worker.WithInterval(cfg.Workers.PollInterval),
	)
	jobs := housekeeping.Jobs{
		Store:          store,
		Files:          eng.Repo,
		Barriers:       eng.Repo,
		OrphanGrace:    cfg.Housekeeping.OrphanGrace,
		StallThreshold: cfg.Housekeeping.StallThreshold,
		Logger:         opts.Logger,
		Now:            opts.Now,
	}
	sched, err := scheduler.New(cfg.Scheduler.Jobs, Registry(jobs, webhook.New(eng.Repo, cfg.Webhooks, opts.Logger)), opts.Logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    eng,
		Pool:      pool,
		Scheduler: sched,
		Logger:    opts.Logger,
	}, nil
}

// Registry lists the jobs the scheduler may run.
func Registry(jobs housekeeping.Jobs, hooks *webhook.Dispatcher) scheduler.Registry {
	return scheduler.Registry{
		"orphan_sweep": func(ctx context.Context) error {
			_, err := jobs.SweepOrphans(ctx)
			return err
		},
		"stalled_generation_report": func(ctx context.Context) error {
			_, err := jobs.ReportStalled(ctx)
			return err
		},
		"webhook_dispatch": hooks.Dispatch,
	}
}

func senderFor(cfg *config.Config, logger *log.Logger) gateway.Sender {
	url := strings.TrimSpace(cfg.Authority.URL)
	if url == "" {
		return authority.Discard{Logger: logger}
	}
	c := authority.New(url, cfg.Authority.APIKey)
	if cfg.Authority.Timeout > 0 {
		c.Timeout = cfg.Authority.Timeout
	}
	return c
}

func (a *App) Close() error {
	return a.DB.Close()
}
