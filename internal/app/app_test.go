package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/scheduler"
)

func TestOpenWiresDefaults(t *testing.T) {
	a, err := Open(t.TempDir(), config.Default(), Options{})
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, []string{"orphan_sweep", "stalled_generation_report", "webhook_dispatch"}, a.Scheduler.Jobs())
	for _, name := range a.Scheduler.Jobs() {
		require.True(t, a.Scheduler.RunOnce(context.Background(), name))
	}

	p, err := a.Engine.CreateProcess(context.Background(), engine.CreateOptions{ProcessType: domain.TypeSPS, ActorID: "cw-1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, p.Status)
}

func TestOpenRejectsUnknownJob(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Jobs = append(cfg.Scheduler.Jobs, config.JobConfig{Name: "reindex", Every: 1})
	_, err := Open(t.TempDir(), cfg, Options{})
	require.ErrorIs(t, err, scheduler.ErrUnknownJob)
}
