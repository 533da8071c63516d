package housekeeping

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"caseline/internal/domain"
	"caseline/internal/storage"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fileIndex map[string]bool

func (f fileIndex) FileKeys(context.Context) (map[string]bool, error) { return f, nil }

type barriers struct {
	open   []domain.Barrier
	cutoff string
}

func (b *barriers) OpenBarriersBefore(_ context.Context, cutoff string) ([]domain.Barrier, error) {
	b.cutoff = cutoff
	var out []domain.Barrier
	for _, x := range b.open {
		if x.CreatedAt < cutoff {
			out = append(out, x)
		}
	}
	return out, nil
}

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	kept := storage.Key("proc-1", "LICENCE", "cdr-1", now.Add(-72*time.Hour), "licence.txt")
	orphan := storage.Key("proc-1", "LICENCE", "cdr-2", now.Add(-48*time.Hour), "licence.txt")
	fresh := storage.Key("proc-1", "LICENCE", "cdr-3", now.Add(-time.Hour), "licence.txt")
	for _, k := range []string{kept, orphan, fresh, "README"} {
		_, err := store.Put(ctx, k, []byte("x"))
		require.NoError(t, err)
	}

	var logs bytes.Buffer
	jobs := Jobs{Store: store, Files: fileIndex{kept: true}, Logger: log.New(&logs, "", 0), Now: func() time.Time { return now }}
	deleted, err := jobs.SweepOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{orphan}, deleted)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{kept, fresh, "README"}, keys)
	require.Contains(t, logs.String(), "skip foreign key")
}

func TestReportStalled(t *testing.T) {
	src := &barriers{open: []domain.Barrier{
		{ID: "b-old", ProcessID: "proc-1", Total: 3, Succeeded: 1, CreatedAt: now.Add(-2 * time.Hour).Format(time.RFC3339)},
		{ID: "b-new", ProcessID: "proc-2", Total: 1, CreatedAt: now.Add(-time.Minute).Format(time.RFC3339)},
	}}
	var logs bytes.Buffer
	jobs := Jobs{Barriers: src, StallThreshold: time.Hour, Logger: log.New(&logs, "", 0), Now: func() time.Time { return now }}
	stalled, err := jobs.ReportStalled(context.Background())
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	require.Equal(t, "b-old", stalled[0].ID)
	require.Equal(t, "2026-03-14T11:00:00Z", src.cutoff)
	require.Contains(t, logs.String(), "barrier=b-old process=proc-1")
	require.Contains(t, logs.String(), "done=1/3")
}
