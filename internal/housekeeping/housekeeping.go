// Package housekeeping holds the scheduled maintenance jobs.
package housekeeping

import (
	"context"
	"fmt"
	"log"
	"time"

	"caseline/internal/domain"
	"caseline/internal/storage"
)

const (
	DefaultOrphanGrace    = 24 * time.Hour
	DefaultStallThreshold = 30 * time.Minute
)

// FileIndex lists the storage keys still referenced by documents.
type FileIndex interface {
	FileKeys(ctx context.Context) (map[string]bool, error)
}

type BarrierSource interface {
	OpenBarriersBefore(ctx context.Context, cutoff string) ([]domain.Barrier, error)
}

type Jobs struct {
	Store          storage.Store
	Files          FileIndex
	Barriers       BarrierSource
	OrphanGrace    time.Duration
	StallThreshold time.Duration
	Logger         *log.Logger
	Now            func() time.Time
}

func (j Jobs) now() time.Time {
	if j.Now != nil {
		return j.Now().UTC()
	}
	return time.Now().UTC()
}

func (j Jobs) logger() *log.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return log.Default()
}

// SweepOrphans deletes stored files no document references once they are
// older than the grace period. Files of a generation still in flight are
// younger than the grace period and survive. It returns the deleted keys.
func (j Jobs) SweepOrphans(ctx context.Context) ([]string, error) {
	grace := j.OrphanGrace
	if grace <= 0 {
		grace = DefaultOrphanGrace
	}
	keys, err := j.Store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored files: %w", err)
	}
	referenced, err := j.Files.FileKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list referenced files: %w", err)
	}
	cutoff := j.now().Add(-grace)
	var deleted []string
	for _, key := range keys {
		if referenced[key] {
			continue
		}
		at, err := storage.KeyTime(key)
		if err != nil {
			j.logger().Printf("housekeeping: skip foreign key %q: %v", key, err)
			continue
		}
		if !at.Before(cutoff) {
			continue
		}
		if err := j.Store.Delete(ctx, key); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", key, err)
		}
		deleted = append(deleted, key)
	}
	if len(deleted) > 0 {
		j.logger().Printf("housekeeping: orphan_sweep deleted=%d", len(deleted))
	}
	return deleted, nil
}

// ReportStalled logs barriers that stayed OPEN past the threshold. It never
// changes them; recreating the documents is the recovery.
func (j Jobs) ReportStalled(ctx context.Context) ([]domain.Barrier, error) {
	threshold := j.StallThreshold
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	cutoff := j.now().Add(-threshold).Format(time.RFC3339)
	stalled, err := j.Barriers.OpenBarriersBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, b := range stalled {
		j.logger().Printf("housekeeping: stalled generation barrier=%s process=%s created=%s done=%d/%d",
			b.ID, b.ProcessID, b.CreatedAt, b.Succeeded, b.Total)
	}
	return stalled, nil
}
