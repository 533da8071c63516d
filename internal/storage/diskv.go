package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/peterbourgon/diskv/v3"
)

// Diskv stores files flat under a base directory.
type Diskv struct {
	diskv *diskv.Diskv
}

func NewDiskv(path string) *Diskv {
	return &Diskv{
		diskv: diskv.New(diskv.Options{
			BasePath:     path,
			Transform:    func(s string) []string { return []string{} },
			CacheSizeMax: 1024 * 1024,
		}),
	}
}

func (s *Diskv) Put(_ context.Context, key string, content []byte) (int64, error) {
	if err := s.diskv.Write(key, content); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

func (s *Diskv) Get(_ context.Context, key string) ([]byte, error) {
	if !s.diskv.Has(key) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.diskv.Read(key)
}

func (s *Diskv) Delete(_ context.Context, key string) error {
	if !s.diskv.Has(key) {
		return nil
	}
	return s.diskv.Erase(key)
}

func (s *Diskv) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	for k := range s.diskv.Keys(ctx.Done()) {
		keys = append(keys, k)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
