// Package storage holds generated document files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("file not found")

// Store is the file storage collaborator.
type Store interface {
	// Put stores content under key and returns the stored size.
	Put(ctx context.Context, key string, content []byte) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

const keyTimeLayout = "20060102T150405Z"

// Key builds {caseId}_{documentType}_{cdrId}_{timestamp}_{filename}.
func Key(caseID, documentType, cdrID string, at time.Time, filename string) string {
	return strings.Join([]string{caseID, documentType, cdrID, at.UTC().Format(keyTimeLayout), SafeName(filename)}, "_")
}

// KeyTime extracts the timestamp segment of a key built by Key.
func KeyTime(key string) (time.Time, error) {
	parts := strings.Split(key, "_")
	if len(parts) < 5 {
		return time.Time{}, fmt.Errorf("malformed storage key %q", key)
	}
	return time.Parse(keyTimeLayout, parts[len(parts)-2])
}

// SafeName maps a file name onto characters valid in every key segment.
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{files: map[string][]byte{}}
}

func (m *Memory) Put(_ context.Context, key string, content []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = append([]byte(nil), content...)
	return int64(len(content)), nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.files[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, key)
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.files))
	for k := range m.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
