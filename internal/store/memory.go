package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store used for local runs and tests.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
	// FailWrites makes every Set fail with the returned error when non-nil.
	FailWrites func(path string) error
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (m *Memory) Set(ctx context.Context, path string, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.FailWrites != nil {
		if err := m.FailWrites(path); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.docs[path] = append([]byte(nil), doc...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := path + "/"
	for k := range m.docs {
		if k == path || strings.HasPrefix(k, prefix) {
			delete(m.docs, k)
		}
	}
	return nil
}

// Paths lists stored paths; used by the status endpoint and tests.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.docs))
	for k := range m.docs {
		out = append(out, k)
	}
	return out
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	return nil
}
