package session

import (
	"context"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-memory Store. Sessions vanish on restart,
// so it is only suitable for local development and tests. The clock is
// injectable so expiry behavior can be tested without sleeping.
type Memory struct {
	mu    sync.Mutex
	items map[string]Record
	now   func() time.Time
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items: make(map[string]Record),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[rec.TokenHash] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, tokenHash string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.items[tokenHash]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.ExpiresAt <= m.now().Unix() {
		delete(m.items, tokenHash)
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Destroy(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, tokenHash)
	return nil
}

// Sweep drops every expired record and reports how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	removed := 0
	for hash, rec := range m.items {
		if rec.ExpiresAt <= now {
			delete(m.items, hash)
			removed++
		}
	}
	return removed
}
