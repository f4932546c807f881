// Package replay remembers which provider callbacks were already handled.
package replay

import (
	"context"
	"sync"
	"time"
)

// Guard reports whether a key is seen for the first time within its TTL.
type Guard interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// Memory is a process-local Guard.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (m *Memory) FirstSeen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, k)
		}
	}
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = now.Add(m.ttl)
	return true, nil
}
