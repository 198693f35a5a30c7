package cache

import (
	"context"
	"sync"
	"time"
)

const DefaultTTL = 24 * time.Hour

// Deduper remembers chat message ids so a webhook redelivered by the chat
// platform, or a record replayed after a lost ack, runs once.
type Deduper interface {
	// Claim reports whether id is seen for the first time and marks it.
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so a failed attempt can run again.
	Release(ctx context.Context, id string) error
}

type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryDeduper{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

var _ Deduper = (*MemoryDeduper)(nil)

func (m *MemoryDeduper) Claim(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, k)
		}
	}
	if _, ok := m.seen[id]; ok {
		return false, nil
	}
	m.seen[id] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryDeduper) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.seen, id)
	m.mu.Unlock()
	return nil
}
