package session

import (
	"context"
	"errors"
	"sync"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]model.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]model.Session)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(ctx context.Context, phone string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[NormalizePhone(phone)]
	if !ok {
		return nil, ErrNotFound
	}
	if s.InfoAlert != nil {
		ia := *s.InfoAlert
		s.InfoAlert = &ia
	}
	return &s, nil
}

func (m *MemoryStore) Add(ctx context.Context, sess *model.Session) error {
	phone := NormalizePhone(sess.Phone)
	if phone == "" {
		return errors.New("add session: empty phone")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := *sess
	s.Phone = phone
	s.Version = 1
	m.sessions[phone] = s
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, phone string, p Patch) error {
	return m.BulkUpdate(ctx, []string{phone}, p)
}

func (m *MemoryStore) BulkUpdate(ctx context.Context, phones []string, p Patch) error {
	if p.IsZero() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, phone := range NormalizeAll(phones) {
		m.applyLocked(phone, p)
	}
	return nil
}

func (m *MemoryStore) CompareAndUpdate(ctx context.Context, phone string, version int64, p Patch) error {
	phone = NormalizePhone(phone)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[phone].Version != version {
		return ErrVersionConflict
	}
	m.applyLocked(phone, p)
	return nil
}

func (m *MemoryStore) applyLocked(phone string, p Patch) {
	s, ok := m.sessions[phone]
	if !ok {
		s = model.Session{Phone: phone}
	}
	p.Apply(&s)
	s.Version++
	m.sessions[phone] = s
}
