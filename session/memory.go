package session

import (
	"context"
	"sync"
	"time"
)

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// TTL is the idle lifetime of a session; every write and every Open of
	// an existing session renews it (default: 24 hours).
	TTL time.Duration
	// Clock returns the current time (default: time.Now).
	Clock func() time.Time
}

// MemoryStore keeps sessions in process memory. It is safe for concurrent use;
// each individual call is serialized, sequences of calls are not.
//
// A session is only materialized by its first write, so requests that never
// store anything cost nothing. Idle sessions expire after the TTL: they are
// invisible from then on and are reclaimed lazily on access or by Sweep.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

type memoryEntry struct {
	values  map[string]string
	expires time.Time
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store with default settings.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryConfig{})
}

// NewMemoryStoreWithConfig creates an empty in-memory store.
func NewMemoryStoreWithConfig(cfg MemoryConfig) *MemoryStore {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		ttl:      cfg.TTL,
		now:      cfg.Clock,
	}
}

// Open returns a handle for id. Nothing is stored until the first Set.
func (s *MemoryStore) Open(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.live(id); e != nil {
		e.expires = s.now().Add(s.ttl)
	}
	return &memorySession{store: s, id: id}, nil
}

// Destroy removes the session and all of its keys.
func (s *MemoryStore) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len returns the number of unexpired sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, e := range s.sessions {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

// Sweep drops every expired session and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, e := range s.sessions {
		if !now.Before(e.expires) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Run calls Sweep every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// live returns the unexpired entry for id, dropping it if it has expired.
// Callers hold mu.
func (s *MemoryStore) live(id string) *memoryEntry {
	e, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if !s.now().Before(e.expires) {
		delete(s.sessions, id)
		return nil
	}
	return e
}

type memorySession struct {
	store *MemoryStore
	id    string
}

func (m *memorySession) ID() string { return m.id }

func (m *memorySession) Get(_ context.Context, key string) (string, bool, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	e := m.store.live(m.id)
	if e == nil {
		return "", false, nil
	}
	v, ok := e.values[key]
	return v, ok, nil
}

func (m *memorySession) Set(_ context.Context, key, value string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	e := m.store.live(m.id)
	if e == nil {
		e = &memoryEntry{values: make(map[string]string)}
		m.store.sessions[m.id] = e
	}
	e.values[key] = value
	e.expires = m.store.now().Add(m.store.ttl)
	return nil
}

func (m *memorySession) Delete(_ context.Context, keys ...string) (int, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	e := m.store.live(m.id)
	if e == nil {
		return 0, nil
	}
	n := 0
	for _, k := range keys {
		if _, ok := e.values[k]; ok {
			delete(e.values, k)
			n++
		}
	}
	if len(e.values) == 0 {
		delete(m.store.sessions, m.id)
	}
	return n, nil
}
