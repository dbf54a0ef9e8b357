package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Gauge receives the number of live sessions. It may be nil.
type Gauge interface {
	SetSessions(n int)
}

type Manager struct {
	asker     Asker
	demoDelay time.Duration
	gauge     Gauge

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(asker Asker, demoDelay time.Duration, gauge Gauge) *Manager {
	return &Manager{
		asker:     asker,
		demoDelay: demoDelay,
		gauge:     gauge,
		sessions:  make(map[string]*Session),
	}
}

// NewSession creates an empty session. Call Begin once the repository is ready.
func (m *Manager) NewSession(repository string, demo bool) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.New().String(),
		Repository: repository,
		Demo:       demo,
		CreatedAt:  now,
		lastUsed:   now,
		asker:      m.asker,
		demoDelay:  m.demoDelay,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	if m.gauge != nil {
		m.gauge.SetSessions(n)
	}
	return s
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Prune drops idle sessions last used before maxAge ago and returns their IDs.
// Sessions with a send in flight are kept.
func (m *Manager) Prune(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var removed []string
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := !s.busy && s.lastUsed.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if m.gauge != nil {
		m.gauge.SetSessions(n)
	}
	return removed
}
