package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/col/core"
)

// Manager owns one Session per agent, mirroring the registry's
// map-plus-mutex layout.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	config   Config
	logger   core.Logger
}

// NewManager creates an empty session Manager.
func NewManager(config Config, logger core.Logger) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("col/session")
	}
	return &Manager{
		sessions: make(map[string]*Session),
		config:   config,
		logger:   logger,
	}
}

// GetOrCreate returns the existing session for agentID, creating one if
// absent.
func (m *Manager) GetOrCreate(agentID string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[agentID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[agentID]; ok {
		return s
	}
	s = New(agentID, m.config, m.logger)
	m.sessions[agentID] = s
	return s
}

// Get returns the session for agentID, or nil if none exists.
func (m *Manager) Get(agentID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[agentID]
}

// Remove shuts down and removes the session for agentID, if present.
func (m *Manager) Remove(agentID string, timeout time.Duration) error {
	m.mu.Lock()
	s, ok := m.sessions[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session: no session for agent %s", agentID)
	}
	delete(m.sessions, agentID)
	m.mu.Unlock()

	s.Shutdown(timeout)
	return nil
}

// All returns a snapshot of every live session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count reports how many sessions are currently tracked.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ShutdownAll shuts down every session, waiting up to timeout each.
func (m *Manager) ShutdownAll(timeout time.Duration) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Shutdown(timeout)
		}(s)
	}
	wg.Wait()
}
