package store

import (
	"sync"
	"time"

	"github.com/whaleflow/whaleflow/internal/models"
)

// InMemoryStore is a non-durable Store used by tests and ephemeral runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]models.Session)}
}

// GetSession returns a copy of the stored session, or nil if absent.
func (s *InMemoryStore) GetSession(phone string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[phone]
	if !ok {
		return nil, nil
	}
	// Copy the variable map so callers cannot mutate the stored record.
	variables := make(map[string]string, len(session.Variables))
	for k, v := range session.Variables {
		variables[k] = v
	}
	session.Variables = variables
	return &session, nil
}

// SaveSession overwrites the identity's session record.
func (s *InMemoryStore) SaveSession(session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	variables := make(map[string]string, len(session.Variables))
	for k, v := range session.Variables {
		variables[k] = v
	}
	session.Variables = variables
	s.sessions[session.Phone] = session
	return nil
}

// DeleteSession removes the identity's session.
func (s *InMemoryStore) DeleteSession(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, phone)
	return nil
}

// CountSessions returns the number of stored sessions.
func (s *InMemoryStore) CountSessions() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// DeleteIdleSessions removes sessions idle since before the cutoff.
func (s *InMemoryStore) DeleteIdleSessions(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for phone, session := range s.sessions {
		if session.LastActivity.Before(cutoff) {
			delete(s.sessions, phone)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
