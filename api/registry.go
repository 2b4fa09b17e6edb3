package api

import (
	"sync"
	"time"

	"github.com/billdora/billing-engine/session"
)

// SessionRegistry holds the open billing sessions of this process, keyed by
// session id. Sessions are independent; the registry only finds them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*session.Session)}
}

// Add registers a session.
func (r *SessionRegistry) Add(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Get finds a session by id.
func (r *SessionRegistry) Get(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove forgets a session.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Expire removes sessions idle longer than ttl and returns their ids.
// Sessions mid-commit are never removed.
func (r *SessionRegistry) Expire(now time.Time, ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, s := range r.sessions {
		if s.Expired(now, ttl) {
			delete(r.sessions, id)
			expired = append(expired, id)
		}
	}
	return expired
}
