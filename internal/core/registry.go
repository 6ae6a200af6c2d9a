package core

import (
	"sync"

	"medical-translator/pkg"
)

// Registry tracks the live sessions of this process so that late message
// confirmations can reach them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	id := s.ID()
	if id == "" {
		return
	}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConfirmPersisted marks a replayed message as stored in its live session.
// It reports false once the session has gone.
func (r *Registry) ConfirmPersisted(sessionID, localID string, stored *pkg.Message) bool {
	s, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	return s.conv.ConfirmPersisted(localID, stored)
}
