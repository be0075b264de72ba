package call

import (
	"log/slog"
	"sync"
)

// Storage is the session registry owned by the conference layer. It is the
// single owner of every Session; the core and the API hold references only
// while a decision or a query is in flight.
type Storage struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	logger   *slog.Logger
}

// NewStorage creates an empty session registry.
func NewStorage(logger *slog.Logger) *Storage {
	return &Storage{
		sessions: make(map[uint64]*Session),
		logger:   logger.With("subsystem", "call-storage"),
	}
}

// Add registers a session.
func (st *Storage) Add(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
	st.logger.Debug("call added", "call_id", s.ID, "direction", s.Direction.String())
}

// Remove deletes a session from storage. Returns false if the session was
// not present (already removed).
func (st *Storage) Remove(id uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	st.logger.Debug("call removed", "call_id", id)
	return true
}

// Get returns the session with the given id, or nil.
func (st *Storage) Get(id uint64) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// All returns a snapshot of every session.
func (st *Storage) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (st *Storage) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
