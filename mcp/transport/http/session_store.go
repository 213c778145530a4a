package http

import (
	"errors"
	"sync"
	"time"

	"github.com/agentuity/mcp-gateway/mcp/transport"
)

// ErrSessionExists indicates a session id collision on register. Ids are
// generated internally, so this is a bug-class invariant rather than a
// recoverable condition.
var ErrSessionExists = errors.New("session already registered")

// Session is a durable binding between a client and one stateful transport,
// exclusively owned by the registry.
type Session struct {
	ID        string
	CreatedAt time.Time
	Transport *transport.StatefulTransport

	mu         sync.Mutex
	lastAccess time.Time
}

func NewSession(id string, t *transport.StatefulTransport) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		Transport:  t,
		lastAccess: now,
	}
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// SessionRegistry is the single owner of all live sessions. All operations
// are safe under concurrent invocation; no caller may hold its lock across
// an engine call.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

func (r *SessionRegistry) Register(session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return ErrSessionExists
	}
	r.sessions[session.ID] = session
	return nil
}

func (r *SessionRegistry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()

	if ok {
		session.Touch()
	}
	return session, ok
}

// Remove deletes a session from the registry. Removing an absent id is a
// no-op.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions. The slice is a copy; the sessions
// are live.
func (r *SessionRegistry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

// IdleSince returns sessions whose last access is older than the cutoff.
func (r *SessionRegistry) IdleSince(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, session := range r.sessions {
		if session.LastAccess().Before(cutoff) {
			out = append(out, session)
		}
	}
	return out
}

// Clear empties the registry without closing transports; callers drain
// transports first during shutdown.
func (r *SessionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session)
}
