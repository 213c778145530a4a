package eventstore

import (
	"context"
	"encoding/json"
	"sync"
)

const DefaultCapacity = 1024

// InMemoryStore keeps a capacity-bounded ring of events per session. When
// the bound is exceeded the oldest entries are dropped; a replay cursor that
// predates the retained window yields ErrEventGap.
type InMemoryStore struct {
	capacity int
	mu       sync.RWMutex
	logs     map[string]*sessionLog
}

type sessionLog struct {
	mu      sync.Mutex
	lastSeq uint64
	events  []Event // ordered, events[0].Sequence is the oldest retained
}

type InMemoryStoreOption func(*InMemoryStore)

// WithCapacity bounds the number of retained events per session.
func WithCapacity(capacity int) InMemoryStoreOption {
	return func(s *InMemoryStore) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

func NewInMemoryStore(options ...InMemoryStoreOption) *InMemoryStore {
	store := &InMemoryStore{
		capacity: DefaultCapacity,
		logs:     make(map[string]*sessionLog),
	}
	for _, option := range options {
		option(store)
	}
	return store
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) log(sessionID string, create bool) *sessionLog {
	s.mu.RLock()
	l, ok := s.logs[sessionID]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[sessionID]; ok {
		return l
	}
	l = &sessionLog{}
	s.logs[sessionID] = l
	return l
}

func (s *InMemoryStore) Append(ctx context.Context, sessionID string, payload json.RawMessage) (uint64, error) {
	l := s.log(sessionID, true)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	l.events = append(l.events, Event{Sequence: l.lastSeq, Payload: payload})
	if len(l.events) > s.capacity {
		l.events = l.events[len(l.events)-s.capacity:]
	}
	return l.lastSeq, nil
}

func (s *InMemoryStore) Replay(ctx context.Context, sessionID string, afterSeq uint64) ([]Event, error) {
	l := s.log(sessionID, false)
	if l == nil {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == 0 {
		if afterSeq < l.lastSeq {
			return nil, ErrEventGap
		}
		return nil, nil
	}

	oldest := l.events[0].Sequence
	if afterSeq+1 < oldest {
		return nil, ErrEventGap
	}

	out := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Drop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, sessionID)
	return nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = make(map[string]*sessionLog)
	return nil
}
