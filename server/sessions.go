package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/chazu/quill/vm"
)

// Session is a workspace with its own environment. The environment's
// parent is the global environment, so definitions made in one session
// are invisible to the others.
type Session struct {
	ID      uuid.UUID
	Env     vm.EnvRef
	Created time.Time
	Evals   int
}

// SessionStore manages sessions. When the store is full, creating a
// session drops the least recently used one. Create and Destroy touch the
// heap and must run on the worker goroutine.
type SessionStore struct {
	mu       sync.Mutex
	heap     *vm.Heap
	global   vm.EnvRef
	sessions *simplelru.LRU[uuid.UUID, *Session]
}

// NewSessionStore creates a store holding at most max sessions.
func NewSessionStore(rt *vm.Runtime, max int) (*SessionStore, error) {
	s := &SessionStore{heap: rt.Heap, global: rt.Global}
	sessions, err := simplelru.NewLRU[uuid.UUID, *Session](max, func(id uuid.UUID, session *Session) {
		s.release(session)
		serverLog.Debugf("session %s dropped", id)
	})
	if err != nil {
		return nil, fmt.Errorf("server: session store: %w", err)
	}
	s.sessions = sessions
	return s, nil
}

// Create creates a session with a fresh environment.
func (s *SessionStore) Create() *Session {
	session := &Session{
		ID:      uuid.New(),
		Env:     s.heap.NewEnv(s.global, vm.NoEnv),
		Created: time.Now(),
	}
	s.heap.Pin(session.Env)

	s.mu.Lock()
	s.sessions.Add(session.ID, session)
	s.mu.Unlock()

	serverLog.Debugf("session %s created", session.ID)
	return session
}

// Get retrieves a session by ID and marks it as recently used.
func (s *SessionStore) Get(id uuid.UUID) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Get(id)
}

// Destroy removes a session and releases its environment. It reports
// whether the session existed.
func (s *SessionStore) Destroy(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Remove(id)
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Len()
}

// release unpins the session environment so the collector can reclaim it.
func (s *SessionStore) release(session *Session) {
	if s.heap.Valid(session.Env) {
		s.heap.Unpin(session.Env)
	}
}
