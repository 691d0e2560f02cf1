// Package memory is a non-durable store.SessionStore, used for tests and
// throwaway runs.
package memory

import (
	"context"
	"sync"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/store"
)

// Store keeps sessions in a map. Setting one of the Fail fields makes the
// matching operation return that error.
type Store struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	puts     int

	FailOpen   error
	FailGetAll error
	FailPut    error
	FailDelete error
}

var _ store.SessionStore = (*Store)(nil)

func New() *Store {
	return &Store{sessions: make(map[string]domain.Session)}
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailOpen
}

func (s *Store) GetAll(ctx context.Context) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailGetAll != nil {
		return nil, s.FailGetAll
	}
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, false, nil
	}
	return sess.Clone(), true, nil
}

func (s *Store) Put(ctx context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPut != nil {
		return s.FailPut
	}
	s.sessions[sess.ID] = sess.Clone()
	s.puts++
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDelete != nil {
		return s.FailDelete
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]domain.Session)
	return nil
}

func (s *Store) Close() error { return nil }

// Puts returns how many Put calls succeeded.
func (s *Store) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// SetFailPut changes FailPut under the lock.
func (s *Store) SetFailPut(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailPut = err
}
