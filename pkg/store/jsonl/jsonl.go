package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/metrics"
	"github.com/nstogner/chatkeep/pkg/store"
)

const (
	backendName = "jsonl"
	fileName    = "sessions.jsonl"

	maxLineSize = 16 << 20
)

type op string

const (
	opPut    op = "put"
	opDelete op = "delete"
)

// record is one line of the log.
type record struct {
	Op        op              `json:"op"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Session   *domain.Session `json:"session,omitempty"`
}

// Store implements store.SessionStore as an append-only JSONL log. Put appends
// the full session, Delete appends a tombstone and reads replay the log with
// the last line per ID winning.
type Store struct {
	dir     string
	metrics *metrics.Metrics

	mu       sync.Mutex
	file     *os.File
	sessions map[string]domain.Session
}

// Verify interface compliance at compile time.
var _ store.SessionStore = (*Store)(nil)

// New returns a Store that keeps its log in dir.
func New(dir string, m *metrics.Metrics) *Store {
	return &Store{dir: dir, metrics: m}
}

// Path returns the absolute path of the log file.
func (s *Store) Path() string {
	p, err := filepath.Abs(filepath.Join(s.dir, fileName))
	if err != nil {
		return filepath.Join(s.dir, fileName)
	}
	return p
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *Store) openLocked() (err error) {
	if s.file != nil {
		return nil
	}
	defer s.observe("open", time.Now(), &err)

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %w", domain.ErrStorageUnavailable, s.dir, err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, fileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open log: %w", domain.ErrStorageUnavailable, err)
	}
	sessions, err := replay(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: replay log: %w", domain.ErrStorageUnavailable, err)
	}
	s.file = f
	s.sessions = sessions
	return nil
}

func replay(f *os.File) (map[string]domain.Session, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	sessions := make(map[string]domain.Session)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			// A torn final write should not make the whole log unreadable.
			slog.Warn("Skipping malformed session log line", "line", line, "error", err)
			continue
		}
		switch r.Op {
		case opPut:
			if r.Session != nil {
				sessions[r.ID] = *r.Session
			}
		case opDelete:
			delete(sessions, r.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.sessions = nil
	return err
}

func (s *Store) GetAll(ctx context.Context) (sessions []domain.Session, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("get_all", time.Now(), &err)

	if err := s.openLocked(); err != nil {
		return nil, err
	}
	sessions = make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess.Clone())
	}
	return sessions, nil
}

func (s *Store) Get(ctx context.Context, id string) (sess domain.Session, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("get", time.Now(), &err)

	if err := s.openLocked(); err != nil {
		return domain.Session{}, false, err
	}
	sess, found = s.sessions[id]
	if !found {
		return domain.Session{}, false, nil
	}
	return sess.Clone(), true, nil
}

func (s *Store) Put(ctx context.Context, sess domain.Session) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("put", time.Now(), &err)

	if err := s.openLocked(); err != nil {
		return err
	}
	c := sess.Clone()
	if err := s.writeLine(record{Op: opPut, ID: sess.ID, Timestamp: time.Now(), Session: &c}); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	s.sessions[sess.ID] = c
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("delete", time.Now(), &err)

	if err := s.openLocked(); err != nil {
		return err
	}
	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	if err := s.writeLine(record{Op: opDelete, ID: id, Timestamp: time.Now()}); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) Clear(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("clear", time.Now(), &err)

	if err := s.openLocked(); err != nil {
		return err
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	s.sessions = make(map[string]domain.Session)
	return nil
}

// Compact rewrites the log so it holds one put line per live session.
func (s *Store) Compact(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.observe("compact", time.Now(), &err)

	if err := s.openLocked(); err != nil {
		return err
	}

	tmpPath := filepath.Join(s.dir, fileName+".tmp")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	now := time.Now()
	for id, sess := range s.sessions {
		sess := sess
		if err := enc.Encode(record{Op: opPut, ID: id, Timestamp: now, Session: &sess}); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}

	s.file.Close()
	s.file = nil
	if err := os.Rename(tmpPath, filepath.Join(s.dir, fileName)); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	return s.openLocked()
}

func (s *Store) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *Store) observe(op string, start time.Time, err *error) {
	s.metrics.RecordStorage(backendName, op, start, *err)
}
