package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/metrics"
	"github.com/nstogner/chatkeep/pkg/store"
)

const backendName = "sqlite"

// Store implements store.SessionStore on a single SQLite table. Each row holds
// the full JSON-encoded session; created_at and updated_at are duplicated
// into indexed columns for range queries.
type Store struct {
	path    string
	metrics *metrics.Metrics

	mu sync.Mutex
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.SessionStore = (*Store)(nil)

// New returns a Store for the database file at dbPath. The file is not
// touched until the first operation.
func New(dbPath string, m *metrics.Metrics) *Store {
	return &Store{path: dbPath, metrics: m}
}

// Open opens (or creates) the database and runs migrations.
func (s *Store) Open(ctx context.Context) error {
	_, err := s.handle(ctx)
	return err
}

func (s *Store) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	start := time.Now()
	err := os.MkdirAll(filepath.Dir(s.path), 0755)
	var db *sql.DB
	if err == nil {
		db, err = sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	}
	if err == nil {
		err = db.PingContext(ctx)
		if err == nil {
			err = migrate(ctx, db)
		}
		if err != nil {
			db.Close()
		}
	}
	s.metrics.RecordStorage(backendName, "open", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %w", domain.ErrStorageUnavailable, s.path, err)
	}
	s.db = db
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_created ON chat_sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying database connection. The next operation reopens it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) GetAll(ctx context.Context) (sessions []domain.Session, err error) {
	defer s.observe("get_all", time.Now(), &err)

	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT record FROM chat_sessions`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageRead, err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStorageRead, err)
		}
		var sess domain.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("%w: decode record: %w", domain.ErrStorageRead, err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageRead, err)
	}
	return sessions, nil
}

func (s *Store) Get(ctx context.Context, id string) (sess domain.Session, found bool, err error) {
	defer s.observe("get", time.Now(), &err)

	db, err := s.handle(ctx)
	if err != nil {
		return domain.Session{}, false, err
	}
	var raw string
	err = db.QueryRowContext(ctx, `SELECT record FROM chat_sessions WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("%w: %w", domain.ErrStorageRead, err)
	}
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return domain.Session{}, false, fmt.Errorf("%w: decode record %s: %w", domain.ErrStorageRead, id, err)
	}
	return sess, true, nil
}

func (s *Store) Put(ctx context.Context, sess domain.Session) (err error) {
	defer s.observe("put", time.Now(), &err)

	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%w: encode record %s: %w", domain.ErrStorageWrite, sess.ID, err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, record, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record=excluded.record, created_at=excluded.created_at, updated_at=excluded.updated_at`,
		sess.ID, string(raw), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (err error) {
	defer s.observe("delete", time.Now(), &err)

	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if _, err = db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) (err error) {
	defer s.observe("clear", time.Now(), &err)

	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if _, err = db.ExecContext(ctx, `DELETE FROM chat_sessions`); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	return nil
}

func (s *Store) observe(op string, start time.Time, err *error) {
	s.metrics.RecordStorage(backendName, op, start, *err)
}

// ListIDsByUpdated returns session IDs ordered by the updated_at index,
// most recent first.
func (s *Store) ListIDsByUpdated(ctx context.Context) ([]string, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id FROM chat_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageRead, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStorageRead, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
