// Package chat holds the in-memory session state and mediates every write to
// persistence.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/metrics"
	"github.com/nstogner/chatkeep/pkg/store"
)

// Store is the single source of truth for sessions and messages. All methods
// are safe for concurrent use.
//
// Writes to persistence are queued and applied in order by a background
// goroutine; mutating methods never wait for them. Flush and
// FinishStreamAndSave wait.
type Store struct {
	persist  store.SessionStore
	writer   *writer
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	titleLen int

	mu sync.Mutex
	// sessions is most-recent-first by insertion.
	sessions  []*domain.Session
	currentID string
	loading   bool
	err       error
	// dirty holds sessions mutated without an immediate write.
	dirty map[string]bool
}

// New creates a Store backed by persist. Call LoadFromPersistence before use
// and Close when done.
func New(persist store.SessionStore, opts ...Option) *Store {
	s := &Store{
		persist:  persist,
		log:      slog.Default(),
		now:      time.Now,
		titleLen: domain.TitleMaxLen,
		dirty:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.writer = newWriter(persist, s.log, s.recordWriteError)
	return s
}

func (s *Store) recordWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Store) millis() int64 { return domain.Millis(s.now()) }

// State accessors.

// Sessions returns a copy of every session, most recently updated first.
func (s *Store) Sessions() []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Clone()
	}
	domain.SortByUpdated(out)
	return out
}

// Session returns a copy of the session with the given id.
func (s *Store) Session(id string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(id)
	if sess == nil {
		return domain.Session{}, false
	}
	return sess.Clone(), true
}

// CurrentSessionID returns the current session id, or "" when none is set.
func (s *Store) CurrentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// CurrentSession returns a copy of the current session.
func (s *Store) CurrentSession() (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current()
	if cur == nil {
		return domain.Session{}, false
	}
	return cur.Clone(), true
}

// CurrentMessages returns a copy of the current session's messages.
func (s *Store) CurrentMessages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current()
	if cur == nil {
		return nil
	}
	return cur.Clone().Messages
}

func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
}

// Err returns the last recorded error, or nil.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetError records err in the error slot. Pass nil to clear it.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Sessions.

// CreateSession inserts a new session at the front, makes it current and
// persists it. An empty title becomes domain.DefaultTitle.
func (s *Store) CreateSession(title string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(title)
}

func (s *Store) createLocked(title string) string {
	if title == "" {
		title = domain.DefaultTitle
	}
	now := s.millis()
	sess := &domain.Session{
		ID:        domain.NewSessionID(),
		Title:     title,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions = append([]*domain.Session{sess}, s.sessions...)
	s.currentID = sess.ID
	s.metrics.RecordSessions(len(s.sessions))
	s.log.Debug("Created session", "session", sess.ID, "title", title)

	s.saveLocked(sess)
	return sess.ID
}

// SwitchSession makes id current. Unknown ids are ignored.
func (s *Store) SwitchSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(id) == nil {
		return false
	}
	s.currentID = id
	return true
}

// DeleteSession removes the session from memory and persistence. If it was
// current, the first remaining session becomes current. Unknown ids are
// ignored.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, sess := range s.sessions {
		if sess.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	delete(s.dirty, id)
	if s.currentID == id {
		s.currentID = ""
		if len(s.sessions) > 0 {
			s.currentID = s.sessions[0].ID
		}
	}
	s.metrics.RecordSessions(len(s.sessions))
	s.log.Debug("Deleted session", "session", id)

	s.writer.delete(id)
	return true
}

// RenameSession sets the title of id and persists it.
func (s *Store) RenameSession(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: empty title", domain.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(id)
	if sess == nil {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	sess.Title = title
	s.touch(sess)
	s.saveLocked(sess)
	return nil
}

// ClearSession empties the current session's messages and persists it.
func (s *Store) ClearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current()
	if cur == nil {
		return
	}
	cur.Messages = []domain.Message{}
	s.touch(cur)
	s.saveLocked(cur)
}

// Messages.

// AddMessage appends a message to the current session, creating one first if
// none is current. User messages start as sending, others as sent. The first
// user message of a session sets its title.
func (s *Store) AddMessage(content string, role domain.Role, persistImmediately bool) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: role %q", domain.ErrInvalidArgument, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(content, role, persistImmediately), nil
}

// Turn identifies the two messages of one exchange and the history the
// provider should see.
type Turn struct {
	SessionID          string
	UserMessageID      string
	AssistantMessageID string
	// History is a copy of the session's messages up to and including the
	// user message.
	History []domain.Message
}

// BeginTurn appends a user message (persisted) and an empty assistant
// message (not persisted) to the current session in one step, so a
// concurrent SwitchSession cannot split them across sessions.
func (s *Store) BeginTurn(content string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID := s.addLocked(content, domain.RoleUser, true)
	cur := s.current()
	history := cur.Clone().Messages
	assistantID := s.addLocked("", domain.RoleAssistant, false)
	return Turn{
		SessionID:          cur.ID,
		UserMessageID:      userID,
		AssistantMessageID: assistantID,
		History:            history,
	}
}

func (s *Store) addLocked(content string, role domain.Role, persistImmediately bool) string {
	if s.current() == nil {
		s.createLocked("")
	}
	cur := s.current()

	status := domain.StatusSent
	if role == domain.RoleUser {
		status = domain.StatusSending
	}
	msg := domain.Message{
		ID:        domain.NewMessageID(),
		Content:   content,
		Role:      role,
		Timestamp: s.millis(),
		Status:    status,
	}
	cur.Messages = append(cur.Messages, msg)
	s.touch(cur)

	if role == domain.RoleUser && len(cur.Messages) == 1 {
		cur.Title = domain.DeriveTitle(content, s.titleLen)
	}
	s.metrics.RecordMessage(string(role))

	if persistImmediately {
		s.saveLocked(cur)
	} else {
		s.dirty[cur.ID] = true
	}
	return msg.ID
}

// DeleteMessage removes a message from the current session and persists it.
func (s *Store) DeleteMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current()
	if cur == nil {
		return false
	}
	idx := cur.FindMessage(id)
	if idx < 0 {
		return false
	}
	cur.Messages = append(cur.Messages[:idx], cur.Messages[idx+1:]...)
	s.touch(cur)
	s.saveLocked(cur)
	return true
}

// UpdateMessageStatus sets a message's status. errText is kept only for
// StatusError. Missing messages are ignored.
func (s *Store) UpdateMessageStatus(id string, status domain.Status, errText string, persistImmediately bool) {
	s.updateMessage(id, persistImmediately, func(m *domain.Message) {
		m.Status = status
		if status == domain.StatusError {
			m.Error = errText
		} else {
			m.Error = ""
		}
	})
}

// UpdateMessageContent replaces a message's content.
func (s *Store) UpdateMessageContent(id, content string, persistImmediately bool) {
	s.updateMessage(id, persistImmediately, func(m *domain.Message) {
		m.Content = content
	})
}

// UpdateMessageReasoning replaces a message's reasoning text with text, which
// is expected to be cumulative.
func (s *Store) UpdateMessageReasoning(id, text string, persistImmediately bool) {
	s.updateMessage(id, persistImmediately, func(m *domain.Message) {
		m.ReasoningContent = text
	})
}

// updateMessage looks in the current session first, then in every other
// session, so a stream keeps landing in its own session after a switch.
func (s *Store) updateMessage(id string, persistImmediately bool, fn func(*domain.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, idx := s.locateMessage(id)
	if sess == nil {
		s.log.Debug("Ignoring update for unknown message", "message", id)
		return
	}
	fn(&sess.Messages[idx])
	s.touch(sess)
	if persistImmediately {
		s.saveLocked(sess)
	} else {
		s.dirty[sess.ID] = true
	}
}

func (s *Store) locateMessage(id string) (*domain.Session, int) {
	if cur := s.current(); cur != nil {
		if idx := cur.FindMessage(id); idx >= 0 {
			return cur, idx
		}
	}
	for _, sess := range s.sessions {
		if idx := sess.FindMessage(id); idx >= 0 {
			return sess, idx
		}
	}
	return nil, -1
}

// Persistence.

// LoadFromPersistence replaces the in-memory state with what persistence
// holds. The most recently updated session becomes current. A read failure is
// logged and treated like an empty store: a welcome session is created.
func (s *Store) LoadFromPersistence(ctx context.Context) {
	sessions, err := s.persist.GetAll(ctx)
	if err != nil {
		s.log.Warn("Failed to load sessions, starting fresh", "error", err)
		sessions = nil
	}
	domain.SortByUpdated(sessions)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make([]*domain.Session, 0, len(sessions))
	for i := range sessions {
		sess := sessions[i]
		if sess.Messages == nil {
			sess.Messages = []domain.Message{}
		}
		s.sessions = append(s.sessions, &sess)
	}
	s.dirty = make(map[string]bool)
	s.currentID = ""

	if len(s.sessions) == 0 {
		s.createLocked(domain.WelcomeTitle)
		return
	}
	s.currentID = s.sessions[0].ID
	s.metrics.RecordSessions(len(s.sessions))
	s.log.Info("Loaded sessions", "count", len(s.sessions), "current", s.currentID)
}

// FinishStreamAndSave writes the current session, plus any session mutated
// without an immediate write, and waits for the writes to finish.
func (s *Store) FinishStreamAndSave(ctx context.Context) error {
	s.mu.Lock()
	var targets []*domain.Session
	if cur := s.current(); cur != nil {
		targets = append(targets, cur)
	}
	for id := range s.dirty {
		if id == s.currentID {
			continue
		}
		if sess := s.find(id); sess != nil {
			targets = append(targets, sess)
		}
	}
	dones := make([]chan error, 0, len(targets))
	for _, sess := range targets {
		done := make(chan error, 1)
		delete(s.dirty, sess.ID)
		s.writer.put(sess.Clone(), done)
		dones = append(dones, done)
	}
	s.mu.Unlock()

	var firstErr error
	for _, done := range dones {
		if err := wait(ctx, done); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush waits until every write queued so far has been applied.
func (s *Store) Flush(ctx context.Context) error {
	return wait(ctx, s.writer.barrier())
}

// Close drains queued writes and closes persistence.
func (s *Store) Close() error {
	s.writer.close()
	return s.persist.Close()
}

// helpers; callers hold s.mu.

func (s *Store) find(id string) *domain.Session {
	if id == "" {
		return nil
	}
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

func (s *Store) current() *domain.Session {
	return s.find(s.currentID)
}

func (s *Store) touch(sess *domain.Session) {
	now := s.millis()
	if now < sess.CreatedAt {
		now = sess.CreatedAt
	}
	sess.UpdatedAt = now
}

// saveLocked queues a write of a snapshot of sess.
func (s *Store) saveLocked(sess *domain.Session) {
	delete(s.dirty, sess.ID)
	s.writer.put(sess.Clone(), nil)
}
