package domain

import (
	"sort"
	"time"
)

// Role defines the author of a message.
type Role string

const (
	// RoleUser indicates a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem indicates an instruction message.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Status is the delivery state of a message.
// User messages start as StatusSending; everything else starts as StatusSent.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Default session titles.
const (
	DefaultTitle = "新对话"
	WelcomeTitle = "欢迎使用AI聊天"
)

// Message is one turn in a conversation.
type Message struct {
	ID               string `json:"id"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoningContent,omitempty"`
	Role             Role   `json:"role"`
	Timestamp        int64  `json:"timestamp"` // ms since epoch
	Status           Status `json:"status"`
	Error            string `json:"error,omitempty"`
}

// Session is a titled, ordered conversation. It is persisted as one record.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"` // ms since epoch
	UpdatedAt int64     `json:"updatedAt"` // ms since epoch
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	c := s
	if s.Messages == nil {
		return c
	}
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	return c
}

// FindMessage returns the index of the message with the given ID, or -1.
func (s *Session) FindMessage(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// SortByUpdated sorts sessions by UpdatedAt, most recent first.
func SortByUpdated(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
}

// Millis converts t to milliseconds since epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
