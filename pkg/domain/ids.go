package domain

import "github.com/google/uuid"

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return "session_" + uuid.NewString() }

// NewMessageID returns a fresh message identifier.
func NewMessageID() string { return "msg_" + uuid.NewString() }
