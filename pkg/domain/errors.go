package domain

import "errors"

var (
	// ErrStorageUnavailable is returned when the persistence backend cannot be opened.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStorageRead wraps failures reading persisted sessions.
	ErrStorageRead = errors.New("storage read error")
	// ErrStorageWrite wraps failures writing or deleting persisted sessions.
	ErrStorageWrite = errors.New("storage write error")
	// ErrConfigInvalid is returned by providers before any network call when
	// their configuration is incomplete.
	ErrConfigInvalid = errors.New("invalid provider configuration")
	// ErrTransport wraps network, HTTP status and stream decoding failures.
	ErrTransport = errors.New("transport failure")
	// ErrNotFound is returned by lookups on the API surface.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for malformed input such as an unknown role.
	ErrInvalidArgument = errors.New("invalid argument")
)
