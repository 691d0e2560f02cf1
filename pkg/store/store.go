package store

import (
	"context"

	"github.com/nstogner/chatkeep/pkg/domain"
)

// SessionStore is durable key-value storage of whole session records, keyed
// by session ID. Every write is a full-record replace; callers build the
// complete next state before calling Put.
type SessionStore interface {
	// Open establishes the underlying handle, creating the schema on first use.
	// It is idempotent and safe to call from multiple goroutines; all callers
	// observe the same handle. Fails with domain.ErrStorageUnavailable.
	Open(ctx context.Context) error

	// GetAll returns every stored session in unspecified order.
	// Fails with domain.ErrStorageRead.
	GetAll(ctx context.Context) ([]domain.Session, error)

	// Get returns the session with the given ID. A missing record is reported
	// through found=false, not an error.
	Get(ctx context.Context, id string) (session domain.Session, found bool, err error)

	// Put upserts the full session record. Fails with domain.ErrStorageWrite.
	Put(ctx context.Context, session domain.Session) error

	// Delete removes a record. Deleting a missing ID succeeds.
	Delete(ctx context.Context, id string) error

	// Clear removes all records.
	Clear(ctx context.Context) error

	// Close releases the handle. Subsequent operations reopen lazily.
	Close() error
}
