// Package store persists session metadata so that a restarted server
// can list and resume prior conversations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("session not found")

// SessionRecord is the persisted view of one agent session.
type SessionRecord struct {
	ID           string    `json:"id"`
	Context      string    `json:"context,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
}

// Store is the persistence gateway for session metadata. Implementations
// must be safe for concurrent use. Write failures are logged by callers
// and never block a turn.
type Store interface {
	// SaveSession inserts or replaces a record keyed by ID.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// GetSession returns the record for id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (SessionRecord, error)

	// TouchSession bumps LastUsedAt and increments MessageCount.
	// Returns ErrNotFound if no record exists.
	TouchSession(ctx context.Context, id string) error

	// ListSessions returns all records, most recently used first.
	ListSessions(ctx context.Context) ([]SessionRecord, error)

	// DeleteSession removes the record for id. Returns ErrNotFound if
	// no record exists.
	DeleteSession(ctx context.Context, id string) error

	// Close releases the underlying resources.
	Close() error
}
