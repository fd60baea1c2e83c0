// Package store provides storage backends for WhaleFlow sessions.
//
// Sessions are persisted write-through: every mutation rewrites the
// identity's record so a process restart resumes each conversation at its
// current node.
package store

import (
	"strings"
	"time"

	"github.com/whaleflow/whaleflow/internal/models"
)

// Store persists per-identity sessions. Implementations must be safe for
// concurrent use across distinct identities; the flow engine serializes all
// access to any single identity.
type Store interface {
	// GetSession returns the session for the identity, or nil if none exists.
	GetSession(phone string) (*models.Session, error)
	// SaveSession writes the full session record, replacing any existing one.
	SaveSession(session models.Session) error
	// DeleteSession removes the identity's session. Deleting an absent
	// session is not an error.
	DeleteSession(phone string) error
	// CountSessions returns the number of persisted sessions.
	CountSessions() (int, error)
	// DeleteIdleSessions removes sessions whose last activity predates the
	// cutoff and returns how many were removed.
	DeleteIdleSessions(cutoff time.Time) (int, error)
	// Close releases the backing resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType inspects a DSN and reports "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
