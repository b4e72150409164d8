// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/anikeev/wagate/internal/domain"
)

// Repository defines the interface for persisting session metadata. The
// backend's credential directories are not managed here; the store only
// records what the registry needs across process restarts.
type Repository interface {
	// GetSession retrieves a session record by id. Returns (nil, nil)
	// when the session is unknown.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, rec *domain.SessionRecord) error

	// UpdateLastActivity bumps the last_activity_at timestamp.
	UpdateLastActivity(ctx context.Context, sessionID string, at time.Time) error

	// SetAuthenticated marks a session as having completed pairing.
	SetAuthenticated(ctx context.Context, sessionID string, authenticated bool) error

	// DeleteSession removes a session record.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// IsConflictError reports whether the error is a SQLite concurrency
// failure (SQLITE_BUSY or "database is locked") that warrants a retry.
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}
