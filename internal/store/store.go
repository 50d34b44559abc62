// Package store provides diagnostics persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/folio/internal/domain"
)

// Repository persists widget session and failure diagnostics. It never stores
// conversation text.
type Repository interface {
	// CreateSession records a newly mounted widget.
	CreateSession(ctx context.Context, session *domain.SessionRecord) error

	// GetSession retrieves a session by ID. It returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// IncrementMessages bumps the message counter for a session.
	IncrementMessages(ctx context.Context, sessionID string) error

	// RecordFailure stores a failed resolution and bumps the session's
	// failure counter.
	RecordFailure(ctx context.Context, failure *domain.FailureRecord) error

	// CloseSession marks a session as ended.
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error

	// RecentFailures returns the newest failures, newest first.
	RecentFailures(ctx context.Context, limit int) ([]*domain.FailureRecord, error)

	// Stats returns aggregate counters.
	Stats(ctx context.Context) (*domain.Stats, error)

	// DeleteOlderThan removes closed sessions and failures older than age.
	DeleteOlderThan(ctx context.Context, age time.Duration) (sessions int64, failures int64, err error)

	// CloseDanglingSessions marks sessions left open by a previous process.
	CloseDanglingSessions(ctx context.Context, closedAt time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
