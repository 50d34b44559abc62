package domain

import (
	"time"
)

// ClientContext describes the page hosting a widget instance.
type ClientContext struct {
	Page     string `json:"page"`
	Referrer string `json:"referrer"`
}

// SessionRecord is the diagnostics row kept for one widget page session.
// It never carries message text.
type SessionRecord struct {
	ID           string     `json:"id"`
	Page         string     `json:"page"`
	Referrer     string     `json:"referrer"`
	Mode         string     `json:"mode"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	MessageCount int        `json:"message_count"`
	FailureCount int        `json:"failure_count"`
}

// IsActive returns true while the page session has not been closed.
func (s *SessionRecord) IsActive() bool {
	return s.ClosedAt == nil
}

// Duration returns how long the session lasted, or has lasted so far.
func (s *SessionRecord) Duration(now time.Time) time.Duration {
	end := now
	if s.ClosedAt != nil {
		end = *s.ClosedAt
	}
	if end.Before(s.OpenedAt) {
		return 0
	}
	return end.Sub(s.OpenedAt)
}

// FailureRecord captures one failed resolution for diagnostics.
type FailureRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Mode       string    `json:"mode"`
	Status     int       `json:"status,omitempty"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Stats aggregates diagnostics counters.
type Stats struct {
	Sessions       int64 `json:"sessions"`
	ActiveSessions int64 `json:"active_sessions"`
	Messages       int64 `json:"messages"`
	Failures       int64 `json:"failures"`
}
