package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/folio/internal/domain"
	"github.com/ashureev/folio/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS widget_sessions (
		session_id TEXT PRIMARY KEY,
		page TEXT NOT NULL,
		referrer TEXT NOT NULL,
		mode TEXT NOT NULL,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER,
		message_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_widget_sessions_closed ON widget_sessions(closed_at) WHERE closed_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS resolution_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL,
		occurred_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resolution_failures_occurred ON resolution_failures(occurred_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs a write with exponential backoff on SQLite lock conflicts.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		s.writeMu.Lock()
		err = fn()
		s.writeMu.Unlock()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession records a newly mounted widget.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.SessionRecord) error {
	query := `
	INSERT INTO widget_sessions (session_id, page, referrer, mode, opened_at, message_count, failure_count)
	VALUES (?, ?, ?, ?, ?, 0, 0)`

	return s.withRetry(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.Page, session.Referrer, session.Mode,
			session.OpenedAt.UnixMilli(),
		)
		return err
	})
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	query := `
		SELECT session_id, page, referrer, mode, opened_at, closed_at,
		       message_count, failure_count
		FROM widget_sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var rec domain.SessionRecord
	var openedAt int64
	var closedAt sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.Page, &rec.Referrer, &rec.Mode, &openedAt, &closedAt,
		&rec.MessageCount, &rec.FailureCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	rec.OpenedAt = time.UnixMilli(openedAt)
	if closedAt.Valid {
		ts := time.UnixMilli(closedAt.Int64)
		rec.ClosedAt = &ts
	}
	return &rec, nil
}

// IncrementMessages bumps the message counter for a session.
func (s *SQLiteStore) IncrementMessages(ctx context.Context, sessionID string) error {
	query := `UPDATE widget_sessions SET message_count = message_count + 1 WHERE session_id = ?`
	return s.withRetry(ctx, "increment messages", func() error {
		result, err := s.db.ExecContext(ctx, query, sessionID)
		if err != nil {
			return err
		}
		return warnNoRows(result, "IncrementMessages", sessionID)
	})
}

// RecordFailure stores a failed resolution and bumps the failure counter.
func (s *SQLiteStore) RecordFailure(ctx context.Context, failure *domain.FailureRecord) error {
	return s.withRetry(ctx, "record failure", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back failure insert", "error", rbErr)
			}
		}()

		result, err := tx.ExecContext(ctx,
			`INSERT INTO resolution_failures (session_id, mode, status, error, occurred_at) VALUES (?, ?, ?, ?, ?)`,
			failure.SessionID, failure.Mode, failure.Status, failure.Error, failure.OccurredAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		if id, idErr := result.LastInsertId(); idErr == nil {
			failure.ID = id
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE widget_sessions SET failure_count = failure_count + 1 WHERE session_id = ?`,
			failure.SessionID,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// CloseSession marks a session as ended. Closing twice keeps the first time.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error {
	query := `UPDATE widget_sessions SET closed_at = COALESCE(closed_at, ?) WHERE session_id = ?`
	return s.withRetry(ctx, "close session", func() error {
		result, err := s.db.ExecContext(ctx, query, closedAt.UnixMilli(), sessionID)
		if err != nil {
			return err
		}
		return warnNoRows(result, "CloseSession", sessionID)
	})
}

// RecentFailures returns the newest failures, newest first.
func (s *SQLiteStore) RecentFailures(ctx context.Context, limit int) ([]*domain.FailureRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, session_id, mode, status, error, occurred_at
		FROM resolution_failures ORDER BY occurred_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent failures: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close failure rows", "error", closeErr)
		}
	}()

	var failures []*domain.FailureRecord
	for rows.Next() {
		var f domain.FailureRecord
		var occurredAt int64
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Mode, &f.Status, &f.Error, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		f.OccurredAt = time.UnixMilli(occurredAt)
		failures = append(failures, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return failures, nil
}

// Stats returns aggregate counters.
func (s *SQLiteStore) Stats(ctx context.Context) (*domain.Stats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN closed_at IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(message_count), 0),
		       (SELECT COUNT(*) FROM resolution_failures)
		FROM widget_sessions`

	var st domain.Stats
	if err := s.db.QueryRowContext(ctx, query).Scan(
		&st.Sessions, &st.ActiveSessions, &st.Messages, &st.Failures,
	); err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &st, nil
}

// DeleteOlderThan removes closed sessions and failures older than age.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, int64, error) {
	threshold := time.Now().Add(-age).UnixMilli()

	var sessions, failures int64
	err := s.withRetry(ctx, "delete expired diagnostics", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM resolution_failures WHERE occurred_at < ?`, threshold)
		if err != nil {
			return err
		}
		if failures, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = s.db.ExecContext(ctx,
			`DELETE FROM widget_sessions WHERE closed_at IS NOT NULL AND closed_at < ?`, threshold)
		if err != nil {
			return err
		}
		sessions, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return sessions, failures, nil
}

// CloseDanglingSessions marks sessions left open by a previous process.
func (s *SQLiteStore) CloseDanglingSessions(ctx context.Context, closedAt time.Time) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "close dangling sessions", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE widget_sessions SET closed_at = ? WHERE closed_at IS NULL`, closedAt.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func warnNoRows(result sql.Result, op, sessionID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn(op+" affected 0 rows", "session_id", sessionID)
	}
	return nil
}
