package diagnostics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/folio/internal/domain"
	"github.com/ashureev/folio/internal/resolver"
	"github.com/ashureev/folio/internal/store"
)

// Event types written to the NDJSON log.
const (
	EventSessionOpened    = "session_opened"
	EventSessionClosed    = "session_closed"
	EventMessageAppended  = "message_appended"
	EventResolutionFailed = "resolution_failed"
	EventMountRejected    = "mount_rejected"
)

const writeTimeout = 5 * time.Second

// Recorder fans widget events out to the event log and the repository.
// Repository writes run on a single background goroutine so callers on a
// widget loop never block on the database.
type Recorder struct {
	repo   store.Repository
	events EventLogger
	jobs   chan func(context.Context)
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRecorder starts a recorder. A nil repo or events logger disables that
// sink.
func NewRecorder(repo store.Repository, events EventLogger, queueSize int) *Recorder {
	if events == nil {
		events = noopEventLogger{}
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		repo:   repo,
		events: events,
		jobs:   make(chan func(context.Context), queueSize),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.jobs:
			r.run(job)
		case <-r.done:
			for {
				select {
				case job := <-r.jobs:
					r.run(job)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) run(job func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	job(ctx)
}

func (r *Recorder) enqueue(op string, job func(context.Context)) {
	if r.repo == nil {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.jobs <- job:
	default:
		slog.Warn("diagnostics queue full, dropping write", "op", op)
	}
}

// SessionOpened records a mounted widget.
func (r *Recorder) SessionOpened(rec domain.SessionRecord) {
	r.events.Log(Event{
		SessionID: rec.ID,
		EventType: EventSessionOpened,
		Mode:      rec.Mode,
		Meta: map[string]any{
			"page":     rec.Page,
			"referrer": rec.Referrer,
		},
	})
	r.enqueue("create session", func(ctx context.Context) {
		if err := r.repo.CreateSession(ctx, &rec); err != nil {
			slog.Warn("failed to record widget session", "error", err, "session_id", rec.ID)
		}
	})
}

// MountRejected records a widget that failed initialization.
func (r *Recorder) MountRejected(sessionID string, err error) {
	r.events.Log(Event{
		SessionID: sessionID,
		EventType: EventMountRejected,
		Error:     err.Error(),
	})
}

// MessageAppended records that a message was added, without its text.
func (r *Recorder) MessageAppended(sessionID string, msg domain.ConversationMessage) {
	r.events.Log(Event{
		SessionID: sessionID,
		EventType: EventMessageAppended,
		Meta: map[string]any{
			"message_id": msg.ID,
			"sender":     string(msg.Sender),
			"length":     len(msg.Text),
		},
	})
	r.enqueue("increment messages", func(ctx context.Context) {
		if err := r.repo.IncrementMessages(ctx, sessionID); err != nil {
			slog.Warn("failed to count widget message", "error", err, "session_id", sessionID)
		}
	})
}

// ResolutionFailed records a failed resolution.
func (r *Recorder) ResolutionFailed(sessionID string, mode resolver.Mode, err error) {
	status := 0
	var statusErr *resolver.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.StatusCode
	}

	r.events.Log(Event{
		SessionID: sessionID,
		EventType: EventResolutionFailed,
		Mode:      string(mode),
		Error:     err.Error(),
		Meta: map[string]any{
			"status": status,
		},
	})
	failure := &domain.FailureRecord{
		SessionID:  sessionID,
		Mode:       string(mode),
		Status:     status,
		Error:      cleanForReadability(err.Error()),
		OccurredAt: time.Now(),
	}
	r.enqueue("record failure", func(ctx context.Context) {
		if err := r.repo.RecordFailure(ctx, failure); err != nil {
			slog.Warn("failed to record resolution failure", "error", err, "session_id", sessionID)
		}
	})
}

// SessionClosed records the end of a page session.
func (r *Recorder) SessionClosed(sessionID string, messages int) {
	r.events.Log(Event{
		SessionID: sessionID,
		EventType: EventSessionClosed,
		Meta: map[string]any{
			"messages": messages,
		},
	})
	closedAt := time.Now()
	r.enqueue("close session", func(ctx context.Context) {
		if err := r.repo.CloseSession(ctx, sessionID, closedAt); err != nil {
			slog.Warn("failed to close widget session", "error", err, "session_id", sessionID)
		}
	})
}

// Close drains pending writes and closes the event log.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	return r.events.Close()
}
