package diagnostics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/folio/internal/domain"
	"github.com/ashureev/folio/internal/resolver"
	"github.com/ashureev/folio/internal/store"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "folio.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRecorderPersistsSessionCounters(t *testing.T) {
	repo := newTestRepo(t)
	dir := t.TempDir()
	events, err := NewEventLogger(LogConfig{Enabled: true, Dir: dir, QueueSize: 16}, nil)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	rec := NewRecorder(repo, events, 16)

	rec.SessionOpened(domain.SessionRecord{
		ID:       "sess-1",
		Page:     "/",
		Referrer: "https://example.com/",
		Mode:     string(resolver.ModeRemote),
		OpenedAt: time.Now(),
	})
	rec.MessageAppended("sess-1", domain.NewMessage("secret question", domain.SenderUser, time.Now()))
	failure := fmt.Errorf("%w: %w", resolver.ErrResolutionFailed, &resolver.StatusError{StatusCode: 502})
	rec.ResolutionFailed("sess-1", resolver.ModeRemote, failure)
	rec.MessageAppended("sess-1", domain.NewMessage("canned error", domain.SenderBot, time.Now()))
	rec.SessionClosed("sess-1", 2)

	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, err := repo.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session to be recorded")
	}
	if got.MessageCount != 2 || got.FailureCount != 1 {
		t.Fatalf("counters = %d messages, %d failures; want 2, 1", got.MessageCount, got.FailureCount)
	}
	if got.IsActive() {
		t.Fatal("expected session to be closed")
	}

	failures, err := repo.RecentFailures(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentFailures failed: %v", err)
	}
	if len(failures) != 1 || failures[0].Status != 502 {
		t.Fatalf("unexpected failures: %+v", failures)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sess-1.ndjson"))
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if strings.Contains(string(data), "secret question") {
		t.Fatal("event log must not contain message text")
	}
	if n := strings.Count(strings.TrimSpace(string(data)), "\n") + 1; n != 5 {
		t.Fatalf("expected 5 events, got %d: %s", n, data)
	}
}

func TestRecorderWithoutRepository(t *testing.T) {
	rec := NewRecorder(nil, nil, 0)
	rec.SessionOpened(domain.SessionRecord{ID: "sess-1"})
	rec.ResolutionFailed("sess-1", resolver.ModeLocal, resolver.ErrResolutionFailed)
	rec.SessionClosed("sess-1", 0)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Calls after Close are dropped.
	rec.MessageAppended("sess-1", domain.NewMessage("late", domain.SenderBot, time.Now()))
}

func TestPruneDiagnosticsRemovesOldClosedSessions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := repo.CreateSession(ctx, &domain.SessionRecord{ID: "old", Mode: "local", OpenedAt: old}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := repo.CloseSession(ctx, "old", old.Add(time.Minute)); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if err := repo.CreateSession(ctx, &domain.SessionRecord{ID: "live", Mode: "local", OpenedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	pruneDiagnostics(ctx, repo, 24*time.Hour)

	if got, _ := repo.GetSession(ctx, "old"); got != nil {
		t.Fatal("expected old session to be pruned")
	}
	if got, _ := repo.GetSession(ctx, "live"); got == nil {
		t.Fatal("expected live session to survive")
	}
}

func TestRetentionWorkerStopsOnCancel(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := StartRetentionWorker(ctx, repo, 10*time.Millisecond, time.Hour)
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("retention worker did not stop")
	}
}

func TestRecordedFailureOmitsWebhookEndpoint(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo, nil, 16)

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint, err := url.Parse(srv.URL + "/webhook/workflow-token-123")
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}
	srv.Close()

	res := resolver.NewWebhook(endpoint, &http.Client{Timeout: time.Second}, "")
	_, resolveErr := res.Resolve(context.Background(), resolver.Request{Message: "hello"})
	if resolveErr == nil {
		t.Fatal("expected resolution to fail against a closed server")
	}

	if err := repo.CreateSession(context.Background(), &domain.SessionRecord{ID: "sess-1", Mode: "remote", OpenedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	rec.ResolutionFailed("sess-1", resolver.ModeRemote, resolveErr)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	failures, err := repo.RecentFailures(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentFailures failed: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	if strings.Contains(failures[0].Error, "workflow-token-123") {
		t.Fatalf("recorded failure leaks the webhook path: %q", failures[0].Error)
	}
}
