package diagnostics

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEventLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewEventLogger(LogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		SessionID: "sess-1",
		EventType: EventResolutionFailed,
		Mode:      "remote",
		Error:     "resolution failed:\nstatus 500",
	})

	line := waitForLogLine(t, filepath.Join(dir, "sess-1.ndjson"))
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.EventType != EventResolutionFailed {
		t.Fatalf("unexpected event type: %q", got.EventType)
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be populated")
	}
	if strings.Contains(got.Error, "\n") {
		t.Fatalf("expected control characters to be cleaned: %q", got.Error)
	}
}

func TestEventLoggerRejectsUnsafeSessionIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewEventLogger(LogConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    filepath.Join(dir, "global", "all.ndjson"),
		QueueSize:     16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}

	logger.Log(Event{SessionID: "../escape", EventType: EventSessionOpened})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "unknown.ndjson")); err != nil {
		t.Fatalf("expected event routed to unknown.ndjson: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "global", "all.ndjson"))
	if err != nil {
		t.Fatalf("read global log: %v", err)
	}
	if !strings.Contains(string(data), EventSessionOpened) {
		t.Fatalf("expected global log to contain event, got %q", data)
	}
}

func TestDisabledEventLoggerIsNoop(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "never")
	logger, err := NewEventLogger(LogConfig{Enabled: false, Dir: dir}, nil)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	logger.Log(Event{SessionID: "sess-1", EventType: EventSessionOpened})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected no directory to be created, stat err = %v", err)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}

// newManualEventLogger builds a file logger without its writer goroutine so a
// test can drain the queue on its own goroutine and inspect open files.
func newManualEventLogger(t *testing.T) *fileEventLogger {
	t.Helper()
	l := &fileEventLogger{
		cfg:     LogConfig{Enabled: true, Dir: t.TempDir(), QueueSize: 16},
		queue:   make(chan Event, 16),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  slog.Default(),
		files:   make(map[string]*os.File),
	}
	close(l.stopped) // no run goroutine; Close must not wait for one
	t.Cleanup(l.closeFiles)
	return l
}

func (l *fileEventLogger) drain() {
	for len(l.queue) > 0 {
		l.write(<-l.queue)
	}
}

func TestRejectedMountsDoNotKeepFilesOpen(t *testing.T) {
	l := newManualEventLogger(t)
	rec := NewRecorder(nil, l, 0)
	defer func() { _ = rec.Close() }()

	for _, id := range []string{"sess-a", "sess-b", "sess-c"} {
		rec.MountRejected(id, errors.New("widget initialization failed: missing mount \"badge\""))
	}
	l.drain()

	if n := len(l.files); n != 0 {
		t.Fatalf("open session files after rejected mounts: %d", n)
	}
	for _, id := range []string{"sess-a", "sess-b", "sess-c"} {
		data, err := os.ReadFile(filepath.Join(l.cfg.Dir, id+".ndjson"))
		if err != nil {
			t.Fatalf("read %s log: %v", id, err)
		}
		if !strings.Contains(string(data), EventMountRejected) {
			t.Fatalf("expected %s event in %s log, got %q", EventMountRejected, id, data)
		}
	}
}

func TestSessionFileStaysOpenUntilClosed(t *testing.T) {
	l := newManualEventLogger(t)

	l.Log(Event{SessionID: "sess-1", EventType: EventSessionOpened})
	l.Log(Event{SessionID: "sess-1", EventType: EventMessageAppended})
	l.drain()
	if _, ok := l.files["sess-1"]; !ok {
		t.Fatal("expected session file to stay open while the session is live")
	}

	l.Log(Event{SessionID: "sess-1", EventType: EventSessionClosed})
	l.drain()
	if n := len(l.files); n != 0 {
		t.Fatalf("open session files after close: %d", n)
	}
}
