// Package diagnostics records widget lifecycle and resolution failures.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// LogConfig controls NDJSON event logging.
type LogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one NDJSON line. Events never carry conversation text.
type Event struct {
	Timestamp string         `json:"ts"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event"`
	Mode      string         `json:"mode,omitempty"`
	Error     string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// EventLogger writes diagnostics events.
type EventLogger interface {
	Log(event Event)
	Close() error
}

type noopEventLogger struct{}

func (noopEventLogger) Log(Event)    {}
func (noopEventLogger) Close() error { return nil }

// fileEventLogger appends events to per-session files on a background
// goroutine so widget loops never wait on disk I/O.
type fileEventLogger struct {
	cfg     LogConfig
	queue   chan Event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	logger  *slog.Logger

	global *os.File
	files  map[string]*os.File
}

var (
	ansiPattern    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	sessionPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// NewEventLogger creates an event logger. A disabled config yields a no-op
// logger.
func NewEventLogger(cfg LogConfig, logger *slog.Logger) (EventLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return noopEventLogger{}, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create diagnostics log directory: %w", err)
	}

	l := &fileEventLogger{
		cfg:     cfg,
		queue:   make(chan Event, cfg.QueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
		files:   make(map[string]*os.File),
	}

	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global diagnostics log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open global diagnostics log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues an event. When the queue is full the event is dropped.
func (l *fileEventLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	event.Error = cleanForReadability(event.Error)

	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.queue <- event:
	default:
		l.logger.Warn("diagnostics log queue full, dropping event", "event", event.EventType, "session_id", event.SessionID)
	}
}

// Close flushes queued events and closes open files.
func (l *fileEventLogger) Close() error {
	l.once.Do(func() {
		close(l.done)
	})
	<-l.stopped
	return nil
}

func (l *fileEventLogger) run() {
	defer close(l.stopped)
	defer l.closeFiles()
	for {
		select {
		case ev := <-l.queue:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.queue:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *fileEventLogger) write(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("failed to marshal diagnostics event", "error", err)
		return
	}
	line = append(line, '\n')

	if f, err := l.sessionFile(ev.SessionID); err != nil {
		l.logger.Warn("failed to open session diagnostics log", "error", err, "session_id", ev.SessionID)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("failed to write session diagnostics log", "error", err, "session_id", ev.SessionID)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("failed to write global diagnostics log", "error", err)
		}
	}

	if isTerminal(ev.EventType) {
		l.closeSessionFile(ev.SessionID)
	}
}

// isTerminal reports whether no further events follow for the session.
func isTerminal(eventType string) bool {
	return eventType == EventSessionClosed || eventType == EventMountRejected
}

func (l *fileEventLogger) sessionFile(sessionID string) (*os.File, error) {
	if !sessionPattern.MatchString(sessionID) {
		sessionID = "unknown"
	}
	if f, ok := l.files[sessionID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, sessionID+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.files[sessionID] = f
	return f, nil
}

func (l *fileEventLogger) closeSessionFile(sessionID string) {
	if f, ok := l.files[sessionID]; ok {
		if err := f.Close(); err != nil {
			l.logger.Debug("failed to close session diagnostics log", "error", err, "session_id", sessionID)
		}
		delete(l.files, sessionID)
	}
}

func (l *fileEventLogger) closeFiles() {
	for id := range l.files {
		l.closeSessionFile(id)
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil {
			l.logger.Debug("failed to close global diagnostics log", "error", err)
		}
	}
}

// cleanForReadability strips ANSI sequences and control characters.
func cleanForReadability(s string) string {
	if s == "" {
		return s
	}
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
