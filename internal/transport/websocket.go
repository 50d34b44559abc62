package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ashureev/folio/internal/domain"
	"github.com/ashureev/folio/internal/resolver"
	"github.com/ashureev/folio/internal/widget"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultHandshakeTimeout = 10 * time.Second

// Recorder receives widget lifecycle events for diagnostics.
type Recorder interface {
	SessionOpened(rec domain.SessionRecord)
	MountRejected(sessionID string, err error)
	MessageAppended(sessionID string, msg domain.ConversationMessage)
	ResolutionFailed(sessionID string, mode resolver.Mode, err error)
	SessionClosed(sessionID string, messages int)
}

type noopRecorder struct{}

func (noopRecorder) SessionOpened(domain.SessionRecord)                 {}
func (noopRecorder) MountRejected(string, error)                        {}
func (noopRecorder) MessageAppended(string, domain.ConversationMessage) {}
func (noopRecorder) ResolutionFailed(string, resolver.Mode, error)      {}
func (noopRecorder) SessionClosed(string, int)                          {}

// Options configures the widget WebSocket handler.
type Options struct {
	AllowedOrigin    string
	IsDev            bool
	CloseDelay       time.Duration
	BadgeDelay       time.Duration
	ErrorMessages    []string
	Chooser          resolver.Chooser
	HandshakeTimeout time.Duration
	ReadLimit        int64
	QueueSize        int
	Logger           *slog.Logger
}

// WebSocketHandler serves one widget instance per WebSocket connection.
type WebSocketHandler struct {
	res  resolver.Resolver
	sm   *SessionManager
	rec  Recorder
	opts Options
}

// NewWebSocketHandler creates a new WebSocket handler. A nil recorder disables
// diagnostics.
func NewWebSocketHandler(res resolver.Resolver, sm *SessionManager, rec Recorder, opts Options) *WebSocketHandler {
	if rec == nil {
		rec = noopRecorder{}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WebSocketHandler{res: res, sm: sm, rec: rec, opts: opts}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()
	log := h.opts.Logger.With("session_id", sessionID)
	log.Info("Widget connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	if h.opts.ReadLimit > 0 {
		ws.SetReadLimit(h.opts.ReadLimit)
	}

	closeStatus, closeReason := websocket.StatusNormalClosure, "session ended"
	defer func() {
		if closeErr := ws.Close(closeStatus, closeReason); closeErr != nil {
			log.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.sm.Register(sessionID, ws)
	defer h.sm.Unregister(sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	mount, err := h.readMount(ctx, ws)
	if err == nil {
		err = widget.CheckMounts(mount.mounts())
	}
	if err != nil {
		h.rejectMount(ctx, ws, sessionID, err)
		closeStatus, closeReason = websocket.StatusPolicyViolation, errInitializationFailed
		return
	}

	client := domain.ClientContext{Page: mount.Page, Referrer: mount.Referrer}
	view := newWSView(ws, sessionID, h.opts.QueueSize, cancel)
	var messages atomic.Int64

	ctrl, err := widget.New(view, mount.mounts(), h.res, widget.Options{
		CloseDelay:    h.opts.CloseDelay,
		BadgeDelay:    h.opts.BadgeDelay,
		ErrorMessages: h.opts.ErrorMessages,
		Chooser:       h.opts.Chooser,
		Client:        client,
		Logger:        log,
		OnMessage: func(msg domain.ConversationMessage) {
			messages.Add(1)
			h.rec.MessageAppended(sessionID, msg)
		},
		OnFailure: func(err error) {
			h.rec.ResolutionFailed(sessionID, h.res.Mode(), err)
		},
	})
	if err != nil {
		h.rejectMount(ctx, ws, sessionID, err)
		closeStatus, closeReason = websocket.StatusPolicyViolation, errInitializationFailed
		return
	}

	h.rec.SessionOpened(domain.SessionRecord{
		ID:       sessionID,
		Page:     client.Page,
		Referrer: client.Referrer,
		Mode:     string(h.res.Mode()),
		OpenedAt: time.Now(),
	})
	defer func() { h.rec.SessionClosed(sessionID, int(messages.Load())) }()

	view.send(serverFrame{Type: frameReady, SessionID: sessionID, Mode: string(h.res.Mode())})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return view.writeLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return h.readLoop(gctx, ws, ctrl, view, log)
	})

	if err := g.Wait(); err != nil {
		log.Warn("Widget session ended with error", "error", err)
		return
	}
	log.Info("Widget session ended", "messages", messages.Load())
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

// readMount waits for the handshake frame that lists the page's mount points.
func (h *WebSocketHandler) readMount(ctx context.Context, ws *websocket.Conn) (clientFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.HandshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(ctx)
	if err != nil {
		return clientFrame{}, fmt.Errorf("%w: read mount frame: %w", widget.ErrInitialization, err)
	}
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return clientFrame{}, fmt.Errorf("%w: decode mount frame: %w", widget.ErrInitialization, err)
	}
	if frame.Type != frameMount {
		return clientFrame{}, fmt.Errorf("%w: expected mount frame, got %q", widget.ErrInitialization, frame.Type)
	}
	return frame, nil
}

func (h *WebSocketHandler) rejectMount(ctx context.Context, ws *websocket.Conn, sessionID string, err error) {
	h.opts.Logger.Warn("Widget initialization failed", "session_id", sessionID, "error", err)
	h.rec.MountRejected(sessionID, err)
	if writeErr := writeFrame(ctx, ws, serverFrame{Type: frameError, Error: errInitializationFailed}); writeErr != nil {
		h.opts.Logger.Debug("Failed to send initialization error", "session_id", sessionID, "error", writeErr)
	}
}

// readLoop turns client frames into controller intents until the client goes
// away.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, ctrl *widget.Controller, view *wsView, log *slog.Logger) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				log.Debug("WebSocket closed by client")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug("Ignoring malformed frame", "error", err)
			continue
		}

		var intent widget.Intent
		switch frame.Type {
		case frameToggle:
			intent = widget.Intent{Action: widget.ActionToggle}
		case frameOpen:
			intent = widget.Intent{Action: widget.ActionOpen}
		case frameClose:
			intent = widget.Intent{Action: widget.ActionClose}
		case frameSubmit:
			intent = widget.Intent{Action: widget.ActionSubmit, Text: frame.Text}
		case frameInput:
			intent = widget.Intent{Action: widget.ActionInput, Text: frame.Text}
		case framePing:
			view.send(serverFrame{Type: framePong})
			continue
		default:
			log.Debug("Ignoring unknown frame", "type", frame.Type)
			continue
		}

		if err := ctrl.Dispatch(ctx, intent); err != nil {
			if errors.Is(err, widget.ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatch %s: %w", intent.Action, err)
		}
	}
}
