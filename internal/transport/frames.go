package transport

import (
	"github.com/ashureev/folio/internal/domain"
	"github.com/ashureev/folio/internal/widget"
)

// Client frame types.
const (
	frameMount  = "mount"
	frameToggle = "toggle"
	frameOpen   = "open"
	frameClose  = "close"
	frameSubmit = "submit"
	frameInput  = "input"
	framePing   = "ping"
)

// Server frame types.
const (
	frameReady       = "ready"
	frameError       = "error"
	framePanel       = "panel"
	frameBadge       = "badge"
	frameTyping      = "typing"
	frameFocus       = "focus"
	frameClearInput  = "clear_input"
	frameSendEnabled = "send_enabled"
	frameMessage     = "message"
	frameScroll      = "scroll"
	framePong        = "pong"
)

// errInitializationFailed is the error code sent when the mount handshake fails.
const errInitializationFailed = "initialization_failed"

// clientFrame is any frame the browser sends.
type clientFrame struct {
	Type     string   `json:"type"`
	Text     string   `json:"text,omitempty"`
	Mounts   []string `json:"mounts,omitempty"`
	Page     string   `json:"page,omitempty"`
	Referrer string   `json:"referrer,omitempty"`
}

func (f clientFrame) mounts() []widget.Mount {
	out := make([]widget.Mount, len(f.Mounts))
	for i, m := range f.Mounts {
		out[i] = widget.Mount(m)
	}
	return out
}

// serverFrame is a render command or control frame sent to the browser.
type serverFrame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Mode      string        `json:"mode,omitempty"`
	Panel     string        `json:"panel,omitempty"`
	Visible   *bool         `json:"visible,omitempty"`
	Enabled   *bool         `json:"enabled,omitempty"`
	Message   *messageFrame `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type messageFrame struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Time      string `json:"time"`
	Timestamp string `json:"timestamp"`
}

func newMessageFrame(msg domain.ConversationMessage) *messageFrame {
	return &messageFrame{
		ID:        msg.ID,
		Text:      msg.Text,
		Sender:    string(msg.Sender),
		Time:      msg.TimeLabel(),
		Timestamp: msg.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func boolPtr(b bool) *bool { return &b }
