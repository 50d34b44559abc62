package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/folio/internal/domain"
	"github.com/ashureev/folio/internal/widget"
	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// wsView encodes render commands as JSON frames. The controller loop only
// enqueues; writeLoop owns the connection's write side so a slow client never
// stalls the loop.
type wsView struct {
	conn      *websocket.Conn
	sessionID string
	out       chan serverFrame
	overflow  context.CancelFunc
}

func newWSView(conn *websocket.Conn, sessionID string, queueSize int, overflow context.CancelFunc) *wsView {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &wsView{
		conn:      conn,
		sessionID: sessionID,
		out:       make(chan serverFrame, queueSize),
		overflow:  overflow,
	}
}

func (v *wsView) send(f serverFrame) {
	select {
	case v.out <- f:
	default:
		slog.Warn("Widget client too slow, dropping connection", "session_id", v.sessionID, "frame", f.Type)
		v.overflow()
	}
}

func (v *wsView) SetPanel(state widget.PanelState) {
	v.send(serverFrame{Type: framePanel, Panel: string(state)})
}

func (v *wsView) SetBadge(visible bool) {
	v.send(serverFrame{Type: frameBadge, Visible: boolPtr(visible)})
}

func (v *wsView) SetTyping(visible bool) {
	v.send(serverFrame{Type: frameTyping, Visible: boolPtr(visible)})
}

func (v *wsView) SetSendEnabled(enabled bool) {
	v.send(serverFrame{Type: frameSendEnabled, Enabled: boolPtr(enabled)})
}

func (v *wsView) FocusInput() { v.send(serverFrame{Type: frameFocus}) }

func (v *wsView) ClearInput() { v.send(serverFrame{Type: frameClearInput}) }

func (v *wsView) ScrollToLatest() { v.send(serverFrame{Type: frameScroll}) }

func (v *wsView) AppendMessage(msg domain.ConversationMessage) {
	v.send(serverFrame{Type: frameMessage, Message: newMessageFrame(msg)})
}

// writeLoop drains queued frames until ctx ends or a write fails.
func (v *wsView) writeLoop(ctx context.Context) error {
	for {
		select {
		case f := <-v.out:
			if err := writeFrame(ctx, v.conn, f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write %s frame: %w", f.Type, err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

var _ widget.View = (*wsView)(nil)
