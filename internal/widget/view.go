package widget

import (
	"fmt"

	"github.com/ashureev/folio/internal/domain"
)

// Mount names a UI node the view must provide before the widget starts.
type Mount string

const (
	MountToggle   Mount = "toggle"
	MountPanel    Mount = "panel"
	MountClose    Mount = "close"
	MountMessages Mount = "messages"
	MountInput    Mount = "input"
	MountTyping   Mount = "typing"
	MountBadge    Mount = "badge"
)

// RequiredMounts lists every mount point a view has to supply.
var RequiredMounts = []Mount{
	MountToggle,
	MountPanel,
	MountClose,
	MountMessages,
	MountInput,
	MountTyping,
	MountBadge,
}

// PanelState is the visual state of the chat panel.
type PanelState string

const (
	PanelOpen    PanelState = "open"
	PanelClosing PanelState = "closing"
	PanelHidden  PanelState = "hidden"
)

// View renders controller output. Methods are only ever called from the
// controller's loop goroutine, one at a time.
type View interface {
	SetPanel(state PanelState)
	SetBadge(visible bool)
	SetTyping(visible bool)
	SetSendEnabled(enabled bool)
	FocusInput()
	ClearInput()
	AppendMessage(msg domain.ConversationMessage)
	ScrollToLatest()
}

// CheckMounts returns an ErrInitialization error naming the first missing
// required mount.
func CheckMounts(mounts []Mount) error {
	have := make(map[Mount]bool, len(mounts))
	for _, m := range mounts {
		have[m] = true
	}
	for _, m := range RequiredMounts {
		if !have[m] {
			return fmt.Errorf("%w: missing mount %q", ErrInitialization, m)
		}
	}
	return nil
}
