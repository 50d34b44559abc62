package domain

// Phase is the widget state as seen by the state machine.
type Phase string

const (
	PhaseClosed      Phase = "closed"
	PhaseOpenIdle    Phase = "open_idle"
	PhaseOpenPending Phase = "open_pending"
)

// WidgetState holds the open/pending flags of a widget.
// IsPending is true exactly while a resolution is outstanding.
type WidgetState struct {
	IsOpen    bool `json:"is_open"`
	IsPending bool `json:"is_pending"`
}

// Phase maps the flags onto the state machine. A closed panel reports
// PhaseClosed even if a resolution started before closing is still running.
func (s WidgetState) Phase() Phase {
	switch {
	case !s.IsOpen:
		return PhaseClosed
	case s.IsPending:
		return PhaseOpenPending
	default:
		return PhaseOpenIdle
	}
}

// CanSubmit reports whether a new submission may start.
func (s WidgetState) CanSubmit() bool {
	return s.IsOpen && !s.IsPending
}
