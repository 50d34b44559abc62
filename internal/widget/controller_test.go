package widget

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/folio/internal/domain"
	"github.com/ashureev/folio/internal/resolver"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingView logs every render call in order.
type recordingView struct {
	mu    sync.Mutex
	calls []string
}

func (v *recordingView) record(call string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, call)
}

func (v *recordingView) SetPanel(s PanelState)       { v.record("panel:" + string(s)) }
func (v *recordingView) SetBadge(visible bool)       { v.record(fmt.Sprintf("badge:%t", visible)) }
func (v *recordingView) SetTyping(visible bool)      { v.record(fmt.Sprintf("typing:%t", visible)) }
func (v *recordingView) SetSendEnabled(enabled bool) { v.record(fmt.Sprintf("send:%t", enabled)) }
func (v *recordingView) FocusInput()                 { v.record("focus") }
func (v *recordingView) ClearInput()                 { v.record("clear") }
func (v *recordingView) ScrollToLatest()             { v.record("scroll") }
func (v *recordingView) AppendMessage(m domain.ConversationMessage) {
	v.record("message:" + string(m.Sender))
}

func (v *recordingView) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.calls)
}

func (v *recordingView) count(call string) int {
	n := 0
	for _, c := range v.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// gatedResolver blocks every call until a reply or error is released.
type gatedResolver struct {
	release chan result
	calls   chan string
}

type result struct {
	reply string
	err   error
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{release: make(chan result, 1), calls: make(chan string, 8)}
}

func (r *gatedResolver) Resolve(ctx context.Context, req resolver.Request) (string, error) {
	r.calls <- req.Message
	select {
	case res := <-r.release:
		return res.reply, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *gatedResolver) Mode() resolver.Mode { return resolver.ModeRemote }

type panicResolver struct{}

func (panicResolver) Resolve(context.Context, resolver.Request) (string, error) {
	panic("boom")
}

func (panicResolver) Mode() resolver.Mode { return resolver.ModeRemote }

func startController(t *testing.T, res resolver.Resolver, opts Options) (*Controller, *recordingView) {
	t.Helper()
	view := &recordingView{}
	ctrl, err := New(view, RequiredMounts, res, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ctrl.Run(ctx); err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctrl, view
}

func dispatch(t *testing.T, c *Controller, action Action, text string) {
	t.Helper()
	if err := c.Dispatch(context.Background(), Intent{Action: action, Text: text}); err != nil {
		t.Fatalf("Dispatch(%s) failed: %v", action, err)
	}
}

func snapshot(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	s, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	return s
}

func waitFor(t *testing.T, c *Controller, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := snapshot(t, c); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return Snapshot{}
}

func TestNewRequiresEveryMount(t *testing.T) {
	for _, missing := range RequiredMounts {
		mounts := slices.DeleteFunc(slices.Clone(RequiredMounts), func(m Mount) bool { return m == missing })
		_, err := New(&recordingView{}, mounts, resolver.NewLocal(nil, nil), Options{})
		if !errors.Is(err, ErrInitialization) {
			t.Errorf("missing %q: expected ErrInitialization, got %v", missing, err)
		}
	}

	if _, err := New(nil, RequiredMounts, resolver.NewLocal(nil, nil), Options{}); !errors.Is(err, ErrInitialization) {
		t.Errorf("nil view: expected ErrInitialization, got %v", err)
	}
	if _, err := New(&recordingView{}, RequiredMounts, nil, Options{}); !errors.Is(err, ErrInitialization) {
		t.Errorf("nil resolver: expected ErrInitialization, got %v", err)
	}
}

func TestInitialRenderShowsBadge(t *testing.T) {
	ctrl, view := startController(t, resolver.NewLocal(nil, nil), Options{})

	s := snapshot(t, ctrl)
	if s.Phase != domain.PhaseClosed || !s.BadgeVisible {
		t.Fatalf("unexpected initial snapshot: %+v", s)
	}
	calls := view.Calls()
	if len(calls) < 2 || calls[0] != "panel:hidden" || calls[1] != "badge:true" {
		t.Errorf("unexpected initial render: %v", calls)
	}
}

func TestSubmitBlankIsIgnored(t *testing.T) {
	ctrl, view := startController(t, resolver.NewLocal(nil, nil), Options{})
	dispatch(t, ctrl, ActionOpen, "")
	before := snapshot(t, ctrl)

	for _, text := range []string{"", "   ", "\t\n"} {
		dispatch(t, ctrl, ActionSubmit, text)
	}

	after := snapshot(t, ctrl)
	if len(after.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(after.Messages))
	}
	if after.State != before.State {
		t.Errorf("state changed: %+v -> %+v", before.State, after.State)
	}
	if n := view.count("typing:true"); n != 0 {
		t.Errorf("typing indicator shown %d times for blank input", n)
	}
}

func TestSubmitGoesPendingThenIdle(t *testing.T) {
	res := newGatedResolver()
	ctrl, view := startController(t, res, Options{})
	dispatch(t, ctrl, ActionOpen, "")
	dispatch(t, ctrl, ActionSubmit, "  hello  ")

	s := snapshot(t, ctrl)
	if s.Phase != domain.PhaseOpenPending {
		t.Fatalf("phase = %s, want open_pending", s.Phase)
	}
	if len(s.Messages) != 1 || s.Messages[0].Text != "hello" || s.Messages[0].Sender != domain.SenderUser {
		t.Fatalf("unexpected messages: %+v", s.Messages)
	}
	if got := <-res.calls; got != "hello" {
		t.Errorf("resolver got %q, want trimmed text", got)
	}

	res.release <- result{reply: "pong"}
	s = waitFor(t, ctrl, "idle", func(s Snapshot) bool { return s.Phase == domain.PhaseOpenIdle })

	if len(s.Messages) != 2 || s.Messages[1].Text != "pong" || s.Messages[1].Sender != domain.SenderBot {
		t.Fatalf("unexpected messages: %+v", s.Messages)
	}

	calls := view.Calls()
	show := slices.Index(calls, "typing:true")
	hide := slices.Index(calls, "typing:false")
	if show < 0 || hide < show {
		t.Fatalf("typing indicator not bracketed: %v", calls)
	}
	if idx := slices.Index(calls[hide:], "message:bot"); idx < 0 {
		t.Errorf("bot message should follow hiding the typing indicator: %v", calls)
	}
	if !slices.Contains(calls, "clear") || !slices.Contains(calls, "send:false") {
		t.Errorf("input should be cleared on submit: %v", calls)
	}
}

func TestSubmitWhilePendingIsNoop(t *testing.T) {
	res := newGatedResolver()
	ctrl, _ := startController(t, res, Options{})
	dispatch(t, ctrl, ActionOpen, "")
	dispatch(t, ctrl, ActionSubmit, "first")
	<-res.calls

	dispatch(t, ctrl, ActionSubmit, "second")
	dispatch(t, ctrl, ActionSubmit, "third")

	s := snapshot(t, ctrl)
	if len(s.Messages) != 1 {
		t.Fatalf("expected 1 message while pending, got %d", len(s.Messages))
	}
	select {
	case msg := <-res.calls:
		t.Fatalf("resolver called again with %q while pending", msg)
	default:
	}

	res.release <- result{reply: "ok"}
	waitFor(t, ctrl, "idle", func(s Snapshot) bool { return !s.State.IsPending })

	dispatch(t, ctrl, ActionSubmit, "fourth")
	if got := <-res.calls; got != "fourth" {
		t.Errorf("resolver got %q, want fourth", got)
	}
	res.release <- result{reply: "ok"}
	s = waitFor(t, ctrl, "second reply", func(s Snapshot) bool { return len(s.Messages) == 4 })

	senders := make([]domain.Sender, 0, len(s.Messages))
	for _, m := range s.Messages {
		senders = append(senders, m.Sender)
	}
	want := []domain.Sender{domain.SenderUser, domain.SenderBot, domain.SenderUser, domain.SenderBot}
	if !slices.Equal(senders, want) {
		t.Errorf("senders = %v, want %v", senders, want)
	}
}

func TestFailedResolutionShowsErrorMessage(t *testing.T) {
	res := newGatedResolver()
	errorSet := []string{"first error", "second error"}

	var failures []error
	ctrl, view := startController(t, res, Options{
		ErrorMessages: errorSet,
		Chooser:       resolver.NewSeededChooser(3),
		OnFailure:     func(err error) { failures = append(failures, err) },
	})
	dispatch(t, ctrl, ActionOpen, "")
	dispatch(t, ctrl, ActionSubmit, "hello")
	<-res.calls

	res.release <- result{err: fmt.Errorf("%w: status 500", resolver.ErrResolutionFailed)}
	s := waitFor(t, ctrl, "idle", func(s Snapshot) bool { return len(s.Messages) == 2 })

	if s.Phase != domain.PhaseOpenIdle {
		t.Errorf("phase = %s, want open_idle", s.Phase)
	}
	if !slices.Contains(errorSet, s.Messages[1].Text) {
		t.Errorf("error reply %q not in error set", s.Messages[1].Text)
	}
	if view.count("typing:false") != 1 {
		t.Errorf("typing indicator should be hidden once: %v", view.Calls())
	}
	// OnFailure runs on the loop goroutine; the snapshot above orders it.
	if len(failures) != 1 || !errors.Is(failures[0], resolver.ErrResolutionFailed) {
		t.Errorf("OnFailure calls = %v", failures)
	}
}

func TestResolverPanicIsRecovered(t *testing.T) {
	ctrl, _ := startController(t, panicResolver{}, Options{ErrorMessages: []string{"oops"}})
	dispatch(t, ctrl, ActionOpen, "")
	dispatch(t, ctrl, ActionSubmit, "hello")

	s := waitFor(t, ctrl, "recovery", func(s Snapshot) bool { return len(s.Messages) == 2 })
	if s.Messages[1].Text != "oops" || s.State.IsPending {
		t.Errorf("unexpected snapshot after panic: %+v", s)
	}
}

func TestSubmitWhileClosedIsIgnored(t *testing.T) {
	ctrl, _ := startController(t, resolver.NewLocal(nil, nil), Options{})
	dispatch(t, ctrl, ActionSubmit, "hello")

	if s := snapshot(t, ctrl); len(s.Messages) != 0 || s.Phase != domain.PhaseClosed {
		t.Errorf("closed widget accepted a submission: %+v", s)
	}
}

func TestCloseWhilePendingStillAppendsReply(t *testing.T) {
	res := newGatedResolver()
	ctrl, _ := startController(t, res, Options{CloseDelay: -1})
	dispatch(t, ctrl, ActionOpen, "")
	dispatch(t, ctrl, ActionSubmit, "hello")
	<-res.calls
	dispatch(t, ctrl, ActionClose, "")

	if s := snapshot(t, ctrl); s.Phase != domain.PhaseClosed || !s.State.IsPending {
		t.Fatalf("unexpected snapshot after close: %+v", s)
	}

	res.release <- result{reply: "late reply"}
	s := waitFor(t, ctrl, "reply", func(s Snapshot) bool { return len(s.Messages) == 2 })
	if s.Messages[1].Text != "late reply" {
		t.Errorf("reply = %q", s.Messages[1].Text)
	}

	// Still closed, so a new submission is refused until reopened.
	dispatch(t, ctrl, ActionSubmit, "again")
	if s := snapshot(t, ctrl); len(s.Messages) != 2 {
		t.Errorf("closed widget accepted a submission")
	}
}

func TestCloseHidesPanelAfterDelay(t *testing.T) {
	ctrl, view := startController(t, resolver.NewLocal(nil, nil), Options{CloseDelay: 20 * time.Millisecond})
	dispatch(t, ctrl, ActionOpen, "")
	dispatch(t, ctrl, ActionClose, "")

	if s := snapshot(t, ctrl); s.Phase != domain.PhaseClosed {
		t.Fatalf("phase = %s, want closed", s.Phase)
	}

	deadline := time.Now().Add(2 * time.Second)
	for view.count("panel:hidden") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("panel never hidden: %v", view.Calls())
		}
		time.Sleep(5 * time.Millisecond)
	}
	calls := view.Calls()
	if calls[len(calls)-2] != "panel:closing" || calls[len(calls)-1] != "panel:hidden" {
		t.Errorf("expected closing then hidden, got %v", calls)
	}
}

func TestReopenCancelsPendingHide(t *testing.T) {
	ctrl, view := startController(t, resolver.NewLocal(nil, nil), Options{CloseDelay: 30 * time.Millisecond})
	dispatch(t, ctrl, ActionOpen, "")
	dispatch(t, ctrl, ActionClose, "")
	dispatch(t, ctrl, ActionOpen, "")

	time.Sleep(100 * time.Millisecond)
	snapshot(t, ctrl)

	if n := view.count("panel:hidden"); n != 1 {
		t.Errorf("panel hidden %d times after reopen, want only the initial render: %v", n, view.Calls())
	}
}

func TestToggleAlternates(t *testing.T) {
	ctrl, _ := startController(t, resolver.NewLocal(nil, nil), Options{CloseDelay: -1})

	dispatch(t, ctrl, ActionToggle, "")
	if s := snapshot(t, ctrl); !s.State.IsOpen {
		t.Fatal("toggle should open a closed widget")
	}
	dispatch(t, ctrl, ActionToggle, "")
	if s := snapshot(t, ctrl); s.State.IsOpen {
		t.Fatal("toggle should close an open widget")
	}
}

func TestInputTogglesSendAffordance(t *testing.T) {
	ctrl, view := startController(t, resolver.NewLocal(nil, nil), Options{})
	dispatch(t, ctrl, ActionInput, "h")
	dispatch(t, ctrl, ActionInput, "")
	snapshot(t, ctrl)

	calls := view.Calls()
	i := slices.Index(calls, "send:true")
	if i < 0 || !slices.Contains(calls[i:], "send:false") {
		t.Errorf("expected send:true then send:false, got %v", calls)
	}
}

func TestBadgeAutoHides(t *testing.T) {
	ctrl, _ := startController(t, resolver.NewLocal(nil, nil), Options{BadgeDelay: 20 * time.Millisecond})
	waitFor(t, ctrl, "badge hidden", func(s Snapshot) bool { return !s.BadgeVisible })
}

func TestLocalConversationEndToEnd(t *testing.T) {
	catalog := resolver.DefaultCatalog()
	res := resolver.NewLocal(catalog, resolver.NewSeededChooser(11))
	ctrl, view := startController(t, res, Options{CloseDelay: -1})

	dispatch(t, ctrl, ActionOpen, "")
	dispatch(t, ctrl, ActionSubmit, "Hi there")
	s := waitFor(t, ctrl, "first reply", func(s Snapshot) bool { return len(s.Messages) == 2 })

	wantHi, _ := catalog.Match("hi")
	if s.Messages[1].Text != wantHi {
		t.Errorf("reply = %q, want %q", s.Messages[1].Text, wantHi)
	}

	dispatch(t, ctrl, ActionSubmit, "xyz123")
	s = waitFor(t, ctrl, "second reply", func(s Snapshot) bool { return len(s.Messages) == 4 })
	if !slices.Contains(catalog.Defaults, s.Messages[3].Text) {
		t.Errorf("reply %q not in default set", s.Messages[3].Text)
	}

	dispatch(t, ctrl, ActionClose, "")
	dispatch(t, ctrl, ActionOpen, "")
	after := snapshot(t, ctrl)

	if after.BadgeVisible {
		t.Error("badge should be cleared after reopening")
	}
	if !slices.Equal(after.Messages, s.Messages) {
		t.Error("close and reopen altered the conversation")
	}
	if n := view.count("scroll"); n < 4 {
		t.Errorf("expected a scroll per append, got %d", n)
	}
}

func TestDispatchAfterStop(t *testing.T) {
	view := &recordingView{}
	ctrl, err := New(view, RequiredMounts, resolver.NewLocal(nil, nil), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	cancel()
	<-done

	if _, err := ctrl.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Snapshot after stop: expected ErrStopped, got %v", err)
	}
	if err := ctrl.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}
