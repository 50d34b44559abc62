// Package widget implements the chat widget state machine.
//
// A Controller owns one widget instance: its open/pending flags and the
// append-only conversation. All state changes happen on the goroutine running
// Run; user intents, resolver outcomes and timers are delivered to it as
// events, so no locking guards the state.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/folio/internal/domain"
	"github.com/ashureev/folio/internal/resolver"
)

// ErrInitialization is returned when a widget cannot be constructed.
var ErrInitialization = errors.New("widget initialization failed")

// ErrStopped is returned by Dispatch and Snapshot once Run has returned.
var ErrStopped = errors.New("widget stopped")

const (
	// DefaultCloseDelay matches the panel's closing transition.
	DefaultCloseDelay = 300 * time.Millisecond
	// DefaultBadgeDelay is how long the new-message badge stays up.
	DefaultBadgeDelay = 5 * time.Second
)

// Action is a named user intent.
type Action string

const (
	ActionOpen   Action = "open"
	ActionClose  Action = "close"
	ActionToggle Action = "toggle"
	ActionSubmit Action = "submit"
	ActionInput  Action = "input"
)

// Intent is a user action delivered to the controller.
type Intent struct {
	Action Action
	Text   string
}

// Options configures a Controller. Zero values select defaults; a negative
// CloseDelay hides the panel immediately.
type Options struct {
	CloseDelay    time.Duration
	BadgeDelay    time.Duration
	ErrorMessages []string
	Chooser       resolver.Chooser
	Client        domain.ClientContext
	Now           func() time.Time
	Logger        *slog.Logger

	// OnMessage is called on the loop goroutine after each append.
	OnMessage func(domain.ConversationMessage)
	// OnFailure is called on the loop goroutine for each failed resolution.
	OnFailure func(error)
}

// Snapshot is a copy of the controller state.
type Snapshot struct {
	State        domain.WidgetState
	Phase        domain.Phase
	BadgeVisible bool
	Messages     []domain.ConversationMessage
}

type event interface{}

type resolvedEvent struct {
	reply string
	err   error
}

type closeElapsedEvent struct{ gen uint64 }

type badgeElapsedEvent struct{}

type snapshotRequest struct{ reply chan Snapshot }

// Controller drives one widget instance.
type Controller struct {
	view     View
	resolver resolver.Resolver
	opts     Options
	log      *slog.Logger

	events  chan event
	done    chan struct{}
	running sync.Once
	wg      sync.WaitGroup

	// Loop-owned state.
	state        domain.WidgetState
	messages     []domain.ConversationMessage
	badgeVisible bool
	closeGen     uint64
	closeTimer   *time.Timer
	badgeTimer   *time.Timer
}

// New validates the mounts the view supplies and builds a controller.
func New(view View, mounts []Mount, res resolver.Resolver, opts Options) (*Controller, error) {
	if view == nil {
		return nil, fmt.Errorf("%w: view is nil", ErrInitialization)
	}
	if res == nil {
		return nil, fmt.Errorf("%w: resolver is nil", ErrInitialization)
	}
	if err := CheckMounts(mounts); err != nil {
		return nil, err
	}

	switch {
	case opts.CloseDelay == 0:
		opts.CloseDelay = DefaultCloseDelay
	case opts.CloseDelay < 0:
		opts.CloseDelay = 0
	}
	if opts.BadgeDelay <= 0 {
		opts.BadgeDelay = DefaultBadgeDelay
	}
	if len(opts.ErrorMessages) == 0 {
		opts.ErrorMessages = resolver.DefaultCatalog().Errors
	}
	if opts.Chooser == nil {
		opts.Chooser = resolver.Uniform
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		view:     view,
		resolver: res,
		opts:     opts,
		log:      logger.With("component", "widget", "mode", string(res.Mode())),
		events:   make(chan event, 16),
		done:     make(chan struct{}),
	}, nil
}

// Run renders the initial state and processes events until ctx ends.
// It must be called once. In-flight resolutions are abandoned, and Run waits
// for their goroutines before returning.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.running.Do(func() { started = true })
	if !started {
		return errors.New("widget: Run called twice")
	}

	defer func() {
		close(c.done)
		c.stopTimer(&c.closeTimer)
		c.stopTimer(&c.badgeTimer)
		c.wg.Wait()
	}()

	c.view.SetPanel(PanelHidden)
	c.badgeVisible = true
	c.view.SetBadge(true)
	c.badgeTimer = time.AfterFunc(c.opts.BadgeDelay, func() { c.post(badgeElapsedEvent{}) })

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("Widget loop stopped", "reason", ctx.Err(), "messages", len(c.messages))
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

// Dispatch delivers an intent to the loop.
func (c *Controller) Dispatch(ctx context.Context, in Intent) error {
	select {
	case c.events <- in:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the state as of every event queued before it.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	select {
	case c.events <- req:
	case <-c.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-req.reply:
		return s, nil
	case <-c.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case Intent:
		c.handleIntent(ctx, e)
	case resolvedEvent:
		c.finishResolution(e)
	case closeElapsedEvent:
		if e.gen == c.closeGen && !c.state.IsOpen {
			c.view.SetPanel(PanelHidden)
		}
	case badgeElapsedEvent:
		c.hideBadge()
	case snapshotRequest:
		e.reply <- c.snapshot()
	default:
		c.log.Warn("Unknown widget event", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Controller) handleIntent(ctx context.Context, in Intent) {
	switch in.Action {
	case ActionOpen:
		c.open()
	case ActionClose:
		c.close()
	case ActionToggle:
		if c.state.IsOpen {
			c.close()
		} else {
			c.open()
		}
	case ActionSubmit:
		c.submit(ctx, in.Text)
	case ActionInput:
		c.view.SetSendEnabled(len(in.Text) > 0)
	default:
		c.log.Debug("Ignoring unknown action", "action", in.Action)
	}
}

func (c *Controller) open() {
	if c.state.IsOpen {
		return
	}
	c.state.IsOpen = true
	c.closeGen++
	c.stopTimer(&c.closeTimer)

	c.view.SetPanel(PanelOpen)
	c.view.FocusInput()
	c.hideBadge()
}

func (c *Controller) close() {
	if !c.state.IsOpen {
		return
	}
	c.state.IsOpen = false
	c.closeGen++

	if c.opts.CloseDelay == 0 {
		c.view.SetPanel(PanelHidden)
		return
	}
	c.view.SetPanel(PanelClosing)
	gen := c.closeGen
	c.stopTimer(&c.closeTimer)
	c.closeTimer = time.AfterFunc(c.opts.CloseDelay, func() { c.post(closeElapsedEvent{gen: gen}) })
}

func (c *Controller) submit(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !c.state.CanSubmit() {
		c.log.Debug("Submit rejected", "phase", c.state.Phase())
		return
	}

	c.appendMessage(text, domain.SenderUser)
	c.view.ClearInput()
	c.view.SetSendEnabled(false)

	c.state.IsPending = true
	c.view.SetTyping(true)
	c.view.ScrollToLatest()

	req := resolver.Request{
		Message: text,
		Client:  c.opts.Client,
		At:      c.opts.Now(),
	}
	c.wg.Add(1)
	go c.resolve(ctx, req)
}

func (c *Controller) resolve(ctx context.Context, req resolver.Request) {
	defer c.wg.Done()

	var (
		reply string
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: resolver panic: %v", resolver.ErrResolutionFailed, r)
			}
		}()
		reply, err = c.resolver.Resolve(ctx, req)
	}()

	c.post(resolvedEvent{reply: reply, err: err})
}

func (c *Controller) finishResolution(e resolvedEvent) {
	c.state.IsPending = false
	c.view.SetTyping(false)

	if e.err != nil {
		c.log.Warn("Resolution failed", "error", e.err)
		if c.opts.OnFailure != nil {
			c.opts.OnFailure(e.err)
		}
		c.appendMessage(resolver.Pick(c.opts.Chooser, c.opts.ErrorMessages), domain.SenderBot)
		return
	}
	c.appendMessage(e.reply, domain.SenderBot)
}

func (c *Controller) appendMessage(text string, sender domain.Sender) {
	msg := domain.NewMessage(text, sender, c.opts.Now())
	c.messages = append(c.messages, msg)
	c.view.AppendMessage(msg)
	c.view.ScrollToLatest()
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

func (c *Controller) hideBadge() {
	if !c.badgeVisible {
		return
	}
	c.badgeVisible = false
	c.stopTimer(&c.badgeTimer)
	c.view.SetBadge(false)
}

func (c *Controller) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) snapshot() Snapshot {
	msgs := make([]domain.ConversationMessage, len(c.messages))
	copy(msgs, c.messages)
	return Snapshot{
		State:        c.state,
		Phase:        c.state.Phase(),
		BadgeVisible: c.badgeVisible,
		Messages:     msgs,
	}
}
