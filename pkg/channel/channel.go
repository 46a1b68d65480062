package channel

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
)

// Name is the name under which the lock state channel is exposed.
const Name = "screen_events"

// The only payloads sent over the channel.
var (
	EventLocked   = lockstate.Locked.String()
	EventUnlocked = lockstate.Unlocked.String()
)

// StreamHandler produces the events of an EventChannel.
type StreamHandler interface {
	// OnListen is called when a listener attaches. Events passed to sink reach the listener.
	// A returned error is reported to the listener and no events are sent.
	OnListen(sink func(string)) error

	// OnCancel is called when the listener detaches. It must be safe to call without a
	// preceding OnListen.
	OnCancel()
}

// EventChannel is a named stream of events with at most one listener.
// Listening again replaces the previous listener.
type EventChannel struct {
	name    string
	handler StreamHandler
	logger  *slog.Logger
}

// New creates an EventChannel backed by handler.
// If logger is nil, nothing is logged.
func New(name string, handler StreamHandler, logger *slog.Logger) *EventChannel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &EventChannel{
		name:    name,
		handler: handler,
		logger:  logger.With("channel", name),
	}
}

// Name returns the name of the channel.
func (c *EventChannel) Name() string {
	return c.name
}

// Listen attaches sink as the listener. Payloads other than EventLocked and EventUnlocked are
// never passed to sink.
func (c *EventChannel) Listen(sink func(string)) error {
	if sink == nil {
		return errors.New("listener cannot be nil")
	}

	return c.handler.OnListen(func(event string) {
		if event != EventLocked && event != EventUnlocked {
			c.logger.Warn("Dropping invalid event", "event", event)
			return
		}
		sink(event)
	})
}

// Cancel detaches the listener, if any.
func (c *EventChannel) Cancel() {
	c.handler.OnCancel()
}

// NotifierHandler is a StreamHandler that starts a lockstate.Notifier on listen and stops it
// on cancel.
type NotifierHandler struct {
	notifier *lockstate.Notifier

	mu  sync.Mutex
	sub lockstate.Subscription
}

var _ StreamHandler = (*NotifierHandler)(nil)

// FromNotifier creates a StreamHandler for n.
func FromNotifier(n *lockstate.Notifier) *NotifierHandler {
	return &NotifierHandler{notifier: n}
}

// OnListen implements StreamHandler.
func (h *NotifierHandler) OnListen(sink func(string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, err := h.notifier.Start(func(e lockstate.Event) {
		sink(e.String())
	})
	h.sub = sub

	return err
}

// OnCancel implements StreamHandler.
func (h *NotifierHandler) OnCancel() {
	h.mu.Lock()
	sub := h.sub
	h.sub = lockstate.Subscription{}
	h.mu.Unlock()

	h.notifier.Stop(sub)
}
