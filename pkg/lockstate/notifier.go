package lockstate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNilSink is returned by Start when no sink is given.
	ErrNilSink = errors.New("sink cannot be nil")

	// ErrRegistration wraps the error of a SignalSource that failed to register.
	ErrRegistration = errors.New("failed to register with lock signal source")
)

// Sink receives the events of an active subscription.
//
// A Sink is called synchronously on the goroutine the SignalSource delivers on. It may call
// Notifier.Stop or Notifier.Start.
type Sink func(Event)

// Subscription identifies one call to Notifier.Start.
// The zero Subscription never matches an active subscription.
type Subscription struct {
	id uuid.UUID
}

// String returns the subscription ID, or an empty string for the zero Subscription.
func (s Subscription) String() string {
	if s.id == uuid.Nil {
		return ""
	}

	return s.id.String()
}

// Notifier relays the notifications of a SignalSource to at most one Sink.
//
// States: idle (no sink, not registered with the source) and observing (sink set,
// registered). A Notifier can cycle between them indefinitely.
// It is safe to call Notifier's methods concurrently.
type Notifier struct {
	source SignalSource
	logger *slog.Logger

	// muOps serialises Start and Stop so that registering with the source and tearing down
	// happen one at a time. It is never held while calling the sink.
	muOps sync.Mutex

	// mu guards the sink, subscription and handle triple.
	mu     sync.Mutex
	sink   Sink
	sub    Subscription
	handle Handle
}

// New creates an idle Notifier observing source.
// If logger is nil, nothing is logged.
func New(source SignalSource, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Notifier{
		source: source,
		logger: logger,
	}
}

// Start registers sink as the only receiver of future events and starts observing the
// signal source.
//
// When a subscription is already active, it is stopped first; the last subscriber wins.
// When the source fails to register, the returned error wraps ErrRegistration and the
// Notifier is idle.
func (n *Notifier) Start(sink Sink) (Subscription, error) {
	if sink == nil {
		return Subscription{}, ErrNilSink
	}

	n.muOps.Lock()
	defer n.muOps.Unlock()

	if replaced := n.teardown(); replaced != (Subscription{}) {
		n.logger.Debug("Replacing lock state subscription", "old", replaced.String())
	}

	sub := Subscription{id: uuid.New()}
	handle, err := n.source.Register(
		func() { n.deliver(sub, Locked) },
		func() { n.deliver(sub, Unlocked) },
	)
	if err != nil {
		return Subscription{}, fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	n.mu.Lock()
	n.sink = sink
	n.sub = sub
	n.handle = handle
	n.mu.Unlock()

	n.logger.Debug("Lock state subscription started", "subscription", sub.String())

	return sub, nil
}

// Stop ends the subscription sub.
// Stop is a no-op when sub is not the active subscription, so it can be called repeatedly
// and with stale handles.
//
// Signals raised after Stop returns never reach the sink. Stop does not wait for a
// delivery that is already in progress on the source's goroutine: such a delivery may
// still call the sink once after Stop returns. Waiting would deadlock a sink that calls
// Stop itself. A sink that must not act after Stop returns has to check its own state.
func (n *Notifier) Stop(sub Subscription) {
	if sub == (Subscription{}) {
		return
	}

	n.muOps.Lock()
	defer n.muOps.Unlock()

	n.mu.Lock()
	current := n.sub
	n.mu.Unlock()

	if current != sub {
		return
	}

	n.teardown()
}

// Cancel ends the active subscription, whichever it is.
func (n *Notifier) Cancel() {
	n.muOps.Lock()
	defer n.muOps.Unlock()

	n.teardown()
}

// Active returns the active subscription and whether there is one.
func (n *Notifier) Active() (Subscription, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.sub, n.sink != nil
}

// teardown clears the active subscription and unregisters from the source.
// It returns the subscription that was cleared, if any.
// Holding the muOps mutex is required.
func (n *Notifier) teardown() Subscription {
	n.mu.Lock()
	if n.sink == nil {
		n.mu.Unlock()
		return Subscription{}
	}

	sub := n.sub
	handle := n.handle
	n.sink = nil
	n.sub = Subscription{}
	n.handle = 0
	n.mu.Unlock()

	if err := n.source.Unregister(handle); err != nil {
		n.logger.Warn(
			"Failed to unregister from lock signal source",
			"subscription", sub.String(),
			"error", err,
		)
	}

	n.logger.Debug("Lock state subscription stopped", "subscription", sub.String())

	return sub
}

func (n *Notifier) deliver(sub Subscription, e Event) {
	n.mu.Lock()
	sink := n.sink
	current := n.sub
	n.mu.Unlock()

	if sink == nil || current != sub {
		n.logger.Debug("Dropping lock state event without subscriber", "event", e)
		return
	}

	sink(e)
}
