//go:build linux

package idle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MatthiasKunnen/go-wayland/wayland/client"
	idleNotify "github.com/MatthiasKunnen/go-wayland/wayland/staging/ext-idle-notify-v1"
	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
)

// Source is a lockstate.SignalSource backed by a Wayland idle notification.
// It is safe to call Source's methods concurrently.
type Source struct {
	close     chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
	timeout   uint32

	// Wayland communication is not safe to be done over multiple goroutines. Everything
	// touching the objects below runs on the loop goroutine, either as a dispatch function
	// or as a request.
	dispatchChan chan func() error
	requests     chan func()
	display      *client.Display
	notification *idleNotify.IdleNotification
	notifier     *idleNotify.IdleNotifier
	registry     *client.Registry
	seat         *client.Seat

	// subscribe and unsubscribe create and destroy the idle notification.
	subscribe   func() error
	unsubscribe func() error

	// events decouples the listeners from the loop goroutine so that a listener can
	// call Register or Unregister.
	events chan lockstate.Event

	muSignals sync.Mutex
	listeners lockstate.Listeners
}

var _ lockstate.SignalSource = (*Source)(nil)

// NewWaylandSource sets up a new Wayland connection and binds the ext-idle-notify global.
// The session is considered locked after being idle for timeout; zero selects
// DefaultTimeout.
// If logger is nil, nothing is logged.
func NewWaylandSource(timeout time.Duration, logger *slog.Logger) (*Source, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	timeoutMs, err := timeoutMillis(timeout)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Source{
		close:        make(chan struct{}),
		logger:       logger.With("source", "wayland-idle", "timeout", timeout),
		timeout:      timeoutMs,
		dispatchChan: make(chan func() error),
		requests:     make(chan func()),
		events:       make(chan lockstate.Event, 16),
	}
	s.subscribe = s.createNotification
	s.unsubscribe = s.destroyNotification

	s.display, err = client.Connect("")
	if err != nil {
		return nil, fmt.Errorf("error connecting to Wayland server: %w", err)
	}

	s.registry, err = s.display.GetRegistry()
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("error getting Wayland registry: %w", err),
			s.context().Close(),
		)
	}

	var globalHandlerError error
	s.registry.SetGlobalHandler(func(e client.RegistryGlobalEvent) {
		switch e.Interface {
		case idleNotify.IdleNotifierInterfaceName:
			s.notifier = idleNotify.NewIdleNotifier(s.context())
			err := s.registry.Bind(e.Name, idleNotify.IdleNotifierInterfaceName, e.Version, s.notifier)
			if err != nil {
				globalHandlerError = errors.Join(
					globalHandlerError,
					fmt.Errorf("unable to bind %s interface: %w", idleNotify.IdleNotifierInterfaceName, err),
				)
			}
		case client.SeatInterfaceName:
			// The first seat is used.
			if s.seat != nil {
				return
			}
			seat := client.NewSeat(s.context())
			err := s.registry.Bind(e.Name, e.Interface, e.Version, seat)
			if err != nil {
				globalHandlerError = errors.Join(
					globalHandlerError,
					fmt.Errorf("unable to bind %s interface: %w", client.SeatInterfaceName, err),
				)
			}
			s.seat = seat
		}
	})

	for i := 1; i <= 2; i++ {
		if err := s.display.Roundtrip(); err != nil {
			return nil, errors.Join(
				fmt.Errorf("failed roundtrip %d: %w", i, err),
				s.destroy(),
			)
		}
		if globalHandlerError != nil {
			return nil, errors.Join(
				fmt.Errorf("error in registry GlobalHandler after roundtrip %d: %w", i, globalHandlerError),
				s.destroy(),
			)
		}
	}

	if s.notifier == nil || s.seat == nil {
		return nil, errors.Join(
			errors.New("no idle notifier or seat was bound, ext-idle-notify might not be supported"),
			s.destroy(),
		)
	}

	go s.read()
	go s.loop()
	go s.deliver()

	return s, nil
}

func (s *Source) context() *client.Context {
	return s.display.Context()
}

// read blocks on the Wayland socket and hands the resulting dispatch functions to the loop.
func (s *Source) read() {
	for {
		select {
		case s.dispatchChan <- s.context().GetDispatch():
		case <-s.close:
			return
		}
	}
}

func (s *Source) loop() {
	for {
		select {
		case dispatchFunc := <-s.dispatchChan:
			if err := dispatchFunc(); err != nil {
				s.logger.Warn("Wayland dispatch error", "error", err)
			}
		case request := <-s.requests:
			request()
		case <-s.close:
			return
		}
	}
}

func (s *Source) deliver() {
	for {
		select {
		case e := <-s.events:
			s.listeners.Emit(e)
		case <-s.close:
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (s *Source) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.requests <- func() { errc <- fn() }:
	case <-s.close:
		return ErrClosed
	}

	select {
	case err := <-errc:
		return err
	case <-s.close:
		return ErrClosed
	}
}

func (s *Source) emit(e lockstate.Event) {
	select {
	case s.events <- e:
	case <-s.close:
	}
}

// createNotification is run on the loop goroutine.
func (s *Source) createNotification() error {
	notification, err := s.notifier.GetIdleNotification(s.timeout, s.seat)
	if err != nil {
		return fmt.Errorf("unable to get idle notification: %w", err)
	}

	notification.SetIdledHandler(func(idleNotify.IdleNotificationIdledEvent) {
		s.logger.Debug("Session idled")
		s.emit(lockstate.Locked)
	})
	notification.SetResumedHandler(func(idleNotify.IdleNotificationResumedEvent) {
		s.logger.Debug("Session resumed")
		s.emit(lockstate.Unlocked)
	})
	s.notification = notification

	return nil
}

// destroyNotification is run on the loop goroutine.
func (s *Source) destroyNotification() error {
	if s.notification == nil {
		return nil
	}

	err := s.notification.Destroy()
	s.notification = nil
	if err != nil {
		return fmt.Errorf("failed to close wayland idle notification: %w", err)
	}

	return nil
}

// Register implements lockstate.SignalSource. The idle notification is created for the
// first registration.
func (s *Source) Register(onLocked, onUnlocked func()) (lockstate.Handle, error) {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	if s.listeners.Len() == 0 {
		if err := s.do(s.subscribe); err != nil {
			return 0, err
		}
	}

	return s.listeners.Add(onLocked, onUnlocked), nil
}

// Unregister implements lockstate.SignalSource. The idle notification is destroyed with the
// last registration.
func (s *Source) Unregister(h lockstate.Handle) error {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	if !s.listeners.Remove(h) {
		return nil
	}

	if s.listeners.Len() == 0 {
		if err := s.do(s.unsubscribe); err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}

	return nil
}

// Close destroys the Wayland objects and closes the connection. Do not use the Source after
// this.
func (s *Source) Close() error {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	var err error
	s.closeOnce.Do(func() {
		s.listeners.Clear()
		err = s.do(func() error {
			return errors.Join(s.destroyNotification(), s.releaseGlobals())
		})
		err = errors.Join(err, s.shutdown())
	})

	return err
}

// destroy releases the globals and closes the connection of a Source whose goroutines did
// not start.
func (s *Source) destroy() error {
	return errors.Join(s.releaseGlobals(), s.shutdown())
}

// releaseGlobals is run on the loop goroutine once the goroutines are started.
func (s *Source) releaseGlobals() error {
	var totalError error
	if s.seat != nil {
		if err := s.seat.Release(); err != nil {
			totalError = errors.Join(totalError, fmt.Errorf("error releasing seat: %w", err))
		}
	}

	if s.notifier != nil {
		if err := s.notifier.Destroy(); err != nil {
			totalError = errors.Join(totalError, fmt.Errorf(
				"unable to destroy %s: %w",
				idleNotify.IdleNotifierInterfaceName,
				err,
			))
		}
	}

	if s.display != nil {
		if err := s.display.Destroy(); err != nil {
			totalError = errors.Join(totalError, fmt.Errorf("error destroying display: %w", err))
		}
	}

	return totalError
}

// shutdown stops the goroutines and closes the connection.
func (s *Source) shutdown() error {
	close(s.close)

	if err := s.context().Close(); err != nil {
		return fmt.Errorf("error closing wayland connection: %w", err)
	}

	return nil
}
