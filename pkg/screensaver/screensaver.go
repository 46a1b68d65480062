package screensaver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/godbus/dbus/v5"
)

// DefaultInterface is the freedesktop screen saver interface, implemented by KDE and others.
const DefaultInterface = "org.freedesktop.ScreenSaver"

// signalMatcher manages the match rules of a bus connection.
type signalMatcher interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
}

// Source is a lockstate.SignalSource relaying the ActiveChanged signal of a screen saver.
// It is safe to call Source's methods concurrently.
type Source struct {
	conn               *dbus.Conn
	bus                signalMatcher
	iface              string
	logger             *slog.Logger
	obj                dbus.BusObject
	path               dbus.ObjectPath
	closeSignalHandler chan struct{}
	closeOnce          sync.Once

	muSignals   sync.Mutex
	listeners   lockstate.Listeners
	matchActive bool
}

var _ lockstate.SignalSource = (*Source)(nil)

// New connects to the session bus and creates a Source for the screen saver interface iface.
// The service is expected at the well-known name iface and object path derived from it,
// e.g. /org/freedesktop/ScreenSaver. An empty iface selects DefaultInterface.
// If logger is nil, nothing is logged.
func New(iface string, logger *slog.Logger) (*Source, error) {
	if iface == "" {
		iface = DefaultInterface
	}
	path := objectPath(iface)
	if !path.IsValid() {
		return nil, fmt.Errorf("interface %q does not map to a valid object path", iface)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	s := &Source{
		conn:               conn,
		bus:                conn,
		iface:              iface,
		logger:             logger.With("source", "screensaver", "interface", iface),
		obj:                conn.Object(iface, path),
		path:               path,
		closeSignalHandler: make(chan struct{}),
	}

	c := make(chan *dbus.Signal, 16)
	conn.Signal(c)
	go func() {
		for {
			select {
			case <-s.closeSignalHandler:
				conn.RemoveSignal(c)
				return
			case v := <-c:
				s.handleIncomingSignal(v)
			}
		}
	}()

	return s, nil
}

func objectPath(iface string) dbus.ObjectPath {
	return dbus.ObjectPath("/" + strings.ReplaceAll(iface, ".", "/"))
}

// Active reports whether the screen saver is currently active.
func (s *Source) Active() (bool, error) {
	var active bool
	if err := s.obj.Call(s.iface+".GetActive", 0).Store(&active); err != nil {
		return false, fmt.Errorf("could not get screen saver state: %w", err)
	}

	return active, nil
}

// Register implements lockstate.SignalSource.
func (s *Source) Register(onLocked, onUnlocked func()) (lockstate.Handle, error) {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	if !s.matchActive {
		if err := s.bus.AddMatchSignal(s.matchRule()...); err != nil {
			return 0, fmt.Errorf("failed to register D-Bus ActiveChanged signal: %w", err)
		}
		s.matchActive = true
	}

	return s.listeners.Add(onLocked, onUnlocked), nil
}

// Unregister implements lockstate.SignalSource.
func (s *Source) Unregister(h lockstate.Handle) error {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	if !s.listeners.Remove(h) {
		return nil
	}

	if s.listeners.Len() == 0 {
		return s.removeMatchRule()
	}

	return nil
}

// Close permanently stops processing signals and closes the connection.
func (s *Source) Close() error {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	var err error
	s.closeOnce.Do(func() {
		s.listeners.Clear()
		err = errors.Join(err, s.removeMatchRule())
		close(s.closeSignalHandler)
		err = errors.Join(err, s.conn.Close())
	})

	return err
}

func (s *Source) matchRule() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(s.path),
		dbus.WithMatchInterface(s.iface),
		dbus.WithMatchMember("ActiveChanged"),
	}
}

// removeMatchRule removes the ActiveChanged match rule if it was added.
// Holding the muSignals mutex is required.
func (s *Source) removeMatchRule() error {
	if !s.matchActive {
		return nil
	}

	if err := s.bus.RemoveMatchSignal(s.matchRule()...); err != nil {
		return fmt.Errorf("failed to remove D-Bus ActiveChanged signal: %w", err)
	}

	s.matchActive = false

	return nil
}

func (s *Source) handleIncomingSignal(sig *dbus.Signal) {
	if sig == nil {
		return
	}

	event, ok := translate(s.iface, s.path, sig)
	if !ok {
		return
	}

	s.logger.Debug("Received screen saver signal", "event", event)
	s.listeners.Emit(event)
}

// translate maps ActiveChanged(true) to Locked and ActiveChanged(false) to Unlocked.
func translate(iface string, path dbus.ObjectPath, sig *dbus.Signal) (lockstate.Event, bool) {
	if sig.Path != path || sig.Name != iface+".ActiveChanged" || len(sig.Body) != 1 {
		return 0, false
	}

	active, ok := sig.Body[0].(bool)
	if !ok {
		return 0, false
	}

	if active {
		return lockstate.Locked, true
	}
	return lockstate.Unlocked, true
}
