package logind

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/godbus/dbus/v5"
)

const (
	dbusDest             = "org.freedesktop.login1"
	dbusPath             = "/org/freedesktop/login1"
	dbusManagerInterface = "org.freedesktop.login1.Manager"
	dbusSessionInterface = "org.freedesktop.login1.Session"
	dbusPropertiesIface  = "org.freedesktop.DBus.Properties"
)

// ErrNoSession is returned when logind does not know the requested session.
var ErrNoSession = errors.New("session not found")

// Mode selects which logind notifications are relayed.
type Mode int

const (
	// ModeSignals relays the session's Lock and Unlock signals.
	ModeSignals Mode = iota
	// ModeLockedHint relays changes of the session's LockedHint property.
	ModeLockedHint
)

func (m Mode) String() string {
	switch m {
	case ModeSignals:
		return "signals"
	case ModeLockedHint:
		return "locked-hint"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Session is an entry of org.freedesktop.login1.Manager.ListSessions.
type Session struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

// signalMatcher manages the match rules of a bus connection.
type signalMatcher interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
}

// Source is a lockstate.SignalSource for one logind session.
// It is safe to call Source's methods concurrently.
type Source struct {
	conn               *dbus.Conn
	bus                signalMatcher
	logger             *slog.Logger
	mode               Mode
	path               dbus.ObjectPath
	sessionObject      dbus.BusObject
	closeSignalHandler chan struct{}
	closeOnce          sync.Once

	muSignals   sync.Mutex
	listeners   lockstate.Listeners
	matchActive bool
}

var _ lockstate.SignalSource = (*Source)(nil)

// New connects to the system bus and creates a Source for the given session.
//
// sessionID is the ID of the session. Usually set to the XDG_SESSION_ID env var.
// If logger is nil, nothing is logged.
func New(sessionID string, mode Mode, logger *slog.Logger) (*Source, error) {
	if sessionID == "" {
		return nil, errors.New("sessionID is empty")
	}
	if mode != ModeSignals && mode != ModeLockedHint {
		return nil, fmt.Errorf("unknown mode %s", mode)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	var sessions []Session
	err = conn.Object(dbusDest, dbusPath).
		Call(dbusManagerInterface+".ListSessions", 0).
		Store(&sessions)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("failed to list sessions: %w", err),
			conn.Close(),
		)
	}

	session, err := findSession(sessions, sessionID)
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}

	s := &Source{
		conn:               conn,
		bus:                conn,
		logger:             logger.With("source", "logind", "session", session.ID, "mode", mode),
		mode:               mode,
		path:               session.Path,
		sessionObject:      conn.Object(dbusDest, session.Path),
		closeSignalHandler: make(chan struct{}),
	}

	// Buffered so that an Unregister called from within a callback, which waits for a
	// D-Bus reply, does not stall the connection while a few more signals arrive.
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

func findSession(sessions []Session, sessionID string) (Session, error) {
	for _, session := range sessions {
		if session.ID == sessionID {
			if !session.Path.IsValid() {
				return Session{}, fmt.Errorf("session %s has invalid object path %q",
					sessionID, session.Path)
			}
			return session, nil
		}
	}

	return Session{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
}

// LockedHint gets the current LockedHint of the session; true=locked, false=unlocked.
func (s *Source) LockedHint() (bool, error) {
	variant, err := s.sessionObject.GetProperty(dbusSessionInterface + ".LockedHint")
	if err != nil {
		return false, fmt.Errorf("could not get locked hint: %w", err)
	}

	lockedHint, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("LockedHint property result is not a boolean")
	}

	return lockedHint, nil
}

// Register implements lockstate.SignalSource. The D-Bus match rules are added for the first
// registration.
func (s *Source) Register(onLocked, onUnlocked func()) (lockstate.Handle, error) {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	if !s.matchActive {
		if err := s.addMatchRules(); err != nil {
			return 0, err
		}
		s.matchActive = true
	}

	return s.listeners.Add(onLocked, onUnlocked), nil
}

// Unregister implements lockstate.SignalSource. The D-Bus match rules are removed when the
// last registration is gone.
func (s *Source) Unregister(h lockstate.Handle) error {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	if !s.listeners.Remove(h) {
		return nil
	}

	if s.listeners.Len() == 0 {
		return s.removeMatchRules()
	}

	return nil
}

// Close removes all registrations, stops processing signals and closes the connection.
// Discard the Source afterward.
func (s *Source) Close() error {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	var err error
	s.closeOnce.Do(func() {
		s.listeners.Clear()
		err = errors.Join(err, s.removeMatchRules())
		close(s.closeSignalHandler)
		err = errors.Join(err, s.conn.Close())
	})

	return err
}

func (s *Source) matchRules() [][]dbus.MatchOption {
	path := s.path
	switch s.mode {
	case ModeLockedHint:
		return [][]dbus.MatchOption{{
			dbus.WithMatchObjectPath(path),
			dbus.WithMatchInterface(dbusPropertiesIface),
			dbus.WithMatchSender(dbusDest),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchArg(0, dbusSessionInterface),
		}}
	default:
		return [][]dbus.MatchOption{
			{
				dbus.WithMatchObjectPath(path),
				dbus.WithMatchInterface(dbusSessionInterface),
				dbus.WithMatchSender(dbusDest),
				dbus.WithMatchMember("Lock"),
			},
			{
				dbus.WithMatchObjectPath(path),
				dbus.WithMatchInterface(dbusSessionInterface),
				dbus.WithMatchSender(dbusDest),
				dbus.WithMatchMember("Unlock"),
			},
		}
	}
}

// addMatchRules adds the match rules of the mode, all or none.
// Holding the muSignals mutex is required.
func (s *Source) addMatchRules() error {
	rules := s.matchRules()
	for i, rule := range rules {
		if err := s.bus.AddMatchSignal(rule...); err != nil {
			var rollbackErr error
			for _, added := range rules[:i] {
				rollbackErr = errors.Join(rollbackErr, s.bus.RemoveMatchSignal(added...))
			}
			return errors.Join(
				fmt.Errorf("failed to register D-Bus %s signal: %w", s.mode, err),
				rollbackErr,
			)
		}
	}

	return nil
}

// removeMatchRules removes the match rules if they were added.
// Holding the muSignals mutex is required.
func (s *Source) removeMatchRules() error {
	if !s.matchActive {
		return nil
	}

	var err error
	for _, rule := range s.matchRules() {
		if removeErr := s.bus.RemoveMatchSignal(rule...); removeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to remove D-Bus %s signal: %w",
				s.mode, removeErr))
		}
	}

	s.matchActive = false

	return err
}

func (s *Source) handleIncomingSignal(sig *dbus.Signal) {
	if sig == nil {
		// Seems to happen on close
		return
	}

	event, ok := translate(s.mode, s.path, sig)
	if !ok {
		return
	}

	s.logger.Debug("Received logind signal", "signal", sig.Name, "event", event)
	s.listeners.Emit(event)
}

// translate maps a logind signal of the session at path to a lock event.
// Signals that are not relevant for mode are reported as not ok.
func translate(mode Mode, path dbus.ObjectPath, sig *dbus.Signal) (lockstate.Event, bool) {
	if sig.Path != path {
		return 0, false
	}

	switch sig.Name {
	case dbusSessionInterface + ".Lock":
		if mode == ModeSignals {
			return lockstate.Locked, true
		}
	case dbusSessionInterface + ".Unlock":
		if mode == ModeSignals {
			return lockstate.Unlocked, true
		}
	case dbusPropertiesIface + ".PropertiesChanged":
		if mode != ModeLockedHint || len(sig.Body) < 2 {
			return 0, false
		}

		iface, ok := sig.Body[0].(string)
		if !ok || iface != dbusSessionInterface {
			return 0, false
		}

		changedProperties, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return 0, false
		}

		lockedHintProperty, hasLockedHint := changedProperties["LockedHint"]
		if !hasLockedHint {
			return 0, false
		}

		isLocked, ok := lockedHintProperty.Value().(bool)
		if !ok {
			return 0, false
		}

		if isLocked {
			return lockstate.Locked, true
		}
		return lockstate.Unlocked, true
	}

	return 0, false
}
