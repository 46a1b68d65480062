package inhibit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	dbusDest             = "org.freedesktop.login1"
	dbusManagerInterface = "org.freedesktop.login1.Manager"
	dbusPath             = "/org/freedesktop/login1"
)

type Inhibitor struct {
	conn               *dbus.Conn
	login1             dbus.BusObject
	logger             *slog.Logger
	closeSignalHandler chan struct{}
	closeOnce          sync.Once

	muSignals           sync.Mutex
	prepareForSleepSubs map[chan<- bool]struct{}
}

// New connects to the system bus.
// If logger is nil, nothing is logged.
func New(logger *slog.Logger) (*Inhibitor, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	inhibitor := &Inhibitor{
		conn:                conn,
		login1:              conn.Object(dbusDest, dbusPath),
		logger:              logger.With("component", "inhibit"),
		closeSignalHandler:  make(chan struct{}),
		prepareForSleepSubs: make(map[chan<- bool]struct{}),
	}

	c := make(chan *dbus.Signal, 4)
	conn.Signal(c)
	go func() {
		for {
			select {
			case <-inhibitor.closeSignalHandler:
				conn.RemoveSignal(c)
				return
			case v := <-c:
				inhibitor.handleIncomingSignal(v)
			}
		}
	}()

	return inhibitor, nil
}

type What string

const (
	WhatIdle     What = "idle"
	WhatShutdown What = "shutdown"
	WhatSleep    What = "sleep"
)

type Mode string

const (
	ModeBlock Mode = "block"
	ModeDelay Mode = "delay"
)

// Inhibit creates an inhibition lock. It takes four parameters: what, who, why,
// and mode.
//   - what is one or more of actions that should be inhibited.
//   - who should be a short human-readable string identifying the application taking the lock.
//   - why should be a short human-readable string identifying the reason why the lock is taken.
//   - mode determines whether the inhibition shall be considered mandatory ("block") or whether it
//     should just delay the operation to a certain maximum time ("delay").
//
// The lock is released the moment when the returned object and all its duplicates are closed.
func (i *Inhibitor) Inhibit(who string, why string, mode Mode, what ...What) (io.Closer, error) {
	if len(what) == 0 {
		return nil, errors.New("Inhibit: at least one What is required")
	}
	if mode != ModeBlock && mode != ModeDelay {
		return nil, fmt.Errorf("Inhibit: unknown mode %q", mode)
	}

	var fd dbus.UnixFD
	err := i.login1.
		Call(dbusManagerInterface+".Inhibit", 0, joinWhat(what), who, why, string(mode)).
		Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("failed to create inhibit lock: %w", err)
	}

	return os.NewFile(uintptr(fd), "inhibit"), nil
}

func (i *Inhibitor) handleIncomingSignal(s *dbus.Signal) {
	if s == nil {
		// Seems to happen on close
		return
	}

	goingToSleep, ok := parsePrepareForSleep(i.login1.Path(), s)
	if !ok {
		return
	}

	i.logger.Debug("Received PrepareForSleep", "start", goingToSleep)

	i.muSignals.Lock()
	defer i.muSignals.Unlock()

	for c := range i.prepareForSleepSubs {
		select {
		case c <- goingToSleep:
		default:
		}
	}
}

// parsePrepareForSleep returns the argument of a PrepareForSleep signal: true when the system
// is about to sleep, false when it resumed.
func parsePrepareForSleep(path dbus.ObjectPath, s *dbus.Signal) (bool, bool) {
	if s.Path != path || s.Name != dbusManagerInterface+".PrepareForSleep" || len(s.Body) != 1 {
		return false, false
	}

	start, ok := s.Body[0].(bool)
	return start, ok
}

// SubscribePrepareForSleep registers the channel so that it will be notified when the system wants
// to sleep (true) or resumes from suspend (false).
// Writing to this channel does not block.
// Unregister the channel using UnsubscribePrepareForSleep.
func (i *Inhibitor) SubscribePrepareForSleep(c chan<- bool) error {
	if c == nil {
		return errors.New("SubscribePrepareForSleep: channel cannot be nil")
	}

	i.muSignals.Lock()
	defer i.muSignals.Unlock()

	if len(i.prepareForSleepSubs) == 0 {
		if err := i.conn.AddMatchSignal(prepareForSleepRule(i.login1.Path())...); err != nil {
			return fmt.Errorf("failed to register D-Bus PrepareForSleep signal: %w", err)
		}
	}

	i.prepareForSleepSubs[c] = struct{}{}

	return nil
}

// UnsubscribePrepareForSleep unregisters a channel previously registered with
// SubscribePrepareForSleep. It can be safely called with an unregistered channel.
func (i *Inhibitor) UnsubscribePrepareForSleep(c chan<- bool) error {
	if c == nil {
		return errors.New("UnsubscribePrepareForSleep: channel cannot be nil")
	}

	i.muSignals.Lock()
	defer i.muSignals.Unlock()

	if _, ok := i.prepareForSleepSubs[c]; !ok {
		return nil
	}

	delete(i.prepareForSleepSubs, c)

	if len(i.prepareForSleepSubs) == 0 {
		return i.removePrepareForSleepSignal()
	}

	return nil
}

func prepareForSleepRule(path dbus.ObjectPath) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(dbusManagerInterface),
		dbus.WithMatchSender(dbusDest),
		dbus.WithMatchMember("PrepareForSleep"),
	}
}

// removePrepareForSleepSignal removes the match rule.
// Holding the muSignals mutex is required.
func (i *Inhibitor) removePrepareForSleepSignal() error {
	if err := i.conn.RemoveMatchSignal(prepareForSleepRule(i.login1.Path())...); err != nil {
		return fmt.Errorf("failed to remove D-Bus PrepareForSleep signal: %w", err)
	}

	return nil
}

// Close permanently stops processing signals and closes the connection. Discard the inhibitor
// afterward.
func (i *Inhibitor) Close() error {
	i.muSignals.Lock()
	defer i.muSignals.Unlock()

	var err error
	i.closeOnce.Do(func() {
		if len(i.prepareForSleepSubs) > 0 {
			clear(i.prepareForSleepSubs)
			err = errors.Join(err, i.removePrepareForSleepSignal())
		}

		close(i.closeSignalHandler)
		err = errors.Join(err, i.conn.Close())
	})

	return err
}

func joinWhat(elems []What) string {
	parts := make([]string, len(elems))
	for i, elem := range elems {
		parts[i] = string(elem)
	}

	return strings.Join(parts, ":")
}
