package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

const (
	// DefaultBusName is the well-known name requested by Serve when none is given.
	DefaultBusName = "io.github.matthiaskunnen.LockState"
	// ObjectPath is where the channel is exported.
	ObjectPath = dbus.ObjectPath("/io/github/matthiaskunnen/LockState")
	// Interface is the D-Bus interface of the channel.
	Interface = "io.github.matthiaskunnen.LockState.ScreenEvents"

	dbusDest      = "org.freedesktop.DBus"
	dbusInterface = "org.freedesktop.DBus"
)

var introspection = &introspect.Node{
	Name: string(ObjectPath),
	Interfaces: []introspect.Interface{
		introspect.IntrospectData,
		{
			Name: Interface,
			Methods: []introspect.Method{
				{Name: "Listen"},
				{Name: "Cancel"},
			},
			Signals: []introspect.Signal{
				{
					Name: "Event",
					Args: []introspect.Arg{{Name: "event", Type: "s"}},
				},
			},
			Properties: []introspect.Property{
				{Name: "Name", Type: "s", Access: "read"},
			},
		},
	},
}

// Server publishes an EventChannel on D-Bus.
//
// A client attaches by calling Listen and receives the Event signal, addressed to its unique
// name, for every event. The last client to call Listen is the listener. The listener detaches
// by calling Cancel or by disconnecting from the bus.
type Server struct {
	conn    *dbus.Conn
	channel *EventChannel
	logger  *slog.Logger
	busName string
	emit    func(destination, event string) error

	closeSignalHandler chan struct{}
	closeOnce          sync.Once

	mu       sync.Mutex
	listener string
}

// Serve exports ch on conn and requests busName, DefaultBusName if empty.
// Serve fails when the name is already owned.
// If logger is nil, nothing is logged.
func Serve(conn *dbus.Conn, ch *EventChannel, busName string, logger *slog.Logger) (*Server, error) {
	if busName == "" {
		busName = DefaultBusName
	}

	s := newServer(ch, logger)
	s.conn = conn
	s.busName = busName
	s.emit = s.send

	exported := &screenEvents{server: s}
	if err := conn.Export(exported, ObjectPath, Interface); err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", Interface, err)
	}
	if err := conn.Export(introspect.NewIntrospectable(introspection), ObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to export introspection: %w", err), s.unexport())
	}

	properties := &channelProperties{name: ch.Name()}
	if err := conn.Export(properties, ObjectPath, "org.freedesktop.DBus.Properties"); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to export properties: %w", err), s.unexport())
	}

	if err := conn.AddMatchSignal(nameOwnerChanged()...); err != nil {
		return nil, errors.Join(
			fmt.Errorf("failed to register D-Bus NameOwnerChanged signal: %w", err),
			s.unexport(),
		)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("failed to request name %s: %w", busName, err),
			conn.RemoveMatchSignal(nameOwnerChanged()...),
			s.unexport(),
		)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.Join(
			fmt.Errorf("name %s is already taken", busName),
			conn.RemoveMatchSignal(nameOwnerChanged()...),
			s.unexport(),
		)
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

	s.logger.Info("Serving lock state channel", "name", busName, "path", ObjectPath)

	return s, nil
}

func newServer(ch *EventChannel, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Server{
		channel:            ch,
		logger:             logger.With("channel", ch.Name()),
		closeSignalHandler: make(chan struct{}),
	}
}

func nameOwnerChanged() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(dbusDest),
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
	}
}

// Listener returns the unique bus name of the current listener, empty if there is none.
func (s *Server) Listener() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listener
}

// Close detaches the listener, releases the name and removes the exported objects.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.listener = ""
		s.channel.Cancel()
		s.mu.Unlock()

		close(s.closeSignalHandler)

		if _, releaseErr := s.conn.ReleaseName(s.busName); releaseErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release name %s: %w", s.busName, releaseErr))
		}
		err = errors.Join(err, s.conn.RemoveMatchSignal(nameOwnerChanged()...))
		err = errors.Join(err, s.unexport())
	})

	return err
}

func (s *Server) unexport() error {
	return errors.Join(
		s.conn.Export(nil, ObjectPath, Interface),
		s.conn.Export(nil, ObjectPath, "org.freedesktop.DBus.Introspectable"),
		s.conn.Export(nil, ObjectPath, "org.freedesktop.DBus.Properties"),
	)
}

func (s *Server) listen(sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.channel.Listen(func(event string) {
		if err := s.emit(sender, event); err != nil {
			s.logger.Warn("Failed to send event", "listener", sender, "event", event, "error", err)
		}
	})
	if err != nil {
		s.listener = ""
		return err
	}

	if s.listener != "" && s.listener != sender {
		s.logger.Info("Listener replaced", "old", s.listener, "new", sender)
	}
	s.listener = sender

	return nil
}

func (s *Server) cancel(sender string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sender != s.listener {
		return
	}

	s.listener = ""
	s.channel.Cancel()
	s.logger.Info("Listener detached", "listener", sender)
}

func (s *Server) handleIncomingSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != dbusInterface+".NameOwnerChanged" || len(sig.Body) != 3 {
		return
	}

	name, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	newOwner, ok := sig.Body[2].(string)
	if !ok || newOwner != "" {
		return
	}

	s.cancel(name)
}

// send emits the Event signal to destination only.
func (s *Server) send(destination, event string) error {
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(ObjectPath),
			dbus.FieldInterface:   dbus.MakeVariant(Interface),
			dbus.FieldMember:      dbus.MakeVariant("Event"),
			dbus.FieldDestination: dbus.MakeVariant(destination),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(event)),
		},
		Body: []interface{}{event},
	}

	return s.conn.Send(msg, make(chan *dbus.Call, 1)).Err
}

// screenEvents holds the methods exported on Interface.
type screenEvents struct {
	server *Server
}

func (e *screenEvents) Listen(sender dbus.Sender) *dbus.Error {
	if err := e.server.listen(string(sender)); err != nil {
		return dbus.MakeFailedError(err)
	}

	return nil
}

func (e *screenEvents) Cancel(sender dbus.Sender) *dbus.Error {
	e.server.cancel(string(sender))
	return nil
}

// channelProperties implements org.freedesktop.DBus.Properties for the read-only Name.
type channelProperties struct {
	name string
}

func (p *channelProperties) Get(iface, property string) (dbus.Variant, *dbus.Error) {
	if iface != Interface || property != "Name" {
		return dbus.Variant{}, &dbus.ErrMsgUnknownMethod
	}

	return dbus.MakeVariant(p.name), nil
}

func (p *channelProperties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != Interface {
		return nil, &dbus.ErrMsgUnknownInterface
	}

	return map[string]dbus.Variant{"Name": dbus.MakeVariant(p.name)}, nil
}

func (p *channelProperties) Set(string, string, dbus.Variant) *dbus.Error {
	return dbus.MakeFailedError(errors.New("properties are read-only"))
}
