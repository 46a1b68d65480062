package channel

import (
	"errors"
	"sync"
	"testing"

	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	listeners   lockstate.Listeners
	registerErr error
}

func (f *fakeSource) Register(onLocked, onUnlocked func()) (lockstate.Handle, error) {
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	return f.listeners.Add(onLocked, onUnlocked), nil
}

func (f *fakeSource) Unregister(h lockstate.Handle) error {
	f.listeners.Remove(h)
	return nil
}

type stringRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *stringRecorder) sink(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *stringRecorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newNotifierChannel(source *fakeSource) *EventChannel {
	return New(Name, FromNotifier(lockstate.New(source, nil)), nil)
}

func TestEventChannel_Events(t *testing.T) {
	source := &fakeSource{}
	ch := newNotifierChannel(source)
	rec := &stringRecorder{}

	assert.Equal(t, "screen_events", ch.Name())
	require.NoError(t, ch.Listen(rec.sink))

	source.listeners.Emit(lockstate.Locked)
	source.listeners.Emit(lockstate.Unlocked)

	assert.Equal(t, []string{"locked", "unlocked"}, rec.received())
}

func TestEventChannel_Cancel(t *testing.T) {
	source := &fakeSource{}
	ch := newNotifierChannel(source)
	rec := &stringRecorder{}

	ch.Cancel()
	require.NoError(t, ch.Listen(rec.sink))
	ch.Cancel()
	ch.Cancel()

	source.listeners.Emit(lockstate.Locked)

	assert.Empty(t, rec.received())
	assert.Equal(t, 0, source.listeners.Len())
}

func TestEventChannel_ReattachReplaces(t *testing.T) {
	source := &fakeSource{}
	ch := newNotifierChannel(source)
	first := &stringRecorder{}
	second := &stringRecorder{}

	require.NoError(t, ch.Listen(first.sink))
	require.NoError(t, ch.Listen(second.sink))

	source.listeners.Emit(lockstate.Locked)

	assert.Empty(t, first.received())
	assert.Equal(t, []string{"locked"}, second.received())
}

func TestEventChannel_CancelFromListener(t *testing.T) {
	source := &fakeSource{}
	ch := newNotifierChannel(source)
	var received []string

	require.NoError(t, ch.Listen(func(event string) {
		received = append(received, event)
		ch.Cancel()
	}))

	source.listeners.Emit(lockstate.Locked)
	source.listeners.Emit(lockstate.Unlocked)

	assert.Equal(t, []string{"locked"}, received)
}

func TestEventChannel_ListenError(t *testing.T) {
	source := &fakeSource{registerErr: errors.New("no bus")}
	ch := newNotifierChannel(source)

	err := ch.Listen(func(string) {})
	assert.ErrorIs(t, err, lockstate.ErrRegistration)

	assert.Error(t, ch.Listen(nil))
}

type staticHandler struct {
	sink func(string)
}

func (h *staticHandler) OnListen(sink func(string)) error {
	h.sink = sink
	return nil
}

func (h *staticHandler) OnCancel() {
	h.sink = nil
}

func TestEventChannel_DropsInvalidEvents(t *testing.T) {
	handler := &staticHandler{}
	ch := New(Name, handler, nil)
	rec := &stringRecorder{}

	require.NoError(t, ch.Listen(rec.sink))
	handler.sink("locked")
	handler.sink("biometric")
	handler.sink("")
	handler.sink("unlocked")

	assert.Equal(t, []string{"locked", "unlocked"}, rec.received())
}

type sent struct {
	destination string
	event       string
}

func newTestServer(source *fakeSource) (*Server, *[]sent) {
	var out []sent
	s := newServer(newNotifierChannel(source), nil)
	s.emit = func(destination, event string) error {
		out = append(out, sent{destination: destination, event: event})
		return nil
	}
	return s, &out
}

func TestServer_ListenAndCancel(t *testing.T) {
	source := &fakeSource{}
	s, out := newTestServer(source)

	require.NoError(t, s.listen(":1.42"))
	assert.Equal(t, ":1.42", s.Listener())

	source.listeners.Emit(lockstate.Locked)

	s.cancel(":1.7")
	source.listeners.Emit(lockstate.Unlocked)

	s.cancel(":1.42")
	source.listeners.Emit(lockstate.Locked)

	assert.Equal(t, []sent{
		{destination: ":1.42", event: "locked"},
		{destination: ":1.42", event: "unlocked"},
	}, *out)
	assert.Empty(t, s.Listener())
}

func TestServer_LastListenerWins(t *testing.T) {
	source := &fakeSource{}
	s, out := newTestServer(source)

	require.NoError(t, s.listen(":1.1"))
	require.NoError(t, s.listen(":1.2"))

	source.listeners.Emit(lockstate.Locked)

	assert.Equal(t, []sent{{destination: ":1.2", event: "locked"}}, *out)
	assert.Equal(t, ":1.2", s.Listener())
}

func TestServer_ListenerDisconnects(t *testing.T) {
	source := &fakeSource{}
	s, out := newTestServer(source)

	require.NoError(t, s.listen(":1.5"))

	s.handleIncomingSignal(&dbus.Signal{
		Name: dbusInterface + ".NameOwnerChanged",
		Body: []interface{}{":1.6", ":1.6", ""},
	})
	assert.Equal(t, ":1.5", s.Listener())

	s.handleIncomingSignal(&dbus.Signal{
		Name: dbusInterface + ".NameOwnerChanged",
		Body: []interface{}{":1.5", ":1.5", ""},
	})
	assert.Empty(t, s.Listener())

	source.listeners.Emit(lockstate.Locked)
	assert.Empty(t, *out)
}

func TestServer_ListenFailure(t *testing.T) {
	source := &fakeSource{registerErr: errors.New("refused")}
	s, _ := newTestServer(source)

	err := s.listen(":1.9")
	assert.Error(t, err)
	assert.Empty(t, s.Listener())

	dbusErr := (&screenEvents{server: s}).Listen(":1.9")
	require.NotNil(t, dbusErr)
	assert.Equal(t, "org.freedesktop.DBus.Error.Failed", dbusErr.Name)
}

func TestChannelProperties(t *testing.T) {
	p := &channelProperties{name: Name}

	v, dbusErr := p.Get(Interface, "Name")
	require.Nil(t, dbusErr)
	assert.Equal(t, Name, v.Value())

	_, dbusErr = p.Get(Interface, "Other")
	assert.NotNil(t, dbusErr)

	all, dbusErr := p.GetAll(Interface)
	require.Nil(t, dbusErr)
	assert.Len(t, all, 1)

	assert.NotNil(t, p.Set(Interface, "Name", dbus.MakeVariant("x")))
}
