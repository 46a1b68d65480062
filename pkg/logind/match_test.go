package logind

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus records the match rules of a Source. The addition with index failAdd fails.
type fakeBus struct {
	mu      sync.Mutex
	failAdd int
	adds    int
	active  [][]dbus.MatchOption
	removed [][]dbus.MatchOption
}

func (b *fakeBus) AddMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.adds++
	if b.adds == b.failAdd {
		return errors.New("match rule refused")
	}
	b.active = append(b.active, options)
	return nil
}

func (b *fakeBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, rule := range b.active {
		if assert.ObjectsAreEqual(rule, options) {
			b.active = append(b.active[:i], b.active[i+1:]...)
			break
		}
	}
	b.removed = append(b.removed, options)
	return nil
}

func newTestSource(bus *fakeBus, mode Mode) *Source {
	return &Source{
		bus:    bus,
		logger: slog.New(slog.DiscardHandler),
		mode:   mode,
		path:   sessionPath,
	}
}

func TestSource_RulesFollowRegistrations(t *testing.T) {
	bus := &fakeBus{}
	s := newTestSource(bus, ModeSignals)

	first, err := s.Register(func() {}, func() {})
	require.NoError(t, err)
	second, err := s.Register(func() {}, func() {})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.Equal(t, 2, bus.adds, "Lock and Unlock rules are added once")
	assert.Len(t, bus.active, 2)

	require.NoError(t, s.Unregister(first))
	assert.Len(t, bus.active, 2, "rules stay while a registration remains")

	require.NoError(t, s.Unregister(second))
	assert.Empty(t, bus.active)
	assert.Len(t, bus.removed, 2)
}

func TestSource_LockedHintRule(t *testing.T) {
	bus := &fakeBus{}
	s := newTestSource(bus, ModeLockedHint)

	h, err := s.Register(func() {}, func() {})
	require.NoError(t, err)
	require.Len(t, bus.active, 1)
	assert.Equal(t, s.matchRules()[0], bus.active[0])

	require.NoError(t, s.Unregister(h))
	assert.Empty(t, bus.active)
}

func TestSource_RegisterRollsBack(t *testing.T) {
	bus := &fakeBus{failAdd: 2}
	s := newTestSource(bus, ModeSignals)
	rules := s.matchRules()

	_, err := s.Register(func() {}, func() {})
	require.Error(t, err)

	assert.Empty(t, bus.active, "the Lock rule must be removed when the Unlock rule fails")
	assert.Equal(t, [][]dbus.MatchOption{rules[0]}, bus.removed)
	assert.Equal(t, 0, s.listeners.Len())

	// The next registration adds both rules again.
	_, err = s.Register(func() {}, func() {})
	require.NoError(t, err)
	assert.Len(t, bus.active, 2)
}

func TestSource_UnregisterUnknownHandle(t *testing.T) {
	bus := &fakeBus{}
	s := newTestSource(bus, ModeSignals)

	require.NoError(t, s.Unregister(42))

	h, err := s.Register(func() {}, func() {})
	require.NoError(t, err)
	require.NoError(t, s.Unregister(h+1))
	require.NoError(t, s.Unregister(h))
	require.NoError(t, s.Unregister(h))

	assert.Empty(t, bus.active)
	assert.Len(t, bus.removed, 2)
}
