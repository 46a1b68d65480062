package idle

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notificationCounter stands in for the Wayland idle notification.
// It is only touched on the loop goroutine.
type notificationCounter struct {
	createErr error
	created   int
	destroyed int
}

// newLoopSource returns a Source running its loop and deliver goroutines without a
// Wayland connection.
func newLoopSource(t *testing.T, counter *notificationCounter) *Source {
	t.Helper()

	s := &Source{
		close:    make(chan struct{}),
		logger:   slog.New(slog.DiscardHandler),
		requests: make(chan func()),
		events:   make(chan lockstate.Event, 16),
	}
	s.subscribe = func() error {
		if counter.createErr != nil {
			return counter.createErr
		}
		counter.created++
		return nil
	}
	s.unsubscribe = func() error {
		counter.destroyed++
		return nil
	}

	go s.loop()
	go s.deliver()

	return s
}

// counts reads the counter on the loop goroutine.
func counts(t *testing.T, s *Source, counter *notificationCounter) (created, destroyed int) {
	t.Helper()

	require.NoError(t, s.do(func() error {
		created, destroyed = counter.created, counter.destroyed
		return nil
	}))
	return created, destroyed
}

func TestWaylandSource_NotificationFollowsRegistrations(t *testing.T) {
	counter := &notificationCounter{}
	s := newLoopSource(t, counter)
	defer close(s.close)

	first, err := s.Register(func() {}, func() {})
	require.NoError(t, err)
	second, err := s.Register(func() {}, func() {})
	require.NoError(t, err)

	created, destroyed := counts(t, s, counter)
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, destroyed)

	require.NoError(t, s.Unregister(first))
	require.NoError(t, s.Unregister(99))
	_, destroyed = counts(t, s, counter)
	assert.Equal(t, 0, destroyed)

	require.NoError(t, s.Unregister(second))
	require.NoError(t, s.Unregister(second))
	_, destroyed = counts(t, s, counter)
	assert.Equal(t, 1, destroyed)
}

func TestWaylandSource_RegisterFailure(t *testing.T) {
	counter := &notificationCounter{createErr: errors.New("no seat")}
	s := newLoopSource(t, counter)
	defer close(s.close)

	_, err := s.Register(func() {}, func() {})
	require.ErrorIs(t, err, counter.createErr)
	assert.Equal(t, 0, s.listeners.Len())
}

func TestWaylandSource_EmitReachesListeners(t *testing.T) {
	s := newLoopSource(t, &notificationCounter{})
	defer close(s.close)

	events := make(chan lockstate.Event, 2)
	_, err := s.Register(
		func() { events <- lockstate.Locked },
		func() { events <- lockstate.Unlocked },
	)
	require.NoError(t, err)

	require.NoError(t, s.do(func() error {
		s.emit(lockstate.Locked)
		s.emit(lockstate.Unlocked)
		return nil
	}))

	for _, want := range []lockstate.Event{lockstate.Locked, lockstate.Unlocked} {
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("%s was not delivered", want)
		}
	}
}

func TestWaylandSource_Closed(t *testing.T) {
	// The loop of a closed Source has returned.
	s := &Source{
		close:    make(chan struct{}),
		requests: make(chan func()),
	}
	s.subscribe = func() error { return nil }
	close(s.close)

	_, err := s.Register(func() {}, func() {})
	assert.ErrorIs(t, err, ErrClosed)
}
