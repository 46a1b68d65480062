package lockstate

import (
	"sync"
)

// Handle identifies a registration with a SignalSource. The zero Handle is never issued.
type Handle uint64

// SignalSource is a platform mechanism that raises lock and unlock notifications.
type SignalSource interface {
	// Register starts observing the OS signal. onLocked is called when the screen entered
	// the locked state, onUnlocked when it left it.
	// Callbacks may be called from any goroutine but are never called while the source holds
	// its own locks, so they may call Unregister.
	// Register is all-or-nothing: when it returns an error, nothing remains registered.
	Register(onLocked, onUnlocked func()) (Handle, error)

	// Unregister stops delivering to the callbacks registered under h.
	// Unregister can be safely called with an unknown or already unregistered handle.
	Unregister(h Handle) error
}

type callbacks struct {
	onLocked   func()
	onUnlocked func()
}

// Listeners is a table of registered callbacks that SignalSource implementations use to
// fan the raw OS notification out to their registrations.
// The zero value is ready to use. It is safe to call Listeners' methods concurrently.
type Listeners struct {
	mu      sync.Mutex
	last    Handle
	entries map[Handle]callbacks
}

// Add stores the callbacks and returns the handle they are registered under.
func (l *Listeners) Add(onLocked, onUnlocked func()) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries == nil {
		l.entries = make(map[Handle]callbacks)
	}

	l.last++
	l.entries[l.last] = callbacks{onLocked: onLocked, onUnlocked: onUnlocked}

	return l.last
}

// Remove deletes the callbacks registered under h and reports whether h was registered.
func (l *Listeners) Remove(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[h]; !ok {
		return false
	}

	delete(l.entries, h)
	return true
}

// Len returns the number of registrations.
func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// Clear removes all registrations.
func (l *Listeners) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.entries)
}

// Emit calls the callback matching e on every registration.
// The callbacks are called without holding the lock.
func (l *Listeners) Emit(e Event) {
	if !e.Valid() {
		return
	}

	l.mu.Lock()
	fns := make([]func(), 0, len(l.entries))
	for _, cb := range l.entries {
		fn := cb.onUnlocked
		if e == Locked {
			fn = cb.onLocked
		}
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
