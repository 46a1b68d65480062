package lockstate

import (
	"fmt"
)

// Event is a lock state transition.
type Event uint8

const (
	// Locked is emitted when the screen became unavailable, i.e. it entered the locked state.
	Locked Event = iota + 1
	// Unlocked is emitted when the screen became available again.
	Unlocked
)

// String returns "locked" or "unlocked".
func (e Event) String() string {
	switch e {
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// Valid reports whether e is Locked or Unlocked.
func (e Event) Valid() bool {
	return e == Locked || e == Unlocked
}

// MarshalText encodes the event as its string form.
func (e Event) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("invalid lock event %d", uint8(e))
	}

	return []byte(e.String()), nil
}

// UnmarshalText decodes "locked" or "unlocked".
func (e *Event) UnmarshalText(text []byte) error {
	parsed, err := ParseEvent(string(text))
	if err != nil {
		return err
	}

	*e = parsed
	return nil
}

// ParseEvent parses the string form of an Event.
func ParseEvent(s string) (Event, error) {
	switch s {
	case "locked":
		return Locked, nil
	case "unlocked":
		return Unlocked, nil
	}

	return 0, fmt.Errorf("unknown lock event %q", s)
}
