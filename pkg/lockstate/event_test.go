package lockstate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "locked", Locked.String())
	assert.Equal(t, "unlocked", Unlocked.String())
	assert.Equal(t, "Event(0)", Event(0).String())
}

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent("locked")
	require.NoError(t, err)
	assert.Equal(t, Locked, e)

	e, err = ParseEvent("unlocked")
	require.NoError(t, err)
	assert.Equal(t, Unlocked, e)

	_, err = ParseEvent("Locked")
	assert.Error(t, err)
}

func TestEvent_JSON(t *testing.T) {
	out, err := json.Marshal(struct {
		Event Event `json:"event"`
	}{Event: Unlocked})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"unlocked"}`, string(out))

	_, err = json.Marshal(Event(7))
	assert.Error(t, err)
}

func TestListeners(t *testing.T) {
	var l Listeners
	var locked, unlocked int

	h1 := l.Add(func() { locked++ }, func() { unlocked++ })
	h2 := l.Add(func() { locked++ }, nil)
	assert.NotEqual(t, Handle(0), h1)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, l.Len())

	l.Emit(Locked)
	l.Emit(Unlocked)
	l.Emit(Event(0))
	assert.Equal(t, 2, locked)
	assert.Equal(t, 1, unlocked)

	assert.True(t, l.Remove(h1))
	assert.False(t, l.Remove(h1))
	assert.False(t, l.Remove(0))

	l.Clear()
	assert.Equal(t, 0, l.Len())
}

func TestListeners_RemoveFromCallback(t *testing.T) {
	var l Listeners
	var h Handle
	h = l.Add(func() { l.Remove(h) }, nil)

	l.Emit(Locked)

	assert.Equal(t, 0, l.Len())
}
