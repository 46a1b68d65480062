package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	calls [][]string
	err   error
}

func (f *fakeLocker) Lock(_ context.Context, paths []string) error {
	f.calls = append(f.calls, paths)
	return f.err
}

func TestObjectPaths(t *testing.T) {
	objs, err := ObjectPaths([]string{"collection/login", "/collection/work"})
	require.NoError(t, err)
	assert.Equal(t, []dbus.ObjectPath{
		"/org/freedesktop/secrets/collection/login",
		"/org/freedesktop/secrets/collection/work",
	}, objs)

	_, err = ObjectPaths([]string{"collection/my login"})
	assert.Error(t, err)
}

func TestLockOnEvent(t *testing.T) {
	locker := &fakeLocker{}
	sink := LockOnEvent(context.Background(), locker, []string{"collection/login"}, nil)

	sink(lockstate.Unlocked)
	assert.Empty(t, locker.calls)

	sink(lockstate.Locked)
	assert.Equal(t, [][]string{{"collection/login"}}, locker.calls)
}

func TestLockOnEvent_NoCollections(t *testing.T) {
	locker := &fakeLocker{}
	sink := LockOnEvent(context.Background(), locker, nil, nil)

	sink(lockstate.Locked)

	assert.Empty(t, locker.calls)
}

func TestLockOnEvent_Error(t *testing.T) {
	locker := &fakeLocker{err: errors.New("no secret service")}
	sink := LockOnEvent(context.Background(), locker, []string{"collection/login"}, nil)

	assert.NotPanics(t, func() { sink(lockstate.Locked) })
	assert.Len(t, locker.calls, 1)
}
