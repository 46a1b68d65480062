package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/godbus/dbus/v5"
)

const (
	dbusDest             = "org.freedesktop.secrets"
	dbusServiceInterface = "org.freedesktop.Secret.Service"
	dbusPath             = "/org/freedesktop/secrets"
)

// Locker locks secret collections.
type Locker interface {
	Lock(ctx context.Context, paths []string) error
}

type Secrets struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

var _ Locker = (*Secrets)(nil)

func New() (*Secrets, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	return &Secrets{
		conn: conn,
		obj:  conn.Object(dbusDest, dbusPath),
	}, nil
}

// ObjectPaths converts collection paths relative to "/org/freedesktop/secrets/", such as
// "collection/login", into object paths.
func ObjectPaths(paths []string) ([]dbus.ObjectPath, error) {
	objs := make([]dbus.ObjectPath, len(paths))
	for i, path := range paths {
		obj := dbus.ObjectPath(dbusPath + "/" + strings.TrimPrefix(path, "/"))
		if !obj.IsValid() {
			return nil, fmt.Errorf("invalid collection path %q", path)
		}
		objs[i] = obj
	}

	return objs, nil
}

// Lock locks the given objects. The given objects are prepended by "/org/freedesktop/secrets/".
func (s *Secrets) Lock(ctx context.Context, paths []string) error {
	objs, err := ObjectPaths(paths)
	if err != nil {
		return err
	}

	var locked []dbus.ObjectPath
	var prompt dbus.ObjectPath
	err = s.obj.CallWithContext(ctx, dbusServiceInterface+".Lock", 0, objs).
		Store(&locked, &prompt)
	if err != nil {
		return fmt.Errorf("could not lock collections: %w", err)
	}

	if prompt != "/" && len(locked) < len(objs) {
		return fmt.Errorf("locking %d collections requires a prompt", len(objs)-len(locked))
	}

	return nil
}

// Close closes the session bus connection.
func (s *Secrets) Close() error {
	return s.conn.Close()
}

// LockOnEvent returns a lockstate.Sink that locks the collections at paths whenever the
// screen locks. Failures are logged, since a sink cannot report errors.
// If logger is nil, nothing is logged.
func LockOnEvent(ctx context.Context, locker Locker, paths []string, logger *slog.Logger) lockstate.Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return func(e lockstate.Event) {
		if e != lockstate.Locked || len(paths) == 0 {
			return
		}

		if err := locker.Lock(ctx, paths); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("Failed to lock secret collections", "collections", paths, "error", err)
			return
		}

		logger.Info("Locked secret collections", "collections", paths)
	}
}
