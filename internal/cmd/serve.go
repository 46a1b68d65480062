package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MatthiasKunnen/lockstate/pkg/channel"
	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/godbus/dbus/v5"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

// errAlreadyRunning is returned when another serve process holds the instance lock.
var errAlreadyRunning = errors.New("another lockstated serve process is running")

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Publish the screen_events channel on the D-Bus session bus",
		Long: fmt.Sprintf(`Publish the %q channel on the D-Bus session bus.

A client calls %s.Listen on %s to receive the Event signal
for every lock state transition and %s.Cancel to stop. Only the
last client to call Listen receives events.`,
			channel.Name, channel.Interface, channel.ObjectPath, channel.Interface),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := lockInstance(a.cfg.RuntimeDir)
			if err != nil {
				return err
			}
			defer func() {
				if err := instance.Unlock(); err != nil {
					a.logger.Warn("Failed to release instance lock", "error", err)
				}
			}()

			source, err := openSource(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := source.Close(); err != nil {
					a.logger.Warn("Failed to close lock signal source", "error", err)
				}
			}()

			conn, err := dbus.ConnectSessionBus()
			if err != nil {
				return fmt.Errorf("failed to connect to session bus: %w", err)
			}
			defer conn.Close()

			notifier := lockstate.New(source, a.logger)
			defer func() {
				// The source must not be closed while still registered.
				if sub, ok := notifier.Active(); ok {
					a.logger.Debug("Cancelling lock state subscription", "subscription", sub.String())
					notifier.Cancel()
				}
			}()
			ch := channel.New(channel.Name, channel.FromNotifier(notifier), a.logger)

			server, err := channel.Serve(conn, ch, a.cfg.DBus.Name, a.logger)
			if err != nil {
				return err
			}

			<-cmd.Context().Done()
			a.logger.Info("Shutting down")

			return server.Close()
		},
	}
}

// lockInstance takes the serve lock file in dir without waiting.
func lockInstance(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	fl := flock.New(filepath.Join(dir, "serve.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !locked {
		return nil, errAlreadyRunning
	}

	return fl, nil
}
