package cmd

import (
	"fmt"

	"github.com/MatthiasKunnen/lockstate/pkg/config"
	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/MatthiasKunnen/lockstate/pkg/logind"
	"github.com/MatthiasKunnen/lockstate/pkg/screensaver"
	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current lock state",
		Long: `Print the current lock state as reported by the configured source: the
session's LockedHint for logind, the screen saver's active state for screensaver.
The wayland-idle source has no queryable state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			locked, err := currentState(a.cfg)
			if err != nil {
				return err
			}

			event := lockstate.Unlocked
			if locked {
				event = lockstate.Locked
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), event)
			return err
		},
	}
}

func currentState(cfg *config.Config) (bool, error) {
	switch cfg.Source {
	case config.SourceLogindHint, config.SourceLogindSignals:
		source, err := logind.New(cfg.SessionID, logind.ModeLockedHint, nil)
		if err != nil {
			return false, err
		}
		defer source.Close()

		return source.LockedHint()
	case config.SourceScreenSaver:
		source, err := screensaver.New(cfg.ScreenSaver.Interface, nil)
		if err != nil {
			return false, err
		}
		defer source.Close()

		return source.Active()
	default:
		return false, fmt.Errorf("source %s cannot report the current state", cfg.Source)
	}
}
