// Package cmd provides the lockstated commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatthiasKunnen/lockstate/pkg/config"
	"github.com/MatthiasKunnen/lockstate/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is the current version of lockstated.
// Can be overridden at build time: go build -ldflags "-X github.com/MatthiasKunnen/lockstate/internal/cmd.Version=v1.0.0"
var Version = "v0.1.0"

// app holds what every command needs once the configuration is loaded.
type app struct {
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
}

// NewRootCommand creates the lockstated command tree. Log output goes to logOut.
func NewRootCommand(logOut io.Writer) *cobra.Command {
	a := &app{}
	v := viper.New()

	root := &cobra.Command{
		Use:   "lockstated",
		Short: "Relay screen lock and unlock notifications",
		Long: `lockstated observes the screen lock state of the current session and relays
every transition as a "locked" or "unlocked" event.

Lock signals come from systemd-logind, the freedesktop ScreenSaver service or the
Wayland idle notification protocol.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}

			cfg, err := config.Load(v, a.configFile)
			if err != nil {
				return err
			}

			logger, err := logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Output: logOut,
			})
			if err != nil {
				return err
			}

			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "",
		"config file (default is $XDG_CONFIG_HOME/lockstate/config.yaml)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newWatchCommand(a),
		newServeCommand(a),
		newStatusCommand(a),
		newConfigCommand(a),
		newVersionCommand(),
	)

	return root
}

// Execute runs the root command and exits with a non-zero status on failure.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCommand(os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
