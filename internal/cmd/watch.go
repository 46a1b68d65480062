package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MatthiasKunnen/lockstate/pkg/inhibit"
	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/MatthiasKunnen/lockstate/pkg/secrets"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	format string
	once   bool
}

func newWatchCommand(a *app) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every lock state transition",
		Long: `Print "locked" or "unlocked" whenever the screen lock state changes.

When secrets.collections is configured, those secret collections are locked whenever
the screen locks, and with secrets.lock_on_sleep also before the system suspends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.format {
			case "text", "json":
			default:
				return fmt.Errorf("unknown format %q", opts.format)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			source, err := openSource(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := source.Close(); err != nil {
					a.logger.Warn("Failed to close lock signal source", "error", err)
				}
			}()

			var react lockstate.Sink = func(lockstate.Event) {}
			if len(a.cfg.Secrets.Collections) > 0 {
				s, err := secrets.New()
				if err != nil {
					return err
				}
				defer s.Close()
				react = secrets.LockOnEvent(ctx, s, a.cfg.Secrets.Collections, a.logger)

				if a.cfg.Secrets.LockOnSleep {
					inhibitor, err := inhibit.New(a.logger)
					if err != nil {
						return err
					}
					defer inhibitor.Close()

					guarded := make(chan struct{})
					go func() {
						defer close(guarded)
						err := guardSleep(ctx, inhibitor, func() {
							react(lockstate.Locked)
						}, a.logger)
						if err != nil {
							a.logger.Error("Failed to guard sleep", "error", err)
						}
					}()
					defer func() {
						cancel()
						<-guarded
					}()
				}
			}

			return watch(ctx, lockstate.New(source, a.logger), cmd.OutOrStdout(), opts, react, a)
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "text", "output format: text, json")
	cmd.Flags().BoolVar(&opts.once, "once", false, "exit after the first event")

	return cmd
}

type watchLine struct {
	Event lockstate.Event `json:"event"`
	Time  time.Time       `json:"time"`
}

// watch subscribes to n and writes the events to out until ctx is done.
// react is called for every event on the watch goroutine, not on the delivering one.
func watch(
	ctx context.Context,
	n *lockstate.Notifier,
	out io.Writer,
	opts *watchOptions,
	react lockstate.Sink,
	a *app,
) error {
	events := make(chan lockstate.Event, 16)
	sub, err := n.Start(func(e lockstate.Event) {
		select {
		case events <- e:
		default:
			a.logger.Warn("Dropping lock state event, output is not keeping up", "event", e)
		}
	})
	if err != nil {
		return err
	}
	defer n.Stop(sub)

	a.logger.Info("Watching lock state", "source", a.cfg.Source, "subscription", sub.String())

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			if opts.format == "json" {
				err = enc.Encode(watchLine{Event: e, Time: time.Now().UTC()})
			} else {
				_, err = fmt.Fprintln(out, e)
			}
			if err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}

			react(e)

			if opts.once {
				return nil
			}
		}
	}
}
