package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/MatthiasKunnen/lockstate/pkg/config"
	"github.com/MatthiasKunnen/lockstate/pkg/idle"
	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
	"github.com/MatthiasKunnen/lockstate/pkg/logind"
	"github.com/MatthiasKunnen/lockstate/pkg/screensaver"
)

// signalSource is a lockstate.SignalSource owning a connection.
type signalSource interface {
	lockstate.SignalSource
	io.Closer
}

// openSource connects to the source selected by cfg.
func openSource(cfg *config.Config, logger *slog.Logger) (signalSource, error) {
	switch cfg.Source {
	case config.SourceLogindHint:
		return opened(logind.New(cfg.SessionID, logind.ModeLockedHint, logger))
	case config.SourceLogindSignals:
		return opened(logind.New(cfg.SessionID, logind.ModeSignals, logger))
	case config.SourceScreenSaver:
		return opened(screensaver.New(cfg.ScreenSaver.Interface, logger))
	case config.SourceWaylandIdle:
		return opened(idle.NewWaylandSource(cfg.Idle.Timeout, logger))
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

// opened keeps a typed nil source out of the interface.
func opened[S signalSource](s S, err error) (signalSource, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to open %T: %w", s, err)
	}

	return s, nil
}
