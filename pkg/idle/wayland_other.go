//go:build !linux

package idle

import (
	"log/slog"
	"time"

	"github.com/MatthiasKunnen/lockstate/pkg/lockstate"
)

// Source is unavailable on this platform.
type Source struct{}

var _ lockstate.SignalSource = (*Source)(nil)

// NewWaylandSource returns ErrUnsupported.
func NewWaylandSource(time.Duration, *slog.Logger) (*Source, error) {
	return nil, ErrUnsupported
}

func (s *Source) Register(func(), func()) (lockstate.Handle, error) {
	return 0, ErrUnsupported
}

func (s *Source) Unregister(lockstate.Handle) error {
	return nil
}

func (s *Source) Close() error {
	return nil
}
