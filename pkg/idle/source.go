package idle

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrUnsupported is returned on platforms without an idle source.
	ErrUnsupported = errors.New("idle source is not supported on this platform")

	// ErrClosed is returned when the source is used after Close.
	ErrClosed = errors.New("idle source is closed")
)

// DefaultTimeout is used when no timeout is configured.
const DefaultTimeout = 5 * time.Minute

// timeoutMillis converts the idle timeout to the protocol's unsigned milliseconds.
func timeoutMillis(timeout time.Duration) (uint32, error) {
	durationMs := timeout.Milliseconds()
	switch {
	case durationMs > math.MaxUint32:
		return 0, fmt.Errorf("timeout too large, %d > %d", durationMs, uint32(math.MaxUint32))
	case durationMs < 0:
		durationMs = 0
	}

	return uint32(durationMs), nil
}
