package lc29h

import (
	"errors"

	"lc29h-spi/internal/protocol"
)

var (
	// ErrBusUnavailable is a transport failure. The session is unusable
	// afterwards.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrPowerOnTimeout means SLAVE_ON was not reported within the power-on
	// retry budget. Callers must initialize again.
	ErrPowerOnTimeout = errors.New("power-on timeout")

	// ErrPollTimeout means a status wait ran out of attempts. The module FIFO
	// state is unknown until the next successful status read; the transfer
	// may be retried.
	ErrPollTimeout = errors.New("poll timeout")

	// ErrInsufficientSpace means the module cannot accept the whole payload.
	// Nothing was written.
	ErrInsufficientSpace = errors.New("insufficient space")

	// ErrNotReady means the session is not powered on.
	ErrNotReady = errors.New("not ready")

	// ErrProtocol means the module returned a value the protocol does not
	// allow, such as a length larger than its own buffer.
	ErrProtocol = errors.New("protocol violation")

	ErrInvalidArgument = protocol.ErrInvalidArgument
)

// IsRetryable reports whether err leaves the session usable and the same
// operation may succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPollTimeout) || errors.Is(err, ErrInsufficientSpace)
}
