package distributed

import "github.com/pkg/errors"

var (
	// ErrInitialization is returned when the process group cannot be formed:
	// bad rank settings, an unreachable hub, a handshake that disagrees on the
	// world size, or a rendezvous that times out.
	ErrInitialization = errors.New("process group initialization failed")

	// ErrCollectiveMismatch is returned on every rank when ranks disagree about
	// the collective they are running.
	ErrCollectiveMismatch = errors.New("collective mismatch")

	// ErrRemoteFailure is returned when another rank failed or went away.
	ErrRemoteFailure = errors.New("remote rank failed")

	// ErrUnusedParameter is returned by Backward when a trainable parameter of
	// a wrapped model received no gradient and unused parameters are not
	// allowed.
	ErrUnusedParameter = errors.New("parameter did not receive a gradient")

	// ErrClosed is returned by collectives after Finalize.
	ErrClosed = errors.New("process group is finalized")
)
