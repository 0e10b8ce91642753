package knxnet

import "errors"

// Sentinel errors identifying the abstract error kinds a caller needs to
// branch on. Concrete errors wrap one of these with fmt.Errorf("%w: ...")
// so callers can use errors.Is without depending on message text.
var (
	// ErrFormat marks a malformed frame: truncated field, bad version,
	// wrong declared length, or unrecognized structure.
	ErrFormat = errors.New("knxnet: format error")

	// ErrTimeout marks a bounded wait that expired: no ack, no
	// confirmation, or no connect response. Heartbeat exhaustion closes
	// the connection instead of returning an error.
	ErrTimeout = errors.New("knxnet: timeout")

	// ErrRemote marks a peer-reported non-zero status on connect or ack.
	ErrRemote = errors.New("knxnet: remote error")

	// ErrTransport marks a socket I/O failure.
	ErrTransport = errors.New("knxnet: transport error")

	// ErrIllegalState marks an operation rejected because of the
	// connection's current state (send while not OK, reopen while not
	// CLOSED), with no side effect on that state.
	ErrIllegalState = errors.New("knxnet: illegal state")

	// ErrInterrupted marks cooperative cancellation via context.
	ErrInterrupted = errors.New("knxnet: interrupted")
)
