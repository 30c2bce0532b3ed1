package tcp_layer

import "github.com/pkg/errors"

var (
	ErrUnknownStream    = errors.New("unknown stream")
	ErrNotEstablished   = errors.New("connection not established")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrTeardownTimeout  = errors.New("teardown timed out")
	ErrSendTimeout      = errors.New("send timed out")
	ErrClosed           = errors.New("tcp stack closed")

	// Receive path only; logged, never returned to callers.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInvalidSequence  = errors.New("invalid sequence number")
	errNoSocket         = errors.New("no socket for segment")
	errWindowFull       = errors.New("receive window full")
)
