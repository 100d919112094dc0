package mavlink

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Recv once the endpoint or its transport is gone.
	ErrClosed = errors.New("mavlink: link closed")

	ErrNoHeartbeat    = errors.New("no heartbeat")
	ErrUnknownMode    = errors.New("unknown mode")
	ErrUnknownCommand = errors.New("unknown command")
	ErrLink           = errors.New("link error")
)

// Endpoint is the protocol library boundary: decoded messages in, encoded
// frames out. Recv and Send may be called concurrently.
type Endpoint interface {
	// Recv blocks until a message arrives, ctx is done, or the endpoint is
	// closed (ErrClosed).
	Recv(ctx context.Context) (Message, error)
	// TryRecv returns a message only if one is already buffered.
	TryRecv() (Message, bool)
	Send(f Outbound) error
	Close() error
}
