// Package transport provides the point-to-point message channels the
// ring protocol runs over.
//
// Every directed edge delivers messages in FIFO order and buffers one
// in-flight message, so a send completes without the matching receive
// being posted. This eager behavior is what keeps the ring free of
// deadlocks: every rank both sends to its successor and receives from
// its predecessor, and with fully synchronous sends two neighbors could
// block on each other forever. It also makes the size-1 self-loop
// terminate.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Send and Receive once the transport has been
// closed or has failed. Transport failures are fatal to the whole run:
// there is no retry and no path around a broken link.
var ErrClosed = errors.New("transport closed")

// Transport is one rank's connection to its peers.
type Transport interface {
	// Send delivers payload to the given rank. At most one message per
	// directed edge is in flight; a second send on the same edge blocks
	// until the receiver drains the first. The payload is safe to reuse
	// once Send returns.
	Send(ctx context.Context, to int, payload []byte) error

	// Receive blocks until a message from the given rank arrives.
	Receive(ctx context.Context, from int) ([]byte, error)

	Close() error
}
