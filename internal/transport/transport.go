// Package transport provides addressable send/receive of protocol
// messages. Address is a thin string alias so the in-memory test
// transport and the QUIC transport adapter share one wire-message shape,
// mirroring the teacher's use of bare address strings alongside its
// pooled *quic.Conn connections.
package transport

import (
	"context"
	"fmt"

	"github.com/quantarax/allreduce/internal/protocol"
)

// Address identifies a reachable worker or master endpoint.
type Address string

// Sender delivers a message to a remote address.
type Sender interface {
	Send(ctx context.Context, to Address, msgType protocol.MessageType, payload any) error
}

// Receiver yields messages addressed to this endpoint.
type Receiver interface {
	Receive(ctx context.Context) (protocol.Envelope, error)
}

// Transport is both ends of the addressable messaging surface a master
// or worker needs.
type Transport interface {
	Sender
	Receiver
	LocalAddress() Address
	Close() error
}

// ErrClosed is returned by a Receiver once its transport has shut down.
var ErrClosed = fmt.Errorf("transport: closed")
