package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantarax/allreduce/internal/protocol"
)

// LocalRegistry routes messages between LocalTransport endpoints that
// share a process, for single-binary demos and deterministic tests.
type LocalRegistry struct {
	mu   sync.RWMutex
	endp map[Address]*LocalTransport
}

// NewLocalRegistry creates an empty registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{endp: make(map[Address]*LocalTransport)}
}

// LocalTransport is an in-memory Transport backed by a buffered channel,
// grounded on the teacher's queue-drain event loop shape
// (daemon/service/dtn_worker.go) rather than its network layer.
type LocalTransport struct {
	addr     Address
	registry *LocalRegistry
	inbox    chan protocol.Envelope
	mu       sync.Mutex
	closed   bool
}

// NewLocalTransport registers and returns a new endpoint at addr.
func (r *LocalRegistry) NewLocalTransport(addr Address, mailboxSize int) *LocalTransport {
	t := &LocalTransport{
		addr:     addr,
		registry: r,
		inbox:    make(chan protocol.Envelope, mailboxSize),
	}
	r.mu.Lock()
	r.endp[addr] = t
	r.mu.Unlock()
	return t
}

// LocalAddress implements Transport.
func (t *LocalTransport) LocalAddress() Address { return t.addr }

// Send implements Sender by enqueueing directly into the destination's
// inbox channel.
func (t *LocalTransport) Send(ctx context.Context, to Address, msgType protocol.MessageType, payload any) error {
	t.registry.mu.RLock()
	dest, ok := t.registry.endp[to]
	t.registry.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no local endpoint registered at %s", to)
	}

	env := protocol.Envelope{Type: msgType, Payload: payload}
	select {
	case dest.inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Receiver by pulling the next message from this
// endpoint's own inbox, blocking until one arrives, ctx is cancelled, or
// the transport is closed.
func (t *LocalTransport) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env, ok := <-t.inbox:
		if !ok {
			return protocol.Envelope{}, ErrClosed
		}
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// SelfSend re-enqueues a message into this endpoint's own inbox, used by
// a worker to redeliver a message to itself (e.g. a future-round message
// arriving before InitWorkers).
func (t *LocalTransport) SelfSend(ctx context.Context, msgType protocol.MessageType, payload any) error {
	return t.Send(ctx, t.addr, msgType, payload)
}

// Close marks the endpoint closed, closes its inbox channel and removes
// it from the registry. Messages already queued are still returned by
// Receive; once the inbox is empty, Receive returns ErrClosed.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.inbox)

	t.registry.mu.Lock()
	delete(t.registry.endp, t.addr)
	t.registry.mu.Unlock()
	return nil
}
