package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quantarax/allreduce/internal/observability"
	"github.com/quantarax/allreduce/internal/protocol"
	"github.com/quantarax/allreduce/internal/quicutil"
)

// quicConnConfig mirrors the teacher's connection tuning in
// daemon/transport/quic_connection.go.
var quicConnConfig = &quic.Config{
	KeepAlivePeriod:                10 * time.Second,
	MaxIdleTimeout:                 60 * time.Second,
	InitialStreamReceiveWindow:     8 << 20,
	InitialConnectionReceiveWindow: 128 << 20,
}

// QUICTransport sends and receives protocol messages over QUIC streams,
// one stream per message, framed with protocol.WriteMessage/ReadMessage.
// Grounded on daemon/transport/quic_connection.go and control_stream.go.
type QUICTransport struct {
	addr     Address
	listener *quic.Listener
	metrics  *observability.Metrics

	clientTLS *tls.Config

	mu    sync.Mutex
	conns map[Address]*quic.Conn

	inbox  chan protocol.Envelope
	closed chan struct{}
}

// ListenQUIC binds a QUIC listener at addr using a self-signed
// certificate and begins accepting peer connections in the background.
func ListenQUIC(ctx context.Context, addr Address, metrics *observability.Metrics) (*QUICTransport, error) {
	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("transport: generate cert: %w", err)
	}
	serverTLS, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("transport: tls config: %w", err)
	}

	listener, err := quic.ListenAddr(string(addr), serverTLS, quicConnConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	t := &QUICTransport{
		addr:      Address(listener.Addr().String()),
		listener:  listener,
		metrics:   metrics,
		clientTLS: quicutil.MakeClientTLSConfig(),
		conns:     make(map[Address]*quic.Conn),
		inbox:     make(chan protocol.Envelope, 256),
		closed:    make(chan struct{}),
	}
	go t.acceptLoop(ctx)
	return t, nil
}

func (t *QUICTransport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			return
		}
		if t.metrics != nil {
			t.metrics.RecordQUICConnection(true)
		}
		go t.streamLoop(ctx, conn)
	}
}

func (t *QUICTransport) streamLoop(ctx context.Context, conn *quic.Conn) {
	opened := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.RecordQUICConnectionClose(time.Since(opened).Seconds())
		}
	}()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			defer stream.Close()
			env, err := protocol.ReadMessage(stream)
			if err != nil {
				return
			}
			select {
			case t.inbox <- env:
			case <-t.closed:
			}
		}()
	}
}

func (t *QUICTransport) dial(ctx context.Context, addr Address) (*quic.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	conn, err := quic.DialAddr(ctx, string(addr), t.clientTLS, quicConnConfig)
	if err != nil {
		if t.metrics != nil {
			t.metrics.RecordQUICConnection(false)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if t.metrics != nil {
		t.metrics.RecordQUICConnection(true)
	}
	t.conns[addr] = conn
	return conn, nil
}

// LocalAddress implements Transport.
func (t *QUICTransport) LocalAddress() Address { return t.addr }

// Send implements Sender by opening a fresh stream per message and
// framing the payload with protocol.WriteMessage.
func (t *QUICTransport) Send(ctx context.Context, to Address, msgType protocol.MessageType, payload any) error {
	conn, err := t.dial(ctx, to)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("transport: open stream to %s: %w", to, err)
	}
	defer stream.Close()

	return protocol.WriteMessage(stream, msgType, payload)
}

// Receive implements Receiver.
func (t *QUICTransport) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env, ok := <-t.inbox:
		if !ok {
			return protocol.Envelope{}, ErrClosed
		}
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-t.closed:
		return protocol.Envelope{}, ErrClosed
	}
}

// Close shuts down the listener and every dialed connection.
func (t *QUICTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}

	t.mu.Lock()
	for addr, conn := range t.conns {
		_ = conn.CloseWithError(0, "transport closed")
		delete(t.conns, addr)
	}
	t.mu.Unlock()

	return t.listener.Close()
}
