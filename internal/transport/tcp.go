package transport

import (
	"context"
	"net"
)

// TCPTransport dials and listens on real TCP sockets, the production
// default, grounded on the plain net.Dial/net.Listen calls lnd's own
// daemon wiring uses before handing the connection off to brontide.
type TCPTransport struct {
	dialer net.Dialer
}

// NewTCPTransport creates a TCPTransport with default dial settings.
func NewTCPTransport() *TCPTransport { return &TCPTransport{} }

func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return t.dialer.DialContext(ctx, "tcp", addr)
}

func (t *TCPTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{lis: lis}, nil
}

type tcpListener struct {
	lis net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.lis.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		l.lis.Close()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

func (l *tcpListener) Close() error   { return l.lis.Close() }
func (l *tcpListener) Addr() net.Addr { return l.lis.Addr() }
