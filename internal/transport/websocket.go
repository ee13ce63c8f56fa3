package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketTransport implements the Dialer/Listener pair over WebSocket
// connections, one concrete alternative to TCPTransport for friends behind
// an HTTP-only relay, grounded on gorilla/websocket's Dialer/Upgrader split
// (the same pair this repo's pack uses for its own websocket hub).
type WebsocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebsocketTransport creates a WebsocketTransport with default dial
// settings.
func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{dialer: websocket.DefaultDialer}
}

func (t *WebsocketTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{conn}, nil
}

func (t *WebsocketTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	lis := &websocketListener{
		addr:     memoryAddr(addr),
		incoming: make(chan net.Conn),
		closed:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case lis.incoming <- wsConn{conn}:
		case <-lis.closed:
			conn.Close()
		}
	})

	lc := net.ListenConfig{}
	netLis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	lis.httpServer = &http.Server{Handler: mux}
	go lis.httpServer.Serve(netLis)
	lis.netLis = netLis

	return lis, nil
}

type websocketListener struct {
	addr       net.Addr
	incoming   chan net.Conn
	closed     chan struct{}
	closeOnce  sync.Once
	httpServer *http.Server
	netLis     net.Listener
}

func (l *websocketListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.incoming:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, fmt.Errorf("transport: websocket listener closed")
	}
}

func (l *websocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.httpServer != nil {
			l.httpServer.Close()
		}
	})
	return nil
}

func (l *websocketListener) Addr() net.Addr { return l.addr }

// wsConn adapts a *websocket.Conn to net.Conn, framing Read/Write over
// binary messages so callers above (internal/securechan) see an ordinary
// byte stream rather than gorilla/websocket's message-oriented API.
type wsConn struct {
	*websocket.Conn
}

func (c wsConn) Read(p []byte) (int, error) {
	_, r, err := c.Conn.NextReader()
	if err != nil {
		return 0, err
	}
	return r.Read(p)
}

func (c wsConn) Write(p []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c wsConn) Close() error { return c.Conn.Close() }

func (c wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
