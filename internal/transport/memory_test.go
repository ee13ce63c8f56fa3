package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryTransportDialAndAccept(t *testing.T) {
	net := NewMemoryTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lis, err := net.Listen(ctx, "friend-b")
	require.NoError(t, err)
	defer lis.Close()

	serverConnCh := make(chan error, 1)
	go func() {
		conn, err := lis.Accept(ctx)
		if err != nil {
			serverConnCh <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			serverConnCh <- err
			return
		}
		if string(buf) != "hello" {
			serverConnCh <- errUnexpected
			return
		}
		serverConnCh <- nil
	}()

	client, err := net.Dial(ctx, "friend-b")
	require.NoError(t, err)
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, <-serverConnCh)
}

func TestMemoryTransportDialUnknownAddressFails(t *testing.T) {
	net := NewMemoryTransport()
	ctx := context.Background()
	_, err := net.Dial(ctx, "nowhere")
	require.Error(t, err)
}

func TestMemoryTransportRejectsDuplicateListener(t *testing.T) {
	net := NewMemoryTransport()
	ctx := context.Background()
	_, err := net.Listen(ctx, "friend-b")
	require.NoError(t, err)
	_, err = net.Listen(ctx, "friend-b")
	require.Error(t, err)
}

var errUnexpected = &testError{"unexpected payload"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
