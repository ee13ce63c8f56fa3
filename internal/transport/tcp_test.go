package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPTransportDialAndAccept(t *testing.T) {
	tr := NewTCPTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lis, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := lis.Accept(ctx)
		if err != nil {
			done <- err
			return
		}
		buf := make([]byte, 4)
		_, err = conn.Read(buf)
		done <- err
	}()

	client, err := tr.Dial(ctx, lis.Addr().String())
	require.NoError(t, err)
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, <-done)
}
