package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startTestServer runs a tiny authoritative DNS server on loopback that
// answers every A query for "relay.example." with 203.0.113.7, matching
// miekg/dns's own server test pattern (dns.Server + a HandleFunc mux).
func startTestServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()

	mux := dns.NewServeMux()
	mux.HandleFunc("relay.example.", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if req.Question[0].Qtype == dns.TypeA {
			rr, err := dns.NewRR("relay.example. 60 IN A 203.0.113.7")
			require.NoError(t, err)
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()

	return pc.LocalAddr().String(), func() { _ = srv.Shutdown() }
}

func TestResolveReturnsAddressFromServer(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	r := New([]string{addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addrs, err := r.Resolve(ctx, "relay.example")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, "203.0.113.7", addrs[0].String())
}

func TestResolveRelaysSkipsUnresolvable(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	r := New([]string{addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := r.ResolveRelays(ctx, []string{"relay.example", "nowhere.invalid"})
	require.Contains(t, out, "relay.example")
	require.NotContains(t, out, "nowhere.invalid")
}
