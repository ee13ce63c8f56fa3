// Package resolver implements spec.md §5's "DNS/address resolution" worker:
// turning a friend's advertised relay hostname into a set of dialable
// addresses, independent of whatever transport (internal/transport)
// eventually dials them.
package resolver

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver looks up relay hostnames against a fixed list of nameservers,
// retrying the next server in the list on failure rather than relying on
// the host's resolv.conf, matching spec.md §5's requirement that relay
// resolution not block on a single DNS collaborator.
type Resolver struct {
	client      *dns.Client
	nameservers []string
}

// New creates a Resolver querying nameservers in order (each formatted
// "host:port", e.g. "1.1.1.1:53"); at least one is required.
func New(nameservers []string) *Resolver {
	return &Resolver{
		client:      new(dns.Client),
		nameservers: nameservers,
	}
}

// Resolve returns every A/AAAA address for host, querying nameservers in
// order and returning the first successful response. host need not be
// FQDN-terminated; Resolve appends the trailing dot itself.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if len(r.nameservers) == 0 {
		return nil, fmt.Errorf("resolver: no nameservers configured")
	}

	var lastErr error
	var addrs []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)

		for _, ns := range r.nameservers {
			resp, _, err := r.client.ExchangeContext(ctx, msg, ns)
			if err != nil {
				lastErr = err
				continue
			}
			addrs = append(addrs, extractAddrs(resp)...)
			lastErr = nil
			break
		}
	}

	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("resolver: resolve %q: %w", host, lastErr)
		}
		return nil, fmt.Errorf("resolver: no addresses found for %q", host)
	}
	return addrs, nil
}

func extractAddrs(resp *dns.Msg) []net.IP {
	var out []net.IP
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			out = append(out, rec.A)
		case *dns.AAAA:
			out = append(out, rec.AAAA)
		}
	}
	return out
}

// ResolveRelays resolves every relay hostname in relays, skipping (not
// failing on) any host that does not resolve — a friend may advertise
// several relays precisely so one bad entry does not block reachability,
// per spec.md §5/§9's relay-list model.
func (r *Resolver) ResolveRelays(ctx context.Context, relays []string) map[string][]net.IP {
	out := make(map[string][]net.IP, len(relays))
	for _, host := range relays {
		addrs, err := r.Resolve(ctx, host)
		if err != nil {
			continue
		}
		out[host] = addrs
	}
	return out
}
