package funder

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/friend"
	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/metrics"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

type acceptAll struct{}

func (acceptAll) Verify(pubKey, buf, sig []byte) bool { return true }

type noopSigner struct{ pub []byte }

func (s noopSigner) Sign(buf []byte) ([]byte, error) { return append([]byte{}, buf...), nil }
func (s noopSigner) PublicKey() []byte               { return s.pub }

func newRouterWithFriend(t *testing.T, local, remote []byte, cfg *friend.CurrencyConfig) (*Router, *friend.State) {
	t.Helper()
	r := New(local)
	f := friend.New(local, remote, tokenchannel.Config{
		Signer: noopSigner{pub: local}, McVerifier: acceptAll{},
	})
	f.IsEnabled = true
	f.SetOnline(true)
	if cfg != nil {
		f.CurrencyConfigs["FST1"] = cfg
	}
	r.AddFriend(f)
	return r, f
}

func TestForwardRequestRejectsRouteLoop(t *testing.T) {
	r, _ := newRouterWithFriend(t, []byte("A"), []byte("B"), nil)
	req := mc.RequestSendFunds{
		RequestID: mc.NewRequestID(),
		Route:     mc.Route{PublicKeys: [][]byte{[]byte("A"), []byte("B"), []byte("A")}},
	}
	err := r.ForwardRequest(nil, "FST1", req)
	require.ErrorIs(t, err, ErrRouteLoop)
}

func TestForwardRequestDestinationRecordsOrigin(t *testing.T) {
	r, _ := newRouterWithFriend(t, []byte("A"), []byte("B"), nil)
	id := mc.NewRequestID()
	req := mc.RequestSendFunds{
		RequestID: id,
		Route:     mc.Route{PublicKeys: [][]byte{[]byte("X"), []byte("A")}},
	}
	err := r.ForwardRequest([]byte("X-friend"), "FST1", req)
	require.NoError(t, err)
	origin, ok := r.pendingOrigins[id]
	require.True(t, ok)
	require.Equal(t, []byte("X-friend"), origin.FriendPublicKey)
}

func TestForwardRequestRejectsInsufficientFees(t *testing.T) {
	r, _ := newRouterWithFriend(t, []byte("A"), []byte("B"), &friend.CurrencyConfig{
		Rate: friend.Rate{Add: 100}, IsOpen: true, RemoteMaxDebt: 1000,
	})
	req := mc.RequestSendFunds{
		RequestID:   mc.NewRequestID(),
		Route:       mc.Route{PublicKeys: [][]byte{[]byte("A"), []byte("B")}},
		DestPayment: uint128.From64(10),
		LeftFees:    uint128.From64(5), // less than rate.add=100
	}
	err := r.ForwardRequest([]byte("upstream"), "FST1", req)
	require.ErrorIs(t, err, ErrInsufficientFees)
}

func TestForwardRequestSucceedsAndQueuesDownstream(t *testing.T) {
	r, b := newRouterWithFriend(t, []byte("A"), []byte("B"), &friend.CurrencyConfig{
		Rate: friend.Rate{Add: 2}, IsOpen: true, RemoteMaxDebt: 1000,
	})
	req := mc.RequestSendFunds{
		RequestID:   mc.NewRequestID(),
		Route:       mc.Route{PublicKeys: [][]byte{[]byte("upstream"), []byte("A"), []byte("B")}},
		DestPayment: uint128.From64(10),
		LeftFees:    uint128.From64(5),
	}
	err := r.ForwardRequest([]byte("upstream"), "FST1", req)
	require.NoError(t, err)
	require.True(t, b.HasPendingWork())
}

func TestForwardRequestRejectsOfflineFriend(t *testing.T) {
	r, b := newRouterWithFriend(t, []byte("A"), []byte("B"), &friend.CurrencyConfig{IsOpen: true, RemoteMaxDebt: 1000})
	b.SetOnline(false)
	req := mc.RequestSendFunds{
		RequestID: mc.NewRequestID(),
		Route:     mc.Route{PublicKeys: [][]byte{[]byte("upstream"), []byte("A"), []byte("B")}},
	}
	err := r.ForwardRequest([]byte("upstream"), "FST1", req)
	require.ErrorIs(t, err, ErrFriendOffline)
}

func TestMetricsCountForwardsAndRejections(t *testing.T) {
	r, b := newRouterWithFriend(t, []byte("A"), []byte("B"), &friend.CurrencyConfig{IsOpen: true, RemoteMaxDebt: 1000})
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	r.SetMetrics(reg)

	ok := mc.RequestSendFunds{
		RequestID:   mc.NewRequestID(),
		Route:       mc.Route{PublicKeys: [][]byte{[]byte("upstream"), []byte("A"), []byte("B")}},
		DestPayment: uint128.From64(10),
		LeftFees:    uint128.From64(5),
	}
	require.NoError(t, r.ForwardRequest([]byte("upstream"), "FST1", ok))
	require.InDelta(t, 1, testutil.ToFloat64(reg.RequestsForwarded), 0)
	require.True(t, b.HasPendingWork())

	looped := mc.RequestSendFunds{
		RequestID: mc.NewRequestID(),
		Route:     mc.Route{PublicKeys: [][]byte{[]byte("A"), []byte("A")}},
	}
	err := r.ForwardRequest(nil, "FST1", looped)
	require.ErrorIs(t, err, ErrRouteLoop)
	require.InDelta(t, 1, testutil.ToFloat64(reg.RequestsRejected.WithLabelValues(ErrRouteLoop.Error())), 0)
}

func TestForwardRequestRejectsOverLimiterRate(t *testing.T) {
	r, b := newRouterWithFriend(t, []byte("A"), []byte("B"), &friend.CurrencyConfig{IsOpen: true, RemoteMaxDebt: 1000})
	r.SetLimiter(NewRequestLimiter(0, 1))

	first := mc.RequestSendFunds{
		RequestID:   mc.NewRequestID(),
		Route:       mc.Route{PublicKeys: [][]byte{[]byte("upstream"), []byte("A"), []byte("B")}},
		DestPayment: uint128.From64(10),
		LeftFees:    uint128.From64(5),
	}
	require.NoError(t, r.ForwardRequest([]byte("upstream"), "FST1", first))
	require.True(t, b.HasPendingWork())

	second := mc.RequestSendFunds{
		RequestID:   mc.NewRequestID(),
		Route:       mc.Route{PublicKeys: [][]byte{[]byte("upstream"), []byte("A"), []byte("B")}},
		DestPayment: uint128.From64(10),
		LeftFees:    uint128.From64(5),
	}
	err := r.ForwardRequest([]byte("upstream"), "FST1", second)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestFreezeGuardSplitsCapacityAcrossUpstreams(t *testing.T) {
	g := NewFreezeGuard()
	capacity := uint128.From64(100)

	require.True(t, g.TryFreeze([]byte("X"), []byte("N"), "FST1", uint128.From64(60), capacity))
	// Y now observed too: capacity splits 50/50; X already has 60 > 50,
	// but that check only applies going forward — Y's own request must
	// respect the share computed at admission time.
	require.False(t, g.TryFreeze([]byte("Y"), []byte("N"), "FST1", uint128.From64(60), capacity))
	require.True(t, g.TryFreeze([]byte("Y"), []byte("N"), "FST1", uint128.From64(40), capacity))
}

func TestFreezeGuardReleaseFreesCapacity(t *testing.T) {
	g := NewFreezeGuard()
	capacity := uint128.From64(100)
	require.True(t, g.TryFreeze([]byte("X"), []byte("N"), "FST1", uint128.From64(90), capacity))
	g.Release([]byte("X"), []byte("N"), "FST1", uint128.From64(90))
	require.True(t, g.TryFreeze([]byte("X"), []byte("N"), "FST1", uint128.From64(90), capacity))
}

func TestHandleOfflineDrainsPendingToCancels(t *testing.T) {
	r, b := newRouterWithFriend(t, []byte("A"), []byte("B"), &friend.CurrencyConfig{IsOpen: true, RemoteMaxDebt: 1000})
	id := mc.NewRequestID()
	b.QueueForwardedRequest("FST1", mc.RequestSendFunds{RequestID: id})
	r.pendingOrigins[id] = RequestOrigin{FriendPublicKey: []byte("upstream"), Currency: "FST1"}

	upstream := friend.New([]byte("A"), []byte("upstream"), tokenchannel.Config{McVerifier: acceptAll{}})
	r.AddFriend(upstream)

	r.HandleOffline([]byte("B"))
	require.False(t, b.IsOnline())
	require.True(t, upstream.HasPendingWork())

	events := r.DrainEvents()
	require.Len(t, events, 1)
	_, ok := events[0].(FriendLivenessChangedEvent)
	require.True(t, ok)
}

func TestAcceptBackwardRoutesToOriginAndDeliversLocalResult(t *testing.T) {
	r, _ := newRouterWithFriend(t, []byte("A"), []byte("B"), nil)
	id := mc.NewRequestID()
	r.pendingOrigins[id] = RequestOrigin{FriendPublicKey: nil, Currency: "FST1"}

	r.AcceptBackward([]byte("B"), "FST1", id, tokenchannel.Op{Cancel: &mc.CancelSendFunds{RequestID: id}}, uint128.Zero)

	events := r.DrainEvents()
	require.Len(t, events, 1)
	_, ok := events[0].(TransactionResultEvent)
	require.True(t, ok)
	_, stillPending := r.pendingOrigins[id]
	require.False(t, stillPending)
}
