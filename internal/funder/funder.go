// Package funder implements the node-wide multi-hop router of spec.md §4.3:
// forward/backward path dispatch across friends, fee checking, freeze-guard
// backpressure, and offline/disable draining. It owns no network I/O; it is
// driven by a caller (internal/node) that hands it decoded operations and
// asks it what to send next, matching htlcswitch.Switch's role of pure
// routing logic above the wire.
package funder

import (
	"github.com/go-errors/errors"
	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/friend"
	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/metrics"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

// Sentinel cancel reasons, matching spec.md §4.3/§7's named credit errors
// for the forward path.
var (
	ErrInsufficientFees   = errors.New("funder: forwarded fee is less than required")
	ErrRouteLoop          = errors.New("funder: route contains a duplicate public key")
	ErrInvalidDestination = errors.New("funder: next hop is not a friend of this node")
	ErrCurrencyClosed     = errors.New("funder: currency is closed to new requests")
	ErrFriendOffline      = errors.New("funder: next-hop friend is offline")
	ErrFreezeGuard        = errors.New("funder: freeze guard capacity exceeded")
	ErrRateLimited        = errors.New("funder: forward rate limit exceeded for this friend")
)

// RequestOrigin records where a forwarded request came from, so its
// eventual response or cancel can be routed back (spec.md §4.3's
// pending_request_origins).
type RequestOrigin struct {
	FriendPublicKey []byte // nil means the node itself originated the request
	Currency        mc.Currency
}

// Router owns the node-wide routing tables: every friend, and the map from
// in-flight request id back to its origin.
type Router struct {
	LocalPublicKey []byte
	Friends        map[string]*friend.State

	pendingOrigins map[mc.RequestID]RequestOrigin
	guard          *FreezeGuard

	events []Event

	// Metrics is nil by default; SetMetrics wires in a Registry for a node
	// that wants Prometheus observability (SPEC_FULL.md's metrics component).
	// Every call site nil-checks it, so a Router is fully usable without one.
	Metrics *metrics.Registry

	// Limiter is nil by default; SetLimiter wires in per-friend forward-path
	// backpressure (spec.md §5). A forward-path request is rejected with
	// ErrRateLimited rather than silently dropped.
	Limiter *RequestLimiter
}

// New creates an empty router for a node identified by localPK.
func New(localPK []byte) *Router {
	return &Router{
		LocalPublicKey: localPK,
		Friends:        make(map[string]*friend.State),
		pendingOrigins: make(map[mc.RequestID]RequestOrigin),
		guard:          NewFreezeGuard(),
	}
}

// SetMetrics wires a metrics.Registry into the router; pass nil to disable.
func (r *Router) SetMetrics(reg *metrics.Registry) { r.Metrics = reg }

// SetLimiter wires a RequestLimiter into the router; pass nil to disable
// forward-path rate limiting.
func (r *Router) SetLimiter(l *RequestLimiter) { r.Limiter = l }

func (r *Router) friendKey(pk []byte) string { return string(pk) }

func (r *Router) Friend(pk []byte) *friend.State { return r.Friends[r.friendKey(pk)] }

// AddFriend registers a new friend under the router.
func (r *Router) AddFriend(f *friend.State) {
	r.Friends[r.friendKey(f.RemotePublicKey)] = f
}

// RemoveFriend drops a friend entirely (control-surface "remove friend").
func (r *Router) RemoveFriend(pk []byte) {
	delete(r.Friends, r.friendKey(pk))
}

// nextHopAndPosition finds the friend public key immediately after ours in
// route; isDest is true (and next nil) if we are the final entry, and found
// is false if our key is not on the route at all.
func nextHopAndPosition(route mc.Route, localPK []byte) (next []byte, isDest bool, found bool) {
	for i, pk := range route.PublicKeys {
		if string(pk) == string(localPK) {
			if i == len(route.PublicKeys)-1 {
				return nil, true, true
			}
			return route.PublicKeys[i+1], false, true
		}
	}
	return nil, false, false
}

// ForwardRequest implements spec.md §4.3's forward path: accepting a
// RequestSendFunds from friend F on currency cur. originFriendPK is nil when
// the request was originated locally (a user's CreateTransaction), matching
// the pending_user_requests path.
func (r *Router) ForwardRequest(originFriendPK []byte, cur mc.Currency, req mc.RequestSendFunds) error {
	if req.Route.HasDuplicate() {
		return r.cancelLocally(originFriendPK, cur, req.RequestID, ErrRouteLoop)
	}

	next, isDest, found := nextHopAndPosition(req.Route, r.LocalPublicKey)
	if !found {
		return r.cancelLocally(originFriendPK, cur, req.RequestID, ErrInvalidDestination)
	}

	if isDest {
		// We are the payment's destination: the response/cancel is
		// produced by the app layer (internal/node, via AddInvoice/
		// CommitInvoice); the router's job here is just bookkeeping
		// the origin so a later response routes back correctly.
		r.pendingOrigins[req.RequestID] = RequestOrigin{FriendPublicKey: originFriendPK, Currency: cur}
		r.events = append(r.events, DestinationRequestEvent{
			FromFriendPublicKey: originFriendPK,
			Currency:            cur,
			Request:             req,
		})
		return nil
	}

	downstream := r.Friend(next)
	if downstream == nil {
		return r.cancelLocally(originFriendPK, cur, req.RequestID, ErrInvalidDestination)
	}
	if !downstream.IsOnline() || !downstream.IsEnabled {
		return r.cancelLocally(originFriendPK, cur, req.RequestID, ErrFriendOffline)
	}
	if r.Limiter != nil && !r.Limiter.Allow(next) {
		return r.cancelLocally(originFriendPK, cur, req.RequestID, ErrRateLimited)
	}
	cfg := downstream.CurrencyConfigs[cur]
	if cfg == nil || !cfg.IsOpen {
		return r.cancelLocally(originFriendPK, cur, req.RequestID, ErrCurrencyClosed)
	}

	ourFee := computeFee(cfg.Rate, req.DestPayment)
	if req.LeftFees.Cmp(ourFee) < 0 {
		return r.cancelLocally(originFriendPK, cur, req.RequestID, ErrInsufficientFees)
	}

	capacity := uint128.From64(cfg.RemoteMaxDebt)
	if originFriendPK != nil {
		frozen, overflow := addSat(req.DestPayment, req.LeftFees)
		if overflow || !r.guard.TryFreeze(originFriendPK, next, cur, frozen, capacity) {
			return r.cancelLocally(originFriendPK, cur, req.RequestID, ErrFreezeGuard)
		}
	}

	forwarded := req
	forwarded.LeftFees = req.LeftFees.Sub(ourFee)

	r.pendingOrigins[req.RequestID] = RequestOrigin{FriendPublicKey: originFriendPK, Currency: cur}
	if originFriendPK == nil {
		downstream.QueueUserRequest(cur, forwarded)
	} else {
		downstream.QueueForwardedRequest(cur, forwarded)
	}
	if r.Metrics != nil {
		r.Metrics.RequestsForwarded.Inc()
	}
	return nil
}

// cancelLocally generates a CancelSendFunds back toward the origin without
// ever reaching the downstream friend, used for every forward-path rejection
// reason in spec.md §4.3 step 4.
func (r *Router) cancelLocally(originFriendPK []byte, cur mc.Currency, id mc.RequestID, reason error) error {
	if r.Metrics != nil {
		r.Metrics.RequestsRejected.WithLabelValues(reason.Error()).Inc()
		if reason == ErrFreezeGuard {
			r.Metrics.FreezeGuardRejected.Inc()
		}
	}
	r.routeBackward(originFriendPK, cur, tokenchannel.Op{Cancel: &mc.CancelSendFunds{RequestID: id}})
	return reason
}

// AcceptBackward implements spec.md §4.3's backward path: a response or
// cancel arriving from friend fromPK on currency cur, already applied to
// mc(fromPK, cur) by the caller (the token channel's Receive). frozen is the
// amount that was frozen for this request, used to release the freeze guard.
func (r *Router) AcceptBackward(fromPK []byte, cur mc.Currency, id mc.RequestID, op tokenchannel.Op, frozen uint128.Uint128) {
	origin, ok := r.pendingOrigins[id]
	if !ok {
		return
	}
	delete(r.pendingOrigins, id)

	if origin.FriendPublicKey != nil {
		r.guard.Release(origin.FriendPublicKey, fromPK, cur, frozen)
	}
	r.routeBackward(origin.FriendPublicKey, cur, op)
}

// ResolveDestination settles a request for which this node was the
// destination (a DestinationRequestEvent), routing the app layer's response
// or cancel back toward whichever friend forwarded it to us. Unlike
// AcceptBackward, no freeze-guard release is needed: ForwardRequest never
// freezes guard capacity for a request whose next hop is this node itself.
func (r *Router) ResolveDestination(id mc.RequestID, op tokenchannel.Op) {
	origin, ok := r.pendingOrigins[id]
	if !ok {
		return
	}
	delete(r.pendingOrigins, id)
	r.routeBackward(origin.FriendPublicKey, origin.Currency, op)
}

// routeBackward enqueues op on the origin friend's pending_backwards, or —
// if the origin is this node itself (FriendPublicKey == nil) — emits a
// TransactionResult event for the app layer.
func (r *Router) routeBackward(originFriendPK []byte, cur mc.Currency, op tokenchannel.Op) {
	if r.Metrics != nil {
		r.Metrics.BackwardsRouted.Inc()
	}
	if originFriendPK == nil {
		r.events = append(r.events, TransactionResultEvent{Currency: cur, Op: op})
		return
	}
	if f := r.Friend(originFriendPK); f != nil {
		f.QueueBackward(cur, op)
	}
}

// HandleOffline implements spec.md §4.3's offline/disable handling: drains a
// friend's pending_requests/pending_user_requests into cancels routed back
// to their origins.
func (r *Router) HandleOffline(pk []byte) {
	f := r.Friend(pk)
	if f == nil {
		return
	}
	f.SetOnline(false)
	r.events = append(r.events, FriendLivenessChangedEvent{FriendPublicKey: pk, Online: false})

	for _, id := range f.DrainToCancels() {
		origin, ok := r.pendingOrigins[id]
		if !ok {
			continue
		}
		delete(r.pendingOrigins, id)
		r.routeBackward(origin.FriendPublicKey, origin.Currency,
			tokenchannel.Op{Cancel: &mc.CancelSendFunds{RequestID: id}})
	}
}

// HandleOnline marks a friend online again, emitting the liveness event the
// SUPPLEMENTAL FEATURES section calls for.
func (r *Router) HandleOnline(pk []byte) {
	f := r.Friend(pk)
	if f == nil {
		return
	}
	f.SetOnline(true)
	r.events = append(r.events, FriendLivenessChangedEvent{FriendPublicKey: pk, Online: true})
}

// DrainEvents returns and clears events accumulated since the last call
// (index mutations, transaction results, liveness changes) for the caller to
// dispatch to the app layer / route-discovery collaborator.
func (r *Router) DrainEvents() []Event {
	out := r.events
	r.events = nil
	return out
}
