package funder

import (
	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

// Event is anything the router produces for a caller to dispatch outward:
// to the app-control layer, to the route-discovery collaborator, or to
// internal/metrics.
type Event interface{ isEvent() }

// TransactionResultEvent delivers a response/cancel that resolves a request
// this node itself originated, matching spec.md §4.3's "deliver to app
// layer as TransactionResult".
type TransactionResultEvent struct {
	Currency mc.Currency
	Op       tokenchannel.Op
}

func (TransactionResultEvent) isEvent() {}

// DestinationRequestEvent delivers a RequestSendFunds for which this node is
// the final hop, matching spec.md §4.3 step 1's "if we are the destination".
// The router only records the origin for later routing; resolving the
// request into a response or cancel is the app layer's job (internal/node's
// invoice handling).
type DestinationRequestEvent struct {
	FromFriendPublicKey []byte
	Currency            mc.Currency
	Request             mc.RequestSendFunds
}

func (DestinationRequestEvent) isEvent() {}

// FriendLivenessChangedEvent is the SUPPLEMENTAL FEATURES liveness-report
// event: a friend's online/offline transition, modeled explicitly rather
// than as a side effect of message absence.
type FriendLivenessChangedEvent struct {
	FriendPublicKey []byte
	Online          bool
}

func (FriendLivenessChangedEvent) isEvent() {}

// IndexMutationKind distinguishes an UpdateFriendCurrency from a
// RemoveFriendCurrency index mutation (spec.md §4.3 "Index mutations").
type IndexMutationKind int

const (
	IndexMutationUpdate IndexMutationKind = iota
	IndexMutationRemove
)

// IndexMutationEvent is published to the route-discovery collaborator
// whenever an active currency's send/recv capacity changes.
type IndexMutationEvent struct {
	Kind         IndexMutationKind
	FriendPublicKey []byte
	Currency     mc.Currency
	SendCapacity uint64
	RecvCapacity uint64
	Rate         Rate
}

func (IndexMutationEvent) isEvent() {}

// Rate mirrors friend.Rate, re-declared here to avoid making
// internal/funder's event type depend on internal/friend's exported fee
// shape evolving independently; kept structurally identical on purpose.
type Rate struct {
	Add uint64
	Mul uint64
}

// EmitIndexMutation appends an index-mutation event; called by
// internal/node whenever it changes a currency_config for an active
// currency.
func (r *Router) EmitIndexMutation(ev IndexMutationEvent) {
	r.events = append(r.events, ev)
}
