// Package friend holds the per-peer state a node's router owns for each
// friend in its trust graph: its token channel, currency configuration, and
// the three priority-ordered outgoing queues spec.md §4.2/§4.3 describe
// (pending_backwards, pending_requests, pending_user_requests).
package friend

import (
	"github.com/lightningnetwork/lnd/queue"

	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

// Rate is the affine forwarding-fee function of spec.md's GLOSSARY:
// fee = add + mul*dest_payment/2^40.
type Rate struct {
	Add uint64
	Mul uint64
}

// CurrencyConfig is one entry of FriendState.currency_configs (spec.md §3).
type CurrencyConfig struct {
	Rate           Rate
	RemoteMaxDebt  uint64
	IsOpen         bool
	ScheduledRemove bool
}

// backwardOp is one entry of pending_backwards: a response or cancel waiting
// to be placed into this friend's next outgoing MoveToken batch.
type backwardOp struct {
	Currency mc.Currency
	Op       tokenchannel.Op
}

// State is the per-friend record owned exclusively by the router loop
// (spec.md §3's "Ownership: each FriendState is exclusively owned by the
// router"). The three queues use lnd's queue.Queue, the same ring-buffer FIFO
// htlcswitch uses for its per-link packet queues.
type State struct {
	RemotePublicKey []byte
	Name            string
	Relays          []string
	RelaysGeneration uint64
	IsEnabled       bool

	Channel *tokenchannel.Channel

	CurrencyConfigs map[mc.Currency]*CurrencyConfig

	pendingBackwards    *queue.Queue
	pendingRequests     *queue.Queue
	pendingUserRequests *queue.Queue

	online bool
}

// forwardedReq is one entry of pending_requests: a RequestSendFunds this
// node is forwarding on behalf of an upstream friend.
type forwardedReq struct {
	Currency mc.Currency
	Request  mc.RequestSendFunds
}

// userReq is one entry of pending_user_requests: a RequestSendFunds
// originated locally by the control surface (a CreateTransaction call).
type userReq struct {
	Currency mc.Currency
	Request  mc.RequestSendFunds
}

// New creates a fresh FriendState with an empty, freshly-turned token
// channel (local side holds the token first, matching tokenchannel.New).
func New(localPK, remotePK []byte, cfg tokenchannel.Config) *State {
	cfg.LocalPublicKey = localPK
	cfg.RemotePublicKey = remotePK
	return &State{
		RemotePublicKey: remotePK,
		IsEnabled:       true,
		Channel:         tokenchannel.New(cfg),
		CurrencyConfigs: make(map[mc.Currency]*CurrencyConfig),

		pendingBackwards:    queue.NewQueue(),
		pendingRequests:     queue.NewQueue(),
		pendingUserRequests: queue.NewQueue(),
	}
}

// QueueBackward enqueues a response/cancel to go out on this friend's next
// batch, highest priority per spec.md §4.3's ordering rule.
func (s *State) QueueBackward(cur mc.Currency, op tokenchannel.Op) {
	s.pendingBackwards.Push(backwardOp{Currency: cur, Op: op})
}

// QueueUserRequest enqueues a locally originated payment request, second
// priority.
func (s *State) QueueUserRequest(cur mc.Currency, req mc.RequestSendFunds) {
	s.pendingUserRequests.Push(userReq{Currency: cur, Request: req})
}

// QueueForwardedRequest enqueues a request being forwarded on behalf of
// another friend, lowest priority.
func (s *State) QueueForwardedRequest(cur mc.Currency, req mc.RequestSendFunds) {
	s.pendingRequests.Push(forwardedReq{Currency: cur, Request: req})
}

// HasPendingWork reports whether any of the three queues holds something to
// send, used to decide the outgoing envelope's token_wanted bit.
func (s *State) HasPendingWork() bool {
	return s.pendingBackwards.Length() > 0 ||
		s.pendingUserRequests.Length() > 0 ||
		s.pendingRequests.Length() > 0
}

// DrainBatch pulls up to maxOps operations from the three queues in
// spec.md §4.3's priority order (backwards, user requests, forwarded
// requests) and assembles them into a tokenchannel.PendingBatch ready for
// Channel.Send.
func (s *State) DrainBatch(maxOps int) tokenchannel.PendingBatch {
	batch := tokenchannel.PendingBatch{Operations: make(map[mc.Currency][]tokenchannel.Op)}

	remaining := maxOps
	for remaining > 0 && s.pendingBackwards.Length() > 0 {
		item := s.pendingBackwards.Pop().(backwardOp)
		batch.Operations[item.Currency] = append(batch.Operations[item.Currency], item.Op)
		remaining--
	}
	for remaining > 0 && s.pendingUserRequests.Length() > 0 {
		item := s.pendingUserRequests.Pop().(userReq)
		batch.Operations[item.Currency] = append(batch.Operations[item.Currency],
			tokenchannel.Op{Request: &item.Request})
		remaining--
	}
	for remaining > 0 && s.pendingRequests.Length() > 0 {
		item := s.pendingRequests.Pop().(forwardedReq)
		batch.Operations[item.Currency] = append(batch.Operations[item.Currency],
			tokenchannel.Op{Request: &item.Request})
		remaining--
	}
	return batch
}

// DrainToCancels empties pending_user_requests and pending_requests, used by
// the router's offline/disable handling (spec.md §4.3); pending_backwards is
// left untouched. It returns the request ids that must be cancelled
// upstream; the router looks up each one's origin via
// pending_request_origins.
func (s *State) DrainToCancels() []mc.RequestID {
	var ids []mc.RequestID
	for s.pendingUserRequests.Length() > 0 {
		item := s.pendingUserRequests.Pop().(userReq)
		ids = append(ids, item.Request.RequestID)
	}
	for s.pendingRequests.Length() > 0 {
		item := s.pendingRequests.Pop().(forwardedReq)
		ids = append(ids, item.Request.RequestID)
	}
	return ids
}

// SetOnline/IsOnline track liveness (spec.md §4.3's offline/disable handling
// and the SUPPLEMENTAL FEATURES liveness-report event); the router's
// HandleOffline/HandleOnline call SetOnline.
func (s *State) SetOnline(online bool) { s.online = online }
func (s *State) IsOnline() bool        { return s.online }

// ApplyRelaysUpdate adopts a new relay list if its generation is newer than
// what we've already applied, per the SUPPLEMENTAL FEATURES generation-
// counter rule; returns whether it was applied (callers ack the generation
// either way, per the rule's "so the sender knows when it is safe to drop an
// old relay").
func (s *State) ApplyRelaysUpdate(generation uint64, relays []string) bool {
	if generation <= s.RelaysGeneration && s.RelaysGeneration != 0 {
		return false
	}
	s.Relays = relays
	s.RelaysGeneration = generation
	return true
}
