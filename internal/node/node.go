// Package node implements spec.md §6's control surface and app-layer state
// on top of internal/funder's router: friend/currency management, the
// reset protocol entry point, buyer-side payments, seller-side invoices,
// and the route-discovery adapter. It is the single place spec.md's
// external callers (a CLI, an RPC server, a test) touch the core.
//
// Payment and Invoice are grounded on htlcswitch's ControlTower/
// paymentControl pattern (htlcswitch/switch_control.go): an explicit status
// enum, guarded state transitions, and sentinel errors per illegal
// transition, adapted from lnd's single-HTLC-per-payment-attempt model to
// this module's multi-part, invoice-gated payments.
package node

import (
	"github.com/go-errors/errors"
	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/friend"
	"github.com/trustmesh/meshnode/internal/funder"
	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

// Control-surface sentinel errors (spec.md §7 "Control errors").
var (
	ErrUnknownFriend    = errors.New("node: unknown friend")
	ErrFriendExists     = errors.New("node: friend already exists")
	ErrUnknownCurrency  = errors.New("node: currency not configured with this friend")
	ErrInvalidReset     = errors.New("node: reset terms do not match the token channel's remote terms")
)

// IndexServer is an address of a route-discovery collaborator this node
// publishes IndexMutations to and queries for routes, per spec.md §6.
type IndexServer struct {
	PublicKey []byte
	Address   string
}

// Node is the app-level state of spec.md §3: the router (which owns
// friends and their token channels), the set of relays this node is
// reachable through, known index servers, and the buyer/seller payment
// state machines.
type Node struct {
	LocalPublicKey []byte
	Router         *funder.Router

	signer     tokenchannel.Signer
	mcVerifier mc.Verifier
	tcVerifier tokenchannel.Verifier

	LocalRelays  []string
	IndexServers map[string]*IndexServer

	payments map[PaymentID]*Payment
	invoices map[InvoiceID]*Invoice

	// pendingDestination tracks a DestinationRequestEvent not yet
	// resolved against a known invoice (arrived before the matching
	// AddInvoice, or for an invoice id this node never issued).
	pendingDestination map[mc.RequestID]funder.DestinationRequestEvent
}

// Config bundles Node's construction-time dependencies.
type Config struct {
	LocalPublicKey []byte
	Signer         tokenchannel.Signer
	McVerifier     mc.Verifier
	TcVerifier     tokenchannel.Verifier
}

// New creates a node with no friends, relays, or index servers.
func New(cfg Config) *Node {
	return &Node{
		LocalPublicKey:      cfg.LocalPublicKey,
		Router:              funder.New(cfg.LocalPublicKey),
		signer:              cfg.Signer,
		mcVerifier:          cfg.McVerifier,
		tcVerifier:          cfg.TcVerifier,
		IndexServers:        make(map[string]*IndexServer),
		payments:            make(map[PaymentID]*Payment),
		invoices:            make(map[InvoiceID]*Invoice),
		pendingDestination:  make(map[mc.RequestID]funder.DestinationRequestEvent),
	}
}

// AddFriend registers a new friend relationship (control surface "Friend
// management: add"), enabled by default per friend.New.
func (n *Node) AddFriend(remotePublicKey []byte, relays []string, maxOperationsInBatch int) (*friend.State, error) {
	if n.Router.Friend(remotePublicKey) != nil {
		return nil, ErrFriendExists
	}
	f := friend.New(n.LocalPublicKey, remotePublicKey, tokenchannel.Config{
		LocalPublicKey:       n.LocalPublicKey,
		RemotePublicKey:      remotePublicKey,
		Signer:               n.signer,
		McVerifier:           n.mcVerifier,
		MaxOperationsInBatch: maxOperationsInBatch,
	})
	f.Relays = relays
	n.Router.AddFriend(f)
	return f, nil
}

// RemoveFriend drops a friend entirely (control surface "remove").
func (n *Node) RemoveFriend(remotePublicKey []byte) error {
	if n.Router.Friend(remotePublicKey) == nil {
		return ErrUnknownFriend
	}
	n.Router.RemoveFriend(remotePublicKey)
	return nil
}

// SetFriendRelays applies a RelaysUpdate (control surface "set relays"),
// rejecting stale generations per friend.ApplyRelaysUpdate.
func (n *Node) SetFriendRelays(remotePublicKey []byte, generation uint64, relays []string) error {
	f := n.Router.Friend(remotePublicKey)
	if f == nil {
		return ErrUnknownFriend
	}
	f.ApplyRelaysUpdate(generation, relays)
	return nil
}

// SetFriendName sets the friend's local display name (control surface "set
// name"); purely local bookkeeping, never sent over the wire.
func (n *Node) SetFriendName(remotePublicKey []byte, name string) error {
	f := n.Router.Friend(remotePublicKey)
	if f == nil {
		return ErrUnknownFriend
	}
	f.Name = name
	return nil
}

// EnableFriend and DisableFriend implement control surface "enable/
// disable". Disabling a friend does not touch its token channel state, but
// DisableFriend does call the router's HandleOffline, draining the friend's
// pending requests into cancels toward their origins.
func (n *Node) EnableFriend(remotePublicKey []byte) error {
	f := n.Router.Friend(remotePublicKey)
	if f == nil {
		return ErrUnknownFriend
	}
	f.IsEnabled = true
	return nil
}

func (n *Node) DisableFriend(remotePublicKey []byte) error {
	f := n.Router.Friend(remotePublicKey)
	if f == nil {
		return ErrUnknownFriend
	}
	f.IsEnabled = false
	n.Router.HandleOffline(remotePublicKey)
	return nil
}

// AddCurrency opens a new currency with a friend (control surface
// "Currency management: add"), offering it locally; it becomes active only
// once the remote side reciprocates via the wire protocol's currencies_diff
// (spec.md §4.2), which is outside this package's scope.
func (n *Node) AddCurrency(remotePublicKey []byte, cur mc.Currency, rate friend.Rate) error {
	f := n.Router.Friend(remotePublicKey)
	if f == nil {
		return ErrUnknownFriend
	}
	f.CurrencyConfigs[cur] = &friend.CurrencyConfig{Rate: rate}
	f.Channel.AddLocalCurrency(cur)
	return nil
}

// SetCurrencyRate updates the fee rate advertised to a friend for a
// currency, emitting the index mutation downstream nodes need to
// re-evaluate routes through us.
func (n *Node) SetCurrencyRate(remotePublicKey []byte, cur mc.Currency, rate friend.Rate) error {
	cfg, f, err := n.currencyConfig(remotePublicKey, cur)
	if err != nil {
		return err
	}
	cfg.Rate = rate
	n.emitIndexMutation(f, cur, cfg)
	return nil
}

// SetLocalMaxDebt and SetRemoteMaxDebt implement control surface "set
// local/remote max debt", forwarding onto the currency's MutualCredit
// ledger — spec.md §4.1's debt ceilings live on the MC, not the friend's
// currency config, since they gate every queue_request call directly.
func (n *Node) SetLocalMaxDebt(remotePublicKey []byte, cur mc.Currency, v uint128.Uint128) error {
	f := n.Router.Friend(remotePublicKey)
	if f == nil {
		return ErrUnknownFriend
	}
	f.Channel.MutualCredit(cur).SetLocalMaxDebt(v)
	return nil
}

func (n *Node) SetRemoteMaxDebt(remotePublicKey []byte, cur mc.Currency, v uint64) error {
	cfg, f, err := n.currencyConfig(remotePublicKey, cur)
	if err != nil {
		return err
	}
	cfg.RemoteMaxDebt = v
	f.Channel.MutualCredit(cur).SetRemoteMaxDebt(uint128.From64(v))
	n.emitIndexMutation(f, cur, cfg)
	return nil
}

// SetCurrencyOpen implements control surface "open/close": whether new
// requests_status is open to forwarding through this friend on this
// currency.
func (n *Node) SetCurrencyOpen(remotePublicKey []byte, cur mc.Currency, open bool) error {
	cfg, f, err := n.currencyConfig(remotePublicKey, cur)
	if err != nil {
		return err
	}
	cfg.IsOpen = open
	f.Channel.MutualCredit(cur).SetLocalStatus(mc.RequestsStatus(open))
	n.emitIndexMutation(f, cur, cfg)
	return nil
}

// ScheduleCurrencyRemoval sets ScheduledRemove on the currency's config.
// Nothing in this module reads that flag: the currency is not dropped
// automatically once idle. Removal happens only through
// tokenchannel.Channel.RemoveLocalCurrency, which refuses unless the MC
// reports IsIdleForRemoval.
func (n *Node) ScheduleCurrencyRemoval(remotePublicKey []byte, cur mc.Currency) error {
	cfg, _, err := n.currencyConfig(remotePublicKey, cur)
	if err != nil {
		return err
	}
	cfg.ScheduledRemove = true
	return nil
}

func (n *Node) currencyConfig(remotePublicKey []byte, cur mc.Currency) (*friend.CurrencyConfig, *friend.State, error) {
	f := n.Router.Friend(remotePublicKey)
	if f == nil {
		return nil, nil, ErrUnknownFriend
	}
	cfg, ok := f.CurrencyConfigs[cur]
	if !ok {
		return nil, nil, ErrUnknownCurrency
	}
	return cfg, f, nil
}

func (n *Node) emitIndexMutation(f *friend.State, cur mc.Currency, cfg *friend.CurrencyConfig) {
	if !cfg.IsOpen {
		n.Router.EmitIndexMutation(funder.IndexMutationEvent{
			Kind:            funder.IndexMutationRemove,
			FriendPublicKey: f.RemotePublicKey,
			Currency:        cur,
		})
		return
	}
	mcredit := f.Channel.MutualCredit(cur)
	n.Router.EmitIndexMutation(funder.IndexMutationEvent{
		Kind:            funder.IndexMutationUpdate,
		FriendPublicKey: f.RemotePublicKey,
		Currency:        cur,
		SendCapacity:    cfg.RemoteMaxDebt,
		RecvCapacity:    uint64Saturate(mcredit.LocalMaxDebt()),
		Rate:            funder.Rate{Add: cfg.Rate.Add, Mul: cfg.Rate.Mul},
	})
}

// uint64Saturate narrows a uint128 debt ceiling down to the uint64 capacity
// figure an IndexMutationEvent carries, saturating rather than wrapping.
func uint64Saturate(v uint128.Uint128) uint64 {
	max := uint128.From64(^uint64(0))
	if v.Cmp(max) > 0 {
		return ^uint64(0)
	}
	return v.Big().Uint64()
}

// ApplyResetTerms implements control surface "Reset: apply received reset
// terms" — a pass-through to the token channel, which owns the tie-break
// and balance-matching logic of spec.md §4.2's reset protocol.
func (n *Node) ApplyResetTerms(remotePublicKey []byte, terms tokenchannel.ResetTerms) error {
	f := n.Router.Friend(remotePublicKey)
	if f == nil {
		return ErrUnknownFriend
	}
	f.Channel.ReceiveRemoteResetTerms(terms)
	return nil
}

// DispatchEvents drains funder.Router events and applies every
// DestinationRequestEvent against known invoices, returning whichever
// events remain for an outer caller (route-discovery, metrics, liveness) to
// handle. Meant to be called once per router-loop iteration.
func (n *Node) DispatchEvents() []funder.Event {
	var rest []funder.Event
	for _, ev := range n.Router.DrainEvents() {
		switch v := ev.(type) {
		case funder.DestinationRequestEvent:
			n.handleDestinationRequest(v)
		case funder.TransactionResultEvent:
			n.applyTransactionResult(v)
		default:
			rest = append(rest, ev)
		}
	}
	return rest
}

// handleDestinationRequest matches an inbound request for which this node
// is the final hop against a known invoice by its src_hashed_lock, holding
// it pending commitment; unmatched requests are parked until a matching
// AddInvoice arrives (or forever, until the caller times it out — this
// package has no request-level timeout per spec.md §5).
func (n *Node) handleDestinationRequest(ev funder.DestinationRequestEvent) {
	for _, inv := range n.invoices {
		if inv.currency == ev.Currency && inv.srcHashedLock == ev.Request.SrcHashedLock {
			inv.holdRequest(ev.FromFriendPublicKey, ev.Request)
			return
		}
	}
	n.pendingDestination[ev.Request.RequestID] = ev
}
