package node

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

// InvoiceID names one seller-side invoice, spec.md §6's "Invoices (seller
// side)".
type InvoiceID uuid.UUID

func (id InvoiceID) String() string { return uuid.UUID(id).String() }

// InvoiceStatus mirrors htlcswitch's StatusGrounded/StatusInFlight/
// StatusCompleted three-way shape, adapted to an invoice's life cycle:
// open and collecting parts, committed (preimage released, responses
// sent), or cancelled.
type InvoiceStatus int

const (
	InvoiceOpen InvoiceStatus = iota
	InvoiceCommitted
	InvoiceCancelled
)

func (s InvoiceStatus) String() string {
	switch s {
	case InvoiceOpen:
		return "open"
	case InvoiceCommitted:
		return "committed"
	case InvoiceCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinel errors for invoice operations, per the ControlTower pattern of
// guarding every transition with a named error rather than a bare bool.
var (
	ErrInvoiceExists        = errors.New("node: invoice already exists")
	ErrInvoiceNotFound      = errors.New("node: invoice not found")
	ErrInvoiceNotOpen       = errors.New("node: invoice is not open")
	ErrInvoiceNotFullyPaid  = errors.New("node: invoice has not collected its full total yet")
)

// heldRequest is one RequestSendFunds this node is holding against an
// invoice, not yet turned into a response: it arrived from FromFriendPublicKey
// and has not been released because the invoice has not committed.
type heldRequest struct {
	fromFriendPublicKey []byte
	request              mc.RequestSendFunds
}

// Invoice is the seller-side state of one AddInvoice call: a src_hashed_lock
// this node minted, the total it expects to collect across possibly many
// parts, and the parts collected so far.
type Invoice struct {
	ID       InvoiceID
	currency mc.Currency
	total    uint128.Uint128

	srcHashedLock [32]byte
	srcPlainLock  [32]byte

	status    InvoiceStatus
	collected uint128.Uint128
	held      []heldRequest
}

func (inv *Invoice) Status() InvoiceStatus       { return inv.status }
func (inv *Invoice) SrcHashedLock() [32]byte     { return inv.srcHashedLock }
func (inv *Invoice) Collected() uint128.Uint128  { return inv.collected }

// AddInvoice implements control surface "Invoices: AddInvoice". It mints a
// fresh 32-byte preimage (src_plain_lock) and publishes only its hash
// (src_hashed_lock) on the returned Invoice — the plain lock never leaves
// this node until CommitInvoice. Buyers learn src_hashed_lock out of band
// (the literal invoice a payer is handed); this package does not model that
// transport.
func (n *Node) AddInvoice(id InvoiceID, cur mc.Currency, total uint128.Uint128) (*Invoice, error) {
	if _, exists := n.invoices[id]; exists {
		return nil, ErrInvoiceExists
	}

	var plain [32]byte
	if _, err := rand.Read(plain[:]); err != nil {
		return nil, err
	}

	inv := &Invoice{
		ID:            id,
		currency:      cur,
		total:         total,
		srcHashedLock: sha256.Sum256(plain[:]),
		srcPlainLock:  plain,
		status:        InvoiceOpen,
	}
	n.invoices[id] = inv

	// A held request may have arrived before this AddInvoice call (the
	// buyer's message overtook the control-surface call locally); adopt
	// any parked DestinationRequestEvent whose lock now matches.
	for reqID, ev := range n.pendingDestination {
		if ev.Currency == cur && ev.Request.SrcHashedLock == inv.srcHashedLock {
			inv.holdRequest(ev.FromFriendPublicKey, ev.Request)
			delete(n.pendingDestination, reqID)
		}
	}

	return inv, nil
}

// holdRequest records a destination-bound request against this invoice,
// running against its collected total; it does not touch the MC or emit a
// response until CommitInvoice.
func (inv *Invoice) holdRequest(fromFriendPublicKey []byte, req mc.RequestSendFunds) {
	inv.held = append(inv.held, heldRequest{fromFriendPublicKey: fromFriendPublicKey, request: req})
	inv.collected = inv.collected.Add(req.DestPayment)
}

// CancelInvoice implements control surface "Invoices: CancelInvoice",
// rejecting every part held against the invoice back to its sender and
// marking the invoice cancelled. A committed invoice cannot be cancelled.
func (n *Node) CancelInvoice(id InvoiceID) error {
	inv, ok := n.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.status != InvoiceOpen {
		return ErrInvoiceNotOpen
	}
	for _, h := range inv.held {
		n.Router.ResolveDestination(h.request.RequestID, tokenchannel.Op{
			Cancel: &mc.CancelSendFunds{RequestID: h.request.RequestID},
		})
	}
	inv.held = nil
	inv.status = InvoiceCancelled
	return nil
}

// CommitInvoice implements control surface "Invoices: CommitInvoice": once
// the invoice's collected total reaches its target, it releases the
// preimage by signing a ResponseSendFunds for every held part and routing
// it back toward whichever friend forwarded it
// (funder.Router.ResolveDestination), to be queued into that friend's next
// outgoing MoveToken. The response only lands on this node's own ledger
// once it is actually sent (tokenchannel.Channel.Send's applyLocalOp),
// matching spec.md §4.1/§4.2's rule that an MC mutation happens at the
// point an operation is shipped or accepted, never at the control call that
// produced it.
func (n *Node) CommitInvoice(id InvoiceID) error {
	inv, ok := n.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.status != InvoiceOpen {
		return ErrInvoiceNotOpen
	}
	if inv.collected.Cmp(inv.total) < 0 {
		return ErrInvoiceNotFullyPaid
	}

	for _, h := range inv.held {
		buf := mc.ResponseSigBuffer(inv.currency, h.request.RequestID, inv.srcPlainLock,
			h.request.DestPayment, h.request.LeftFees)
		sig, err := n.signer.Sign(buf)
		if err != nil {
			return err
		}
		resp := mc.ResponseSendFunds{
			RequestID:    h.request.RequestID,
			SrcPlainLock: inv.srcPlainLock,
			Signature:    sig,
		}
		n.Router.ResolveDestination(h.request.RequestID, tokenchannel.Op{Response: &resp})
	}

	inv.held = nil
	inv.status = InvoiceCommitted
	return nil
}
