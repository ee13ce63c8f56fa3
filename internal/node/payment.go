package node

import (
	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/funder"
	"github.com/trustmesh/meshnode/internal/mc"
)

// PaymentID names one buyer-side payment, spec.md §6's "Payments (buyer
// side)".
type PaymentID uuid.UUID

func (id PaymentID) String() string { return uuid.UUID(id).String() }

// PaymentStatus is the buyer-side counterpart of InvoiceStatus, again
// grounded on ControlTower's Grounded/InFlight/Completed shape: open and
// accepting more CreateTransaction calls, committed (collected its full
// total, awaiting the seller's responses), completed (every transaction
// resolved successfully, a receipt is available), or closed (acknowledged
// via AckClosePayment and no longer tracked for resubmission).
type PaymentStatus int

const (
	PaymentOpen PaymentStatus = iota
	PaymentCommitted
	PaymentCompleted
	PaymentFailed
	PaymentClosed
)

// Sentinel errors for payment operations.
var (
	ErrPaymentExists         = errors.New("node: payment already exists")
	ErrPaymentNotFound       = errors.New("node: payment not found")
	ErrPaymentNotOpen        = errors.New("node: payment is not accepting new transactions")
	ErrPaymentOverpays       = errors.New("node: transaction would exceed the payment's total")
	ErrPaymentNotCompleted   = errors.New("node: payment has not completed yet")
	ErrPaymentAlreadyClosed  = errors.New("node: payment was already closed")
)

// TransactionOutcomeKind tells CreateTransaction's caller whether more
// parts are expected or the payment's total has just been reached.
type TransactionOutcomeKind int

const (
	TransactionPending TransactionOutcomeKind = iota
	TransactionCommit
)

// TransactionOutcome is CreateTransaction's result.
type TransactionOutcome struct {
	RequestID mc.RequestID
	Kind      TransactionOutcomeKind
}

type txState int

const (
	txPending txState = iota
	txSucceeded
	txCancelled
)

type transaction struct {
	destPayment uint128.Uint128
	leftFees    uint128.Uint128
	state       txState
	response    *mc.ResponseSendFunds
}

// Payment is the buyer-side state of one CreatePayment call.
type Payment struct {
	ID            PaymentID
	currency      mc.Currency
	total         uint128.Uint128
	dest          []byte
	route         mc.Route
	srcHashedLock [32]byte

	status       PaymentStatus
	collected    uint128.Uint128
	transactions map[mc.RequestID]*transaction
}

func (p *Payment) Status() PaymentStatus { return p.status }

// Receipt is proof of a completed payment, verifiable by anyone holding the
// destination's public key: it is exactly one transaction's response,
// signed by the destination over mc.ResponseSigBuffer, matching spec.md
// §8's verify_receipt testable property.
type Receipt struct {
	PaymentID        PaymentID
	Currency         mc.Currency
	TotalDestPayment uint128.Uint128
	RequestID        mc.RequestID
	DestPayment      uint128.Uint128
	LeftFees         uint128.Uint128
	SrcPlainLock     [32]byte
	Signature        []byte
}

// VerifyReceipt checks a Receipt's signature against destPubKey, the shape
// of spec.md §8's verify_receipt(receipt, B_pk) == true.
func VerifyReceipt(r Receipt, destPubKey []byte, verifier mc.Verifier) bool {
	buf := mc.ResponseSigBuffer(r.Currency, r.RequestID, r.SrcPlainLock, r.DestPayment, r.LeftFees)
	return verifier.Verify(destPubKey, buf, r.Signature)
}

// CreatePayment implements control surface "Payments: CreatePayment".
// srcHashedLock is the destination invoice's hash, learned out of band (the
// literal invoice handed to the payer); route is the full path from this
// node to dest, route.PublicKeys[0] == this node's own public key.
func (n *Node) CreatePayment(id PaymentID, cur mc.Currency, total uint128.Uint128, dest []byte, route mc.Route, srcHashedLock [32]byte) (*Payment, error) {
	if _, exists := n.payments[id]; exists {
		return nil, ErrPaymentExists
	}
	p := &Payment{
		ID:            id,
		currency:      cur,
		total:         total,
		dest:          dest,
		route:         route,
		srcHashedLock: srcHashedLock,
		status:        PaymentOpen,
		transactions:  make(map[mc.RequestID]*transaction),
	}
	n.payments[id] = p
	return p, nil
}

// CreateTransaction implements control surface "Payments: CreateTransaction":
// it builds one RequestSendFunds part of the payment's total and hands it
// to the router's forward path (as a locally-originated request,
// originFriendPK == nil). The last part that brings collected up to the
// payment's total returns TransactionCommit.
func (n *Node) CreateTransaction(id PaymentID, destPayment, leftFees uint128.Uint128) (TransactionOutcome, error) {
	p, ok := n.payments[id]
	if !ok {
		return TransactionOutcome{}, ErrPaymentNotFound
	}
	if p.status != PaymentOpen {
		return TransactionOutcome{}, ErrPaymentNotOpen
	}

	newCollected, overflow := addOverflowU128(p.collected, destPayment)
	if overflow || newCollected.Cmp(p.total) > 0 {
		return TransactionOutcome{}, ErrPaymentOverpays
	}

	req := mc.RequestSendFunds{
		RequestID:        mc.NewRequestID(),
		Route:            p.route,
		DestPayment:      destPayment,
		TotalDestPayment: p.total,
		LeftFees:         leftFees,
		SrcHashedLock:    p.srcHashedLock,
	}

	if err := n.Router.ForwardRequest(nil, p.currency, req); err != nil {
		return TransactionOutcome{}, err
	}

	p.transactions[req.RequestID] = &transaction{destPayment: destPayment, leftFees: leftFees, state: txPending}
	p.collected = newCollected

	outcome := TransactionOutcome{RequestID: req.RequestID, Kind: TransactionPending}
	if p.collected.Cmp(p.total) == 0 {
		p.status = PaymentCommitted
		outcome.Kind = TransactionCommit
	}
	return outcome, nil
}

// applyTransactionResult updates the owning payment's transaction state
// from a funder.TransactionResultEvent (a response or cancel routed back to
// this node as the original sender), checking whether every part of a
// committed payment has now resolved.
func (n *Node) applyTransactionResult(ev funder.TransactionResultEvent) {
	var reqID mc.RequestID
	switch {
	case ev.Op.Response != nil:
		reqID = ev.Op.Response.RequestID
	case ev.Op.Cancel != nil:
		reqID = ev.Op.Cancel.RequestID
	default:
		return
	}

	for _, p := range n.payments {
		tx, ok := p.transactions[reqID]
		if !ok {
			continue
		}
		if ev.Op.Cancel != nil {
			tx.state = txCancelled
			p.status = PaymentFailed
			return
		}
		resp := *ev.Op.Response
		tx.state = txSucceeded
		tx.response = &resp

		if p.status == PaymentCommitted && allSucceeded(p.transactions) {
			p.status = PaymentCompleted
		}
		return
	}
}

func allSucceeded(txs map[mc.RequestID]*transaction) bool {
	for _, tx := range txs {
		if tx.state != txSucceeded {
			return false
		}
	}
	return true
}

// RequestClosePayment implements control surface "Payments:
// RequestClosePayment": once every transaction has succeeded, it returns a
// Receipt built from an arbitrary (the first found) succeeded transaction —
// spec.md §8's scenario allows any one part's dest_payment to appear in the
// receipt.
func (n *Node) RequestClosePayment(id PaymentID) (*Receipt, error) {
	p, ok := n.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.status != PaymentCompleted {
		return nil, ErrPaymentNotCompleted
	}
	for reqID, tx := range p.transactions {
		if tx.state != txSucceeded {
			continue
		}
		return &Receipt{
			PaymentID:        id,
			Currency:         p.currency,
			TotalDestPayment: p.total,
			RequestID:        reqID,
			DestPayment:      tx.destPayment,
			LeftFees:         tx.leftFees,
			SrcPlainLock:     tx.response.SrcPlainLock,
			Signature:        tx.response.Signature,
		}, nil
	}
	return nil, ErrPaymentNotCompleted
}

// AckClosePayment implements control surface "Payments: AckClosePayment":
// the buyer's acknowledgement that it has durably recorded the receipt,
// after which the payment is no longer tracked.
func (n *Node) AckClosePayment(id PaymentID) error {
	p, ok := n.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.status == PaymentClosed {
		return ErrPaymentAlreadyClosed
	}
	if p.status != PaymentCompleted {
		return ErrPaymentNotCompleted
	}
	p.status = PaymentClosed
	delete(n.payments, id)
	return nil
}

func addOverflowU128(a, b uint128.Uint128) (uint128.Uint128, bool) {
	// uint128.AddWrap wraps silently on overflow (plain Add panics).
	sum := a.AddWrap(b)
	if sum.Cmp(a) < 0 || sum.Cmp(b) < 0 {
		return sum, true
	}
	return sum, false
}
