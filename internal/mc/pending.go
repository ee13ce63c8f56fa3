package mc

import (
	"lukechampine.com/uint128"
)

// PendingTransaction records what was frozen for one in-flight
// RequestSendFunds, enough to verify the matching response or cancel later
// (spec.md §3). It is immutable once inserted; queue_response/queue_cancel
// only ever remove it.
type PendingTransaction struct {
	RequestID      RequestID
	Route          Route
	DestPayment    uint128.Uint128
	LeftFees       uint128.Uint128
	SrcHashedLock  [32]byte
	LocalPublicKey []byte
	RemotePublicKey []byte
}

// totalFrozen is dest_payment + left_fees, the quantity frozen against a
// debt ceiling for this pending transaction.
func (p PendingTransaction) totalFrozen() (uint128.Uint128, bool) {
	return addOverflow(p.DestPayment, p.LeftFees)
}

// RequestSendFunds is the inbound shape of a forwarded payment request, as
// seen by queue_request. Signature verification of the request itself is
// not part of the mutual credit layer (requests are unsigned operations
// inside an already-authenticated, signed MoveToken batch); only the
// terminal Response carries a per-hop signature (spec.md §4.1).
type RequestSendFunds struct {
	RequestID         RequestID
	Route             Route
	DestPayment       uint128.Uint128
	TotalDestPayment  uint128.Uint128
	LeftFees          uint128.Uint128
	SrcHashedLock     [32]byte
}

// ResponseSendFunds is the inbound shape of a matching response.
type ResponseSendFunds struct {
	RequestID     RequestID
	SrcPlainLock  [32]byte
	Signature     []byte
}

// CancelSendFunds is the inbound shape of a matching cancel.
type CancelSendFunds struct {
	RequestID RequestID
}
