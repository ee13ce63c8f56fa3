package mc

import (
	"crypto/sha256"
	"fmt"

	"lukechampine.com/uint128"
)

// OpError is the credit-error taxonomy of spec.md §4.1 / §7. Callers (the
// token channel) compare against the exported sentinels with errors.Is.
type OpError struct {
	Kind string
	msg  string
}

func (e *OpError) Error() string { return e.msg }

func newOpError(kind, msg string) *OpError { return &OpError{Kind: kind, msg: msg} }

// Sentinel credit errors, matching spec.md §4.1's named failure modes.
var (
	ErrCreditsOverflow         = newOpError("CreditsOverflow", "mc: credits overflow")
	ErrRequestAlreadyExists    = newOpError("RequestAlreadyExists", "mc: request id already pending")
	ErrInvalidRoute            = newOpError("InvalidRoute", "mc: route contains a duplicate public key")
	ErrDestExceedsTotal        = newOpError("DestExceedsTotal", "mc: dest_payment exceeds total_dest_payment")
	ErrRequestDoesNotExist     = newOpError("RequestDoesNotExist", "mc: no such pending request")
	ErrInvalidResponseSig      = newOpError("InvalidResponseSignature", "mc: response signature does not verify")
	ErrInvalidSrcPlainLock     = newOpError("InvalidSrcPlainLock", "mc: src_plain_lock does not hash to src_hashed_lock")
	ErrCurrencyHasPending      = newOpError("CurrencyHasPending", "mc: currency cannot be removed while pending transactions remain")
	ErrCurrencyNonZeroBalance  = newOpError("CurrencyNonZeroBalance", "mc: currency cannot be removed with a non-zero balance")
)

// Verifier abstracts the signature check a response carries, so this
// package never imports a concrete curve implementation. internal/identity
// supplies the production implementation (btcec/ecdsa); tests supply a
// trivial stub.
type Verifier interface {
	Verify(pubKey, buf, sig []byte) bool
}

// ResponseSigBuffer builds the canonical buffer a response's signature
// covers: currency || request_id || src_plain_lock || dest_payment ||
// left_fees, matching create_response_signature_buffer in
// original_source/components/signature/src/signature_buff.rs (not kept in
// the retrieval pack verbatim, but referenced by mutual_credit/outgoing.rs).
func ResponseSigBuffer(currency Currency, requestID RequestID, srcPlainLock [32]byte, destPayment, leftFees uint128.Uint128) []byte {
	h := sha256.New()
	h.Write([]byte(currency))
	h.Write(requestID[:])
	h.Write(srcPlainLock[:])
	destBytes := destPayment.Big().Bytes()
	feesBytes := leftFees.Big().Bytes()
	h.Write(destBytes)
	h.Write(feesBytes)
	return h.Sum(nil)
}

// MutualCredit is the per-(friend, currency) ledger of spec.md §3/§4.1. It
// is not safe for concurrent use; the token channel serializes all access
// per currency and the router batch-orders access across currencies.
type MutualCredit struct {
	currency        Currency
	localPublicKey  []byte
	remotePublicKey []byte

	balance Balance

	localMaxDebt, remoteMaxDebt           uint128.Uint128
	localPendingDebt, remotePendingDebt   uint128.Uint128

	localPending  map[RequestID]PendingTransaction
	remotePending map[RequestID]PendingTransaction

	localStatus, remoteStatus RequestsStatus

	verifier Verifier
}

// New creates a mutual credit ledger seeded at the given signed balance,
// with both debt ceilings at zero and both sides closed to new requests,
// matching McBalance::new in original_source/components/funder/src/mutual_credit/types.rs.
func New(currency Currency, local, remote []byte, seedBalance Balance, verifier Verifier) *MutualCredit {
	return &MutualCredit{
		currency:        currency,
		localPublicKey:  local,
		remotePublicKey: remote,
		balance:         seedBalance,
		localPending:    make(map[RequestID]PendingTransaction),
		remotePending:   make(map[RequestID]PendingTransaction),
		localStatus:     RequestsClosed,
		remoteStatus:    RequestsClosed,
		verifier:        verifier,
	}
}

func (mc *MutualCredit) Currency() Currency { return mc.currency }
func (mc *MutualCredit) Balance() Balance   { return mc.balance }
func (mc *MutualCredit) LocalMaxDebt() uint128.Uint128    { return mc.localMaxDebt }
func (mc *MutualCredit) RemoteMaxDebt() uint128.Uint128   { return mc.remoteMaxDebt }
func (mc *MutualCredit) LocalPendingDebt() uint128.Uint128  { return mc.localPendingDebt }
func (mc *MutualCredit) RemotePendingDebt() uint128.Uint128 { return mc.remotePendingDebt }
func (mc *MutualCredit) LocalStatus() RequestsStatus  { return mc.localStatus }
func (mc *MutualCredit) RemoteStatus() RequestsStatus { return mc.remoteStatus }

// SetLocalMaxDebt, SetRemoteMaxDebt, SetLocalStatus, SetRemoteStatus are the
// plain setters of spec.md §4.1. They never fail: any consequence of a
// ceiling moving below what is currently frozen is enforced the next time a
// request is queued, not retroactively.
func (mc *MutualCredit) SetLocalMaxDebt(v uint128.Uint128)   { mc.localMaxDebt = v }
func (mc *MutualCredit) SetRemoteMaxDebt(v uint128.Uint128)  { mc.remoteMaxDebt = v }
func (mc *MutualCredit) SetLocalStatus(s RequestsStatus)  { mc.localStatus = s }
func (mc *MutualCredit) SetRemoteStatus(s RequestsStatus) { mc.remoteStatus = s }

// ResetBalance overwrites the balance during the reset protocol
// (spec.md §4.2): both sides adopt the agreed reset_balances verbatim, and
// all pending transactions are implicitly gone (the router is responsible
// for having already cancelled them back to their originators before the
// reset completes).
func (mc *MutualCredit) ResetBalance(b Balance) {
	mc.balance = b
	mc.localPendingDebt = uint128.Zero
	mc.remotePendingDebt = uint128.Zero
	mc.localPending = make(map[RequestID]PendingTransaction)
	mc.remotePending = make(map[RequestID]PendingTransaction)
}

// IsIdleForRemoval reports whether this currency has no pending
// transactions on either side and a zero balance, the condition
// SPEC_FULL.md's supplemental-feature section requires before a scheduled
// currency removal actually drops the currency from local/remote sets.
func (mc *MutualCredit) IsIdleForRemoval() bool {
	return len(mc.localPending) == 0 && len(mc.remotePending) == 0 && mc.balance.IsZero()
}

// QueueRequestLocal freezes dest_payment+left_fees against
// local_pending_debt for a request we are originating or forwarding
// outward, and records the pending transaction in local_pending.
func (mc *MutualCredit) QueueRequestLocal(req RequestSendFunds) (*PendingTransaction, error) {
	return mc.queueRequest(req, true)
}

// QueueRequestRemote mirrors QueueRequestLocal for a request arriving from
// the remote side, freezing against remote_pending_debt and recording in
// remote_pending.
func (mc *MutualCredit) QueueRequestRemote(req RequestSendFunds) (*PendingTransaction, error) {
	return mc.queueRequest(req, false)
}

func (mc *MutualCredit) queueRequest(req RequestSendFunds, local bool) (*PendingTransaction, error) {
	if req.Route.HasDuplicate() {
		return nil, ErrInvalidRoute
	}
	if req.DestPayment.Cmp(req.TotalDestPayment) > 0 {
		return nil, ErrDestExceedsTotal
	}

	freeze, overflow := addOverflow(req.DestPayment, req.LeftFees)
	if overflow {
		return nil, ErrCreditsOverflow
	}

	table := mc.remotePending
	if local {
		table = mc.localPending
	}
	if _, exists := table[req.RequestID]; exists {
		return nil, ErrRequestAlreadyExists
	}

	pending := PendingTransaction{
		RequestID:       req.RequestID,
		Route:           req.Route,
		DestPayment:     req.DestPayment,
		LeftFees:        req.LeftFees,
		SrcHashedLock:   req.SrcHashedLock,
		LocalPublicKey:  mc.localPublicKey,
		RemotePublicKey: mc.remotePublicKey,
	}

	if local {
		newDebt, overflow := addOverflow(mc.localPendingDebt, freeze)
		if overflow || !mc.withinLocalCeiling(newDebt) {
			return nil, ErrCreditsOverflow
		}
		mc.localPending[req.RequestID] = pending
		mc.localPendingDebt = newDebt
	} else {
		newDebt, overflow := addOverflow(mc.remotePendingDebt, freeze)
		if overflow || !mc.withinRemoteCeiling(newDebt) {
			return nil, ErrCreditsOverflow
		}
		mc.remotePending[req.RequestID] = pending
		mc.remotePendingDebt = newDebt
	}

	p := pending
	return &p, nil
}

// withinLocalCeiling checks invariant 1 of spec.md §8 for the local side:
// -balance + local_pending_debt <= local_max_debt.
func (mc *MutualCredit) withinLocalCeiling(newLocalPendingDebt uint128.Uint128) bool {
	negBalance := Balance{neg: !mc.balance.neg, mag: mc.balance.mag}
	return negBalance.LessEqualUnsignedCeiling(newLocalPendingDebt, mc.localMaxDebt)
}

// withinRemoteCeiling checks invariant 1 for the remote side: balance +
// remote_pending_debt <= remote_max_debt.
func (mc *MutualCredit) withinRemoteCeiling(newRemotePendingDebt uint128.Uint128) bool {
	return mc.balance.LessEqualUnsignedCeiling(newRemotePendingDebt, mc.remoteMaxDebt)
}

// QueueResponseRemote applies a ResponseSendFunds arriving from the remote
// side against a request *we* queued locally (an outgoing request this MC
// is the source/forwarder of): it verifies the destination's signature,
// unfreezes local_pending_debt and credits balance downward (we now owe
// more, since credit flows toward the payer's friend on the first hop, or
// the mirror of that on intermediate hops — see QueueResponseLocal for the
// other direction).
func (mc *MutualCredit) QueueResponseRemote(resp ResponseSendFunds) (*PendingTransaction, error) {
	return mc.queueResponse(resp, true)
}

// QueueResponseLocal applies a ResponseSendFunds we are originating back
// toward the side that queued the matching request with us (remote_pending):
// it unfreezes remote_pending_debt and credits balance upward, since this
// side is the one now owed.
func (mc *MutualCredit) QueueResponseLocal(resp ResponseSendFunds) (*PendingTransaction, error) {
	return mc.queueResponse(resp, false)
}

func (mc *MutualCredit) queueResponse(resp ResponseSendFunds, unfreezeLocal bool) (*PendingTransaction, error) {
	table := mc.remotePending
	if unfreezeLocal {
		table = mc.localPending
	}
	pending, ok := table[resp.RequestID]
	if !ok {
		return nil, ErrRequestDoesNotExist
	}

	if sha256.Sum256(resp.SrcPlainLock[:]) != pending.SrcHashedLock {
		return nil, ErrInvalidSrcPlainLock
	}

	// The response is signed by the destination node: the last hop on
	// the route, or — for a one-hop route carrying no intermediate
	// public keys — the peer on the other side of this pending entry.
	destPK := pending.RemotePublicKey
	if !unfreezeLocal {
		destPK = pending.LocalPublicKey
	}
	if len(pending.Route.PublicKeys) > 0 {
		destPK = pending.Route.PublicKeys[len(pending.Route.PublicKeys)-1]
	}
	buf := ResponseSigBuffer(mc.currency, resp.RequestID, resp.SrcPlainLock, pending.DestPayment, pending.LeftFees)
	if mc.verifier != nil && !mc.verifier.Verify(destPK, buf, resp.Signature) {
		return nil, ErrInvalidResponseSig
	}

	freeze, overflow := pending.totalFrozen()
	if overflow {
		// Unreachable: the same sum was already validated not to
		// overflow when the request was queued.
		return nil, ErrCreditsOverflow
	}

	delete(table, resp.RequestID)
	// Response credits balance toward the side that is owed: when we
	// unfreeze a request *we* queued (unfreezeLocal), the remote side
	// just did the work, so balance moves in their favor (we owe more,
	// balance decreases by `freeze`). When we unfreeze a request *they*
	// queued with us, we did the work, so balance increases.
	if unfreezeLocal {
		mc.localPendingDebt = mc.localPendingDebt.Sub(freeze)
		mc.balance = mc.balance.SubUnsigned(freeze)
	} else {
		mc.remotePendingDebt = mc.remotePendingDebt.Sub(freeze)
		mc.balance = mc.balance.AddUnsigned(freeze)
	}

	p := pending
	return &p, nil
}

// QueueCancelRemote and QueueCancelLocal remove a pending entry and
// unfreeze the corresponding debt without touching balance, mirroring
// queue_cancel_send_funds in original_source.
func (mc *MutualCredit) QueueCancelRemote(c CancelSendFunds) (*PendingTransaction, error) {
	return mc.queueCancel(c, true)
}

func (mc *MutualCredit) QueueCancelLocal(c CancelSendFunds) (*PendingTransaction, error) {
	return mc.queueCancel(c, false)
}

func (mc *MutualCredit) queueCancel(c CancelSendFunds, unfreezeLocal bool) (*PendingTransaction, error) {
	table := mc.remotePending
	if unfreezeLocal {
		table = mc.localPending
	}
	pending, ok := table[c.RequestID]
	if !ok {
		return nil, ErrRequestDoesNotExist
	}
	freeze, overflow := pending.totalFrozen()
	if overflow {
		return nil, ErrCreditsOverflow
	}
	delete(table, c.RequestID)
	if unfreezeLocal {
		mc.localPendingDebt = mc.localPendingDebt.Sub(freeze)
	} else {
		mc.remotePendingDebt = mc.remotePendingDebt.Sub(freeze)
	}
	p := pending
	return &p, nil
}

// AdoptLocalPending and AdoptRemotePending insert an already-existing
// pending transaction verbatim (without re-validating debt ceilings) and
// re-derive the corresponding pending debt from the adopted set. They exist
// for the token channel's atomic-batch snapshotting (internal/tokenchannel
// clones a MutualCredit before applying a new incoming batch, so a failure
// partway through never mutates the live ledger).
func (mc *MutualCredit) AdoptLocalPending(id RequestID, p PendingTransaction) {
	mc.localPending[id] = p
	freeze, _ := p.totalFrozen()
	mc.localPendingDebt, _ = addOverflow(mc.localPendingDebt, freeze)
}

func (mc *MutualCredit) AdoptRemotePending(id RequestID, p PendingTransaction) {
	mc.remotePending[id] = p
	freeze, _ := p.totalFrozen()
	mc.remotePendingDebt, _ = addOverflow(mc.remotePendingDebt, freeze)
}

// LocalPending and RemotePending expose read-only snapshots for the token
// channel's reset-terms computation and for tests; callers must not mutate
// the returned map.
func (mc *MutualCredit) LocalPending() map[RequestID]PendingTransaction  { return mc.localPending }
func (mc *MutualCredit) RemotePending() map[RequestID]PendingTransaction { return mc.remotePending }

func (mc *MutualCredit) String() string {
	return fmt.Sprintf("mc(%s, balance=%s, local_pending=%d, remote_pending=%d)",
		mc.currency, mc.balance, len(mc.localPending), len(mc.remotePending))
}
