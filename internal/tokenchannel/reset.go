package tokenchannel

import (
	"bytes"
	"crypto/sha256"

	"github.com/trustmesh/meshnode/internal/mc"
)

// CurrencyBalance is one entry of a ResetTerms.ResetBalances list.
type CurrencyBalance struct {
	Currency mc.Currency
	Balance  mc.Balance
}

// ResetTerms is a signed proposal to reinitialize a token channel at
// specified balances, generated by the side that detects an inconsistency
// (spec.md §3/§4.2).
type ResetTerms struct {
	ResetToken            []byte
	ResetMoveTokenCounter uint64
	ResetBalances         []CurrencyBalance
}

// resetTokenBuffer is the canonical buffer a ResetTerms' signature covers:
// a fresh reset_token is a signature over the channel's current balances
// plus the proposed reset counter, so the other side can verify the
// proposal actually came from us and pins exactly these balances.
func resetTokenBuffer(counter uint64, balances []CurrencyBalance) []byte {
	h := sha256.New()
	var buf [8]byte
	putUint64(buf[:], counter)
	h.Write(buf[:])
	for _, b := range balances {
		h.Write([]byte(b.Currency))
		h.Write([]byte(b.Balance.String()))
	}
	return h.Sum(nil)
}

// wideJump is added to max(local_counter, observed_remote_counter) when
// generating a fresh reset_move_token_counter, so the reset round can never
// collide with a counter either side has already used, matching spec.md
// §4.2's "a reset counter that is max(local_counter, observed_remote_counter)
// + wide_jump".
const wideJump = 1 << 16

// generateResetTerms builds this side's reset proposal from the channel's
// current per-currency balances.
func (c *Channel) generateResetTerms(observedRemoteCounter uint64) ResetTerms {
	balances := make([]CurrencyBalance, 0, len(c.mcs))
	for cur, m := range c.mcs {
		balances = append(balances, CurrencyBalance{Currency: cur, Balance: m.Balance()})
	}
	counter := c.moveTokenCounter
	if observedRemoteCounter > counter {
		counter = observedRemoteCounter
	}
	counter += wideJump

	buf := resetTokenBuffer(counter, balances)
	var token []byte
	if c.signer != nil {
		sig, err := c.signer.Sign(buf)
		if err == nil {
			token = sig
		}
	}
	return ResetTerms{
		ResetToken:            token,
		ResetMoveTokenCounter: counter,
		ResetBalances:         balances,
	}
}

// goInconsistent transitions the channel to Inconsistent with a freshly
// generated local ResetTerms, preserving any remote terms already known.
func (c *Channel) goInconsistent(observedRemoteCounter uint64) {
	local := c.generateResetTerms(observedRemoteCounter)
	c.status = StatusInconsistent
	c.localResetTerms = &local
	c.lastSentMoveToken = nil
	c.lastSentHash = [32]byte{}
}

// ReceiveRemoteResetTerms records the other side's reset proposal once we
// are already (or become) inconsistent, per spec.md's reset protocol: "each
// side broadcasts its ResetTerms".
func (c *Channel) ReceiveRemoteResetTerms(rt ResetTerms) {
	if c.status != StatusInconsistent {
		c.goInconsistent(rt.ResetMoveTokenCounter)
	}
	r := rt
	c.remoteResetTerms = &r
}

// LocalResetTerms and RemoteResetTerms expose the current reset proposals,
// nil if not in Inconsistent state or not yet known.
func (c *Channel) LocalResetTerms() *ResetTerms  { return c.localResetTerms }
func (c *Channel) RemoteResetTerms() *ResetTerms { return c.remoteResetTerms }

// ShouldYield implements the reset tie-break of spec.md §4.2: when both
// sides have reset terms for each other, the side with the lexicographically
// smaller public key yields (lets the other side's reset_move_token_counter
// win by waiting for them to send the resetting MoveToken, rather than
// racing to send its own).
func (c *Channel) ShouldYield() bool {
	if c.localResetTerms == nil || c.remoteResetTerms == nil {
		return false
	}
	return bytes.Compare(c.localPublicKey, c.remotePublicKey) < 0
}

// ReceiveResetMoveToken completes the reset protocol: mt must carry
// old_token == the hash of our remote_reset_terms.reset_token,
// move_token_counter == remote_reset_terms.reset_move_token_counter + 1, and
// a valid signature. The balances in remote_reset_terms.reset_balances are
// adopted as they are; mt's own balances_hash is not compared against them.
// On success the channel returns to ConsistentIn.
func (c *Channel) ReceiveResetMoveToken(mt *MoveToken, verifier Verifier) error {
	if c.status != StatusInconsistent {
		return ErrNotInconsistent
	}
	if c.remoteResetTerms == nil {
		return ErrNoRemoteResetTerms
	}
	rt := c.remoteResetTerms
	if !bytes.Equal(mt.OldToken[:], hashBytes(rt.ResetToken)) {
		return ErrResetMismatch
	}
	if mt.MoveTokenCounter != rt.ResetMoveTokenCounter+1 {
		return ErrResetMismatch
	}
	if verifier != nil && !verifier.Verify(c.remotePublicKey, mt.CanonicalBuffer(), mt.NewToken) {
		return ErrResetMismatch
	}

	for _, cb := range rt.ResetBalances {
		m := c.mcs[cb.Currency]
		if m == nil {
			m = mc.New(cb.Currency, c.localPublicKey, c.remotePublicKey, cb.Balance, c.mcVerifier)
			c.mcs[cb.Currency] = m
			c.localCurrencies[cb.Currency] = struct{}{}
			c.remoteCurrencies[cb.Currency] = struct{}{}
		} else {
			m.ResetBalance(cb.Balance)
		}
	}

	c.moveTokenCounter = mt.MoveTokenCounter
	c.lastAcceptedMoveToken = mt
	c.lastAcceptedHash = hashToken(mt.NewToken)
	c.localResetTerms = nil
	c.remoteResetTerms = nil
	c.status = StatusConsistentIn
	return nil
}

// SendResetMoveToken builds and signs the MoveToken that completes a reset
// we initiated (our local_reset_terms are what the remote side is waiting
// to see echoed back as old_token/counter).
func (c *Channel) SendResetMoveToken() (*MoveToken, error) {
	if c.status != StatusInconsistent || c.localResetTerms == nil {
		return nil, ErrNotInconsistent
	}
	mt := &MoveToken{
		MoveTokenCounter: c.localResetTerms.ResetMoveTokenCounter + 1,
	}
	copy(mt.OldToken[:], hashBytes(c.localResetTerms.ResetToken))

	if c.signer != nil {
		sig, err := c.signer.Sign(mt.CanonicalBuffer())
		if err != nil {
			return nil, err
		}
		mt.NewToken = sig
	}

	c.moveTokenCounter = mt.MoveTokenCounter
	c.lastAcceptedMoveToken = mt
	c.lastAcceptedHash = hashToken(mt.NewToken)
	c.localResetTerms = nil
	c.remoteResetTerms = nil
	c.status = StatusConsistentIn
	return mt, nil
}

func hashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}
