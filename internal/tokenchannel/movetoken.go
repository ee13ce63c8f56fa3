// Package tokenchannel implements the per-friend token channel state
// machine of spec.md §4.2: the turn-based, signed MoveToken protocol that
// batches mutual-credit operations across every active currency with one
// friend, plus the reset/inconsistency recovery protocol.
package tokenchannel

import (
	"bytes"
	"crypto/sha256"

	"github.com/trustmesh/meshnode/internal/mc"
)

// Op is one mutual-credit operation carried inside a MoveToken batch. Only
// one of the three fields is set; internal/wire owns the canonical TLV
// encoding of this union.
type Op struct {
	Request  *mc.RequestSendFunds
	Response *mc.ResponseSendFunds
	Cancel   *mc.CancelSendFunds
}

// CurrencyChangeKind distinguishes adding a currency to local_currencies
// from removing one, per spec.md §4.2.
type CurrencyChangeKind int

const (
	CurrencyAdd CurrencyChangeKind = iota
	CurrencyRemove
)

// CurrencyChange is one entry of a MoveToken's currencies_diff.
type CurrencyChange struct {
	Currency mc.Currency
	Kind     CurrencyChangeKind
}

// MoveToken is the signed batch transferring the right to speak on a token
// channel (spec.md §4.2). Signing/verification of NewToken is done by
// internal/identity over CanonicalBuffer (defined below); this
// package treats signatures as opaque byte strings and Signer/Verifier
// interfaces do the cryptographic work.
type MoveToken struct {
	Operations       map[mc.Currency][]Op
	CurrenciesDiff   []CurrencyChange
	OldToken         [32]byte
	MoveTokenCounter uint64
	BalancesHash     [32]byte
	InfoHash         [32]byte
	RandNonce        [32]byte
	NewToken         []byte
}

// Signer produces a signature over a canonical buffer, using the node's own
// identity key. Implemented by internal/identity.
type Signer interface {
	Sign(buf []byte) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks a signature made by some other party's public key.
type Verifier interface {
	Verify(pubKey, buf, sig []byte) bool
}

// CanonicalBuffer returns the deterministic byte sequence a MoveToken's
// NewToken signature covers. A real implementation defers the wire-level
// field ordering to internal/wire; this hash-of-hashes form is what
// BalancesHash/InfoHash exist to make cheap to recompute without
// re-encoding every operation (mirroring MoveTokenHashed in
// original_source/components/funder/src/types.rs).
func (mt *MoveToken) CanonicalBuffer() []byte {
	h := sha256.New()
	h.Write(mt.OldToken[:])
	h.Write(mt.BalancesHash[:])
	h.Write(mt.InfoHash[:])
	h.Write(mt.RandNonce[:])
	var counter [8]byte
	putUint64(counter[:], mt.MoveTokenCounter)
	h.Write(counter[:])
	return h.Sum(nil)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

// hashToken returns the 32-byte hash identifying a MoveToken once signed,
// used as the next message's old_token (spec.md §4.2's "old_token =
// new_token of last accepted MoveToken" is carried as a hash of the
// signature bytes here, since NewToken itself may be a variable-length
// signature).
func hashToken(sig []byte) [32]byte {
	return sha256.Sum256(sig)
}

func bytesEqual32(a, b [32]byte) bool {
	return bytes.Equal(a[:], b[:])
}
