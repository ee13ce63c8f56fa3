// Package identity wraps the node's long-term secp256k1 keypair and signs
// canonical buffers on behalf of the token channel, secure channel, and
// control surface. It is the sole place btcec touches this module, mirroring
// how lnd's peer/htlcswitch code depend on an identity.IdentityClient-style
// single signing authority (spec.md §5: "Cryptographic keys are held by the
// identity service; other components request signatures via a
// request/response channel").
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/tv42/zbase32"
)

// PublicKey is the raw 33-byte compressed secp256k1 public key identifying
// a node, used verbatim as map keys throughout internal/node (spec.md §9's
// "friends are keyed by public key" arena model).
type PublicKey [33]byte

// String renders a public key the way logs and the control surface display
// it: zbase32, matching lnd's use of the same encoding for human-readable
// node identifiers.
func (p PublicKey) String() string {
	return zbase32.EncodeToString(p[:])
}

func (p PublicKey) Bytes() []byte { return p[:] }

// Service holds one node's private key and exposes only signing/public-key
// operations, never the private key itself, to any caller outside this
// package.
type Service struct {
	priv *btcec.PrivateKey
	pub  PublicKey
}

// Generate creates a fresh random identity, for tests and for provisioning
// a brand-new node.
func Generate() (*Service, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return fromPrivateKey(priv), nil
}

// FromSeed deterministically derives an identity from 32 bytes of entropy,
// for callers that need reproducible node keys.
func FromSeed(seed [32]byte) *Service {
	priv, _ := btcec.PrivKeyFromBytes(seed[:])
	return fromPrivateKey(priv)
}

func fromPrivateKey(priv *btcec.PrivateKey) *Service {
	var pub PublicKey
	copy(pub[:], priv.PubKey().SerializeCompressed())
	return &Service{priv: priv, pub: pub}
}

// Pub returns this identity's public key in its typed form.
func (s *Service) Pub() PublicKey { return s.pub }

// PublicKey returns the raw public key bytes, satisfying tokenchannel.Signer
// (which stays crypto-library-agnostic and only deals in []byte).
func (s *Service) PublicKey() []byte { return s.pub[:] }

// Sign produces a deterministic (RFC6979) ECDSA signature over buf,
// satisfying tokenchannel.Signer.
func (s *Service) Sign(buf []byte) ([]byte, error) {
	digest := sum256(buf)
	sig := ecdsa.Sign(s.priv, digest[:])
	return sig.Serialize(), nil
}

// Verify checks a signature produced by Sign against an arbitrary public
// key, satisfying tokenchannel.Verifier/mc.Verifier.
func Verify(pubKey, buf, sigBytes []byte) bool {
	pk, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	digest := sum256(buf)
	return sig.Verify(digest[:], pk)
}

// Verifier adapts the package-level Verify function to the Verifier
// interfaces internal/mc and internal/tokenchannel expect.
type Verifier struct{}

func (Verifier) Verify(pubKey, buf, sig []byte) bool { return Verify(pubKey, buf, sig) }

func sum256(buf []byte) [32]byte {
	return sha256.Sum256(buf)
}

// RandomNonce fills a fresh 32-byte random value, used for MoveToken's
// rand_nonce and the secure channel handshake's nonce exchange.
func RandomNonce() ([32]byte, error) {
	var n [32]byte
	_, err := rand.Read(n[:])
	if err != nil {
		return n, fmt.Errorf("identity: read random nonce: %w", err)
	}
	return n, nil
}
