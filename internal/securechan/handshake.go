package securechan

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
)

// Role distinguishes the two handshake sides; per spec.md §4.4, "initiator
// and responder sessions with the same peer are distinct" to prevent
// reflection attacks.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Signer/Verifier mirror internal/tokenchannel's crypto-agnostic interfaces,
// satisfied by internal/identity.Service and internal/identity.Verifier.
type Signer interface {
	PublicKey() []byte
	Sign(buf []byte) ([]byte, error)
}

type Verifier interface {
	Verify(pubKey, buf, sig []byte) bool
}

// RequestNonce is the handshake's first message (initiator to responder).
type RequestNonce struct {
	Nonce [32]byte
}

// ResponseNonce is signed by the responder.
type ResponseNonce struct {
	Nonce [32]byte
	Sig   []byte
}

// ExchangeActive is signed by the initiator; carries its DH public key.
type ExchangeActive struct {
	DHPublicKey [32]byte
	Salt        [32]byte
	Sig         []byte
}

// ExchangePassive is signed by the responder; carries its DH public key.
type ExchangePassive struct {
	DHPublicKey [32]byte
	Salt        [32]byte
	Sig         []byte
}

// ChannelReady is signed by the initiator over the hash-chain prefix of all
// four prior messages.
type ChannelReady struct {
	Sig []byte
}

type handshakeStage int

const (
	stageInit handshakeStage = iota
	stageSentRequestNonce
	stageSentResponseNonce
	stageSentExchangeActive
	stageSentExchangePassive
	stageDone
)

// Handshaker drives one side of spec.md §4.4's five-message sequence. A
// fresh Handshaker is required per connection attempt; reusing one across
// attempts trips ErrHandshakeInProgress.
type Handshaker struct {
	role     Role
	signer   Signer
	verifier Verifier

	remotePubKey []byte // nil until the first message names a peer we recognize

	knownNeighbor func(pubKey []byte) bool

	localNonce  [32]byte
	remoteNonce [32]byte

	dhPriv [32]byte
	dhPub  [32]byte
	salt   [32]byte

	remoteDHPub [32]byte
	remoteSalt  [32]byte

	stage handshakeStage

	ticksElapsed int
	tickBudget   int

	transcript [][]byte
}

// NewHandshaker creates a driver for one handshake attempt. knownNeighbor
// reports whether a candidate public key belongs to a configured friend,
// backing the ErrUnknownNeighbor check.
func NewHandshaker(role Role, signer Signer, verifier Verifier, tickBudget int, knownNeighbor func([]byte) bool) *Handshaker {
	return &Handshaker{
		role:          role,
		signer:        signer,
		verifier:      verifier,
		tickBudget:    tickBudget,
		knownNeighbor: knownNeighbor,
	}
}

// Tick advances the handshake's timeout clock; callers invoke it once per
// liveness tick (internal/liveness). Returns ErrHandshakeTimeout once the
// budget is exceeded.
func (h *Handshaker) Tick() error {
	if h.stage == stageDone {
		return nil
	}
	h.ticksElapsed++
	if h.ticksElapsed > h.tickBudget {
		return ErrHandshakeTimeout
	}
	return nil
}

// Start begins an initiator handshake, producing the first RequestNonce.
func (h *Handshaker) Start() (RequestNonce, error) {
	if h.role != RoleInitiator {
		return RequestNonce{}, ErrOutOfOrderMessage
	}
	if h.stage != stageInit {
		return RequestNonce{}, ErrHandshakeInProgress
	}
	if _, err := io.ReadFull(rand.Reader, h.localNonce[:]); err != nil {
		return RequestNonce{}, err
	}
	h.stage = stageSentRequestNonce
	h.record(h.localNonce[:])
	return RequestNonce{Nonce: h.localNonce}, nil
}

// HandleRequestNonce is the responder's reaction to message 1.
func (h *Handshaker) HandleRequestNonce(remotePubKey []byte, msg RequestNonce) (ResponseNonce, error) {
	if h.role != RoleResponder || h.stage != stageInit {
		return ResponseNonce{}, ErrHandshakeInProgress
	}
	if !h.knownNeighbor(remotePubKey) {
		return ResponseNonce{}, ErrUnknownNeighbor
	}
	h.remotePubKey = remotePubKey
	h.remoteNonce = msg.Nonce
	h.record(msg.Nonce[:])

	if _, err := io.ReadFull(rand.Reader, h.localNonce[:]); err != nil {
		return ResponseNonce{}, err
	}

	sig, err := h.signer.Sign(append(append([]byte{}, h.localNonce[:]...), h.remoteNonce[:]...))
	if err != nil {
		return ResponseNonce{}, err
	}
	h.stage = stageSentResponseNonce
	h.record(h.localNonce[:])
	return ResponseNonce{Nonce: h.localNonce, Sig: sig}, nil
}

// HandleResponseNonce is the initiator's reaction to message 2.
func (h *Handshaker) HandleResponseNonce(remotePubKey []byte, msg ResponseNonce) (ExchangeActive, error) {
	if h.role != RoleInitiator || h.stage != stageSentRequestNonce {
		return ExchangeActive{}, ErrOutOfOrderMessage
	}
	if !h.knownNeighbor(remotePubKey) {
		return ExchangeActive{}, ErrUnknownNeighbor
	}
	h.remotePubKey = remotePubKey
	h.remoteNonce = msg.Nonce

	buf := append(append([]byte{}, msg.Nonce[:]...), h.localNonce[:]...)
	if !h.verifier.Verify(remotePubKey, buf, msg.Sig) {
		return ExchangeActive{}, ErrSignatureVerificationFailed
	}
	h.record(msg.Nonce[:])

	if err := h.generateDH(); err != nil {
		return ExchangeActive{}, err
	}

	payload := h.exchangePayload(h.dhPub, h.salt, h.remoteNonce)
	sig, err := h.signer.Sign(payload)
	if err != nil {
		return ExchangeActive{}, err
	}
	h.stage = stageSentExchangeActive
	h.record(payload)
	return ExchangeActive{DHPublicKey: h.dhPub, Salt: h.salt, Sig: sig}, nil
}

// HandleExchangeActive is the responder's reaction to message 3. The nonce
// passed in must still be the one this responder itself generated and
// handed out in ResponseNonce (ErrInvalidResponderNonce otherwise — it is
// not within "the responder's short-term rand-value window" spec.md §4.4
// describes).
func (h *Handshaker) HandleExchangeActive(ownNonce [32]byte, msg ExchangeActive) (ExchangePassive, error) {
	if h.role != RoleResponder || h.stage != stageSentResponseNonce {
		return ExchangePassive{}, ErrOutOfOrderMessage
	}
	if !bytes.Equal(ownNonce[:], h.localNonce[:]) {
		return ExchangePassive{}, ErrInvalidResponderNonce
	}

	payload := h.exchangePayload(msg.DHPublicKey, msg.Salt, h.localNonce)
	if !h.verifier.Verify(h.remotePubKey, payload, msg.Sig) {
		return ExchangePassive{}, ErrSignatureVerificationFailed
	}
	h.remoteDHPub = msg.DHPublicKey
	h.remoteSalt = msg.Salt
	h.record(payload)

	if err := h.generateDH(); err != nil {
		return ExchangePassive{}, err
	}

	out := h.exchangePayload(h.dhPub, h.salt, h.remoteNonce)
	sig, err := h.signer.Sign(out)
	if err != nil {
		return ExchangePassive{}, err
	}
	h.stage = stageSentExchangePassive
	h.record(out)
	return ExchangePassive{DHPublicKey: h.dhPub, Salt: h.salt, Sig: sig}, nil
}

// HandleExchangePassive is the initiator's reaction to message 4; on success
// it derives the session keys and returns both the final ChannelReady
// message and the completed Channel.
func (h *Handshaker) HandleExchangePassive(msg ExchangePassive) (ChannelReady, *Channel, error) {
	if h.role != RoleInitiator || h.stage != stageSentExchangeActive {
		return ChannelReady{}, nil, ErrOutOfOrderMessage
	}

	payload := h.exchangePayload(msg.DHPublicKey, msg.Salt, h.localNonce)
	if !h.verifier.Verify(h.remotePubKey, payload, msg.Sig) {
		return ChannelReady{}, nil, ErrSignatureVerificationFailed
	}
	h.remoteDHPub = msg.DHPublicKey
	h.remoteSalt = msg.Salt
	h.record(payload)

	channel, err := h.deriveChannel()
	if err != nil {
		return ChannelReady{}, nil, err
	}

	prefix := h.hashChainPrefix()
	sig, err := h.signer.Sign(prefix)
	if err != nil {
		return ChannelReady{}, nil, err
	}
	h.stage = stageDone
	h.record(sig)
	return ChannelReady{Sig: sig}, channel, nil
}

// HandleChannelReady is the responder's reaction to message 5, completing
// its side of the handshake.
func (h *Handshaker) HandleChannelReady(msg ChannelReady) (*Channel, error) {
	if h.role != RoleResponder || h.stage != stageSentExchangePassive {
		return nil, ErrOutOfOrderMessage
	}

	prefix := h.hashChainPrefix()
	if !h.verifier.Verify(h.remotePubKey, prefix, msg.Sig) {
		return nil, ErrSignatureVerificationFailed
	}

	channel, err := h.deriveChannel()
	if err != nil {
		return nil, err
	}
	h.stage = stageDone
	return channel, nil
}

func (h *Handshaker) generateDH() error {
	if _, err := io.ReadFull(rand.Reader, h.dhPriv[:]); err != nil {
		return err
	}
	curve25519.ScalarBaseMult(&h.dhPub, &h.dhPriv)
	if _, err := io.ReadFull(rand.Reader, h.salt[:]); err != nil {
		return err
	}
	return nil
}

func (h *Handshaker) exchangePayload(dhPub, salt, peerNonce [32]byte) []byte {
	out := make([]byte, 0, 96)
	out = append(out, dhPub[:]...)
	out = append(out, salt[:]...)
	out = append(out, peerNonce[:]...)
	return out
}

func (h *Handshaker) deriveChannel() (*Channel, error) {
	shared, err := curve25519.X25519(h.dhPriv[:], h.remoteDHPub[:])
	if err != nil {
		return nil, err
	}
	// Both sides feed HKDF the same salt: initiator's salt first.
	initSalt, respSalt := h.salt, h.remoteSalt
	if h.role == RoleResponder {
		initSalt, respSalt = h.remoteSalt, h.salt
	}
	combinedSalt := append(append([]byte{}, initSalt[:]...), respSalt[:]...)
	sendKey, recvKey, err := deriveDirectionalKeys(h.role, shared, combinedSalt)
	if err != nil {
		return nil, err
	}
	return newChannel(h.role, sendKey, recvKey, h.dhPriv, h.dhPub, h.remoteDHPub), nil
}

func (h *Handshaker) record(buf []byte) {
	h.transcript = append(h.transcript, append([]byte{}, buf...))
}

// hashChainPrefix folds the handshake transcript into the single digest
// ChannelReady signs over, matching spec.md §4.4's "signed by the initiator
// over hash-chain prefix".
func (h *Handshaker) hashChainPrefix() []byte {
	sum := sha256.Sum256(nil)
	for _, msg := range h.transcript {
		combined := append(append([]byte{}, sum[:]...), msg...)
		sum = sha256.Sum256(combined)
	}
	out := make([]byte, len(sum))
	copy(out, sum[:])
	return out
}
