package securechan

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
	"io"
)

// MaxFrameSize is spec.md §4.4's "Max frame is bounded (default 1 MiB)".
const MaxFrameSize = 1 << 20

// nonceSize is the AEAD nonce width spec.md §4.4 names explicitly: "nonce(12)".
const nonceSize = 12

// Channel is one live secure-channel session: the two AEAD directional keys,
// the outgoing nonce counter, the inbound replay window, the long-lived DH
// keypair used to ratchet forward on rekey, and (once a rekey is in flight)
// the candidate next-generation keys, kept pending until the first message
// under them is accepted (spec.md §4.4: "There is never a gap... the old
// keys remain valid until the first message under the new keys is
// accepted").
type Channel struct {
	role Role

	sendKey [32]byte
	recvKey [32]byte

	sendCounter uint64
	recvWindow  *replayWindow

	rekeyCounter uint64

	// ownDHPriv/ownDHPub is this side's current DH keypair; peerDHPub is the
	// peer's. A rekey this side initiates replaces ownDHPriv/ownDHPub with a
	// fresh pair while DHing against the peer's unchanged current public
	// key; a rekey the peer initiates replaces peerDHPub while this side's
	// own keypair stays put — the standard asymmetric DH ratchet, so only
	// one new public key needs to cross the wire per rekey (spec.md §4.4:
	// "the holder sends an in-band Rekey{new_dh_public_key, new_salt}").
	ownDHPriv [32]byte
	ownDHPub  [32]byte
	peerDHPub [32]byte

	pending *pendingRekey
}

type pendingRekey struct {
	sendKey [32]byte
	recvKey [32]byte

	selfInitiated  bool
	candidateOwnPriv [32]byte
	candidateOwnPub  [32]byte
	candidatePeerPub [32]byte
}

func newChannel(role Role, sendKey, recvKey [32]byte, ownDHPriv, ownDHPub, peerDHPub [32]byte) *Channel {
	return &Channel{
		role:       role,
		sendKey:    sendKey,
		recvKey:    recvKey,
		recvWindow: newReplayWindow(),
		ownDHPriv:  ownDHPriv,
		ownDHPub:   ownDHPub,
		peerDHPub:  peerDHPub,
	}
}

// Seal encrypts plaintext under the current send key, returning a full wire
// frame (`len(4) || nonce(12) || ciphertext || tag(16)`, spec.md §4.4). Once
// a rekey is staged, the new send key is already usable — the DH ratchet
// completed locally the moment BeginRekey/ReceiveRekey set c.pending, with
// no round trip required before sending under it — so Seal switches to
// c.pending.sendKey immediately rather than waiting for the peer to commit
// first. Open mirrors this asymmetrically, still accepting the old recv key
// until a frame actually arrives under the new one.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	key := c.sendKey
	if c.pending != nil {
		key = c.pending.sendKey
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.sendCounter)
	c.sendCounter++

	payload := aead.Seal(nil, nonce, plaintext, nil)
	frame := make([]byte, nonceSize+len(payload))
	copy(frame, nonce)
	copy(frame[nonceSize:], payload)

	if len(frame)+4 > MaxFrameSize {
		return nil, ErrOversizeFrame
	}

	out := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(out, uint32(len(frame)))
	copy(out[4:], frame)
	return out, nil
}

// Open decrypts one `nonce || ciphertext || tag` payload (the caller has
// already stripped the 4-byte length prefix, per internal/wire's framing
// convention), enforcing the replay window and — once a rekey is pending —
// falling back to the candidate new keys before giving up.
func (c *Channel) Open(payload []byte) ([]byte, error) {
	if len(payload) < nonceSize+chacha20poly1305.Overhead {
		return nil, ErrFrameTooShort
	}
	nonce := payload[:nonceSize]
	ciphertext := payload[nonceSize:]
	counter := binary.BigEndian.Uint64(nonce[4:])

	if plaintext, err := c.tryOpen(c.recvKey, nonce, ciphertext); err == nil {
		if !c.recvWindow.Accept(counter) {
			return nil, ErrReplayDetected
		}
		return plaintext, nil
	}

	if c.pending != nil {
		plaintext, err := c.tryOpen(c.pending.recvKey, nonce, ciphertext)
		if err == nil {
			c.commitPending()
			c.recvWindow.Accept(counter)
			return plaintext, nil
		}
	}

	return nil, ErrSignatureVerificationFailed
}

func (c *Channel) tryOpen(key [32]byte, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func (c *Channel) commitPending() {
	p := c.pending
	c.recvKey = p.recvKey
	c.sendKey = p.sendKey
	if p.selfInitiated {
		c.ownDHPriv = p.candidateOwnPriv
		c.ownDHPub = p.candidateOwnPub
	} else {
		c.peerDHPub = p.candidatePeerPub
	}
	c.pending = nil
	c.recvWindow.reset()
}

// BeginRekey is called by the holder initiating a rekey (spec.md §4.4: "the
// holder sends an in-band Rekey"). It generates a fresh DH keypair, derives
// new keys by DHing against the peer's unchanged current public key, and
// returns the new public key and salt to place in the outgoing Rekey
// message. The new keys are staged as pending, not yet active.
func (c *Channel) BeginRekey() (newDHPublicKey, newSalt [32]byte, err error) {
	var priv [32]byte
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return
	}
	curve25519.ScalarBaseMult(&newDHPublicKey, &priv)
	if _, err = io.ReadFull(rand.Reader, newSalt[:]); err != nil {
		return
	}

	shared, err := curve25519.X25519(priv[:], c.peerDHPub[:])
	if err != nil {
		return
	}

	sendKey, recvKey, derr := deriveDirectionalKeys(c.role, shared, newSalt[:])
	if derr != nil {
		err = derr
		return
	}
	c.pending = &pendingRekey{
		sendKey: sendKey, recvKey: recvKey,
		selfInitiated:    true,
		candidateOwnPriv: priv, candidateOwnPub: newDHPublicKey,
	}
	c.rekeyCounter++
	return newDHPublicKey, newSalt, nil
}

// ReceiveRekey is called by the non-initiating side upon receiving a Rekey
// message: it DHs the peer's new public key against this side's own
// unchanged current private key, landing on the same shared secret the
// initiator derived, and stages the resulting keys as pending.
func (c *Channel) ReceiveRekey(peerNewDHPublicKey, newSalt [32]byte) error {
	shared, err := curve25519.X25519(c.ownDHPriv[:], peerNewDHPublicKey[:])
	if err != nil {
		return err
	}

	sendKey, recvKey, err := deriveDirectionalKeys(c.role, shared, newSalt[:])
	if err != nil {
		return err
	}
	c.pending = &pendingRekey{
		sendKey: sendKey, recvKey: recvKey,
		selfInitiated:    false,
		candidatePeerPub: peerNewDHPublicKey,
	}
	c.rekeyCounter++
	return nil
}

// deriveDirectionalKeys runs HKDF-SHA256 over the shared secret and salt to
// produce two 32-byte keys, then assigns them to send/recv by role so that
// each side's send key is the other side's recv key (spec.md §4.4: "one
// send-key and one receive-key per direction").
func deriveDirectionalKeys(role Role, shared, salt []byte) (sendKey, recvKey [32]byte, err error) {
	r := hkdf.New(sha256.New, shared, salt, []byte("trustmesh-securechan"))

	var keyA, keyB [32]byte
	if _, err = io.ReadFull(r, keyA[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(r, keyB[:]); err != nil {
		return
	}

	if role == RoleInitiator {
		return keyA, keyB, nil
	}
	return keyB, keyA, nil
}
