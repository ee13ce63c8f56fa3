package tokenchannel

import (
	"bytes"

	"github.com/go-errors/errors"

	"github.com/trustmesh/meshnode/internal/mc"
)

// Status is the three-way state of spec.md §3's token channel: which side
// currently holds the exclusive right to append operations, or whether the
// two sides have diverged and a reset is underway.
type Status int

const (
	StatusConsistentIn Status = iota
	StatusConsistentOut
	StatusInconsistent
)

func (s Status) String() string {
	switch s {
	case StatusConsistentIn:
		return "consistent-in"
	case StatusConsistentOut:
		return "consistent-out"
	case StatusInconsistent:
		return "inconsistent"
	default:
		return "unknown"
	}
}

// Sentinel protocol-level errors (spec.md §7 "protocol errors" /
// "token-channel inconsistency").
var (
	ErrNotHolder            = errors.New("tokenchannel: local side does not hold the token")
	ErrAlreadyInconsistent  = errors.New("tokenchannel: channel is already inconsistent")
	ErrNotInconsistent      = errors.New("tokenchannel: channel is not inconsistent")
	ErrNoRemoteResetTerms   = errors.New("tokenchannel: no remote reset terms known yet")
	ErrResetMismatch        = errors.New("tokenchannel: reset move token does not match remote reset terms")
	ErrCurrencyNotActive    = errors.New("tokenchannel: currency is not active")
	ErrCurrencyHasPending   = errors.New("tokenchannel: currency removal requires no pending transactions and a zero balance")
)

// ReceiveOutcome classifies the result of Receive, mirroring
// ReceiveMoveTokenOutput in original_source/components/funder/src/router/handle_move_token.rs.
type ReceiveOutcome int

const (
	OutcomeReceived ReceiveOutcome = iota
	OutcomeDuplicate
	OutcomeRetransmit
	OutcomeChainInconsistent
)

// ReceiveResult is the full return value of Receive.
type ReceiveResult struct {
	Outcome ReceiveOutcome
	// AppliedOps is set only when Outcome == OutcomeReceived: the per-
	// currency operations the caller (the router) must now act on.
	AppliedOps map[mc.Currency][]Op
	// Retransmit is set when Outcome is OutcomeDuplicate (and we have a
	// pending outgoing message to resend) or OutcomeRetransmit.
	Retransmit *MoveToken
	// LocalResetTerms is set when Outcome == OutcomeChainInconsistent.
	LocalResetTerms *ResetTerms
}

// Channel is the per-friend token channel of spec.md §3/§4.2: one
// MutualCredit ledger per active currency, the local/remote currency sets,
// and the turn-based MoveToken state machine.
type Channel struct {
	localPublicKey, remotePublicKey []byte

	mcs              map[mc.Currency]*mc.MutualCredit
	localCurrencies  map[mc.Currency]struct{}
	remoteCurrencies map[mc.Currency]struct{}

	status           Status
	moveTokenCounter uint64

	lastSentMoveToken     *MoveToken
	lastSentHash          [32]byte
	lastAcceptedMoveToken *MoveToken
	lastAcceptedHash      [32]byte

	localResetTerms  *ResetTerms
	remoteResetTerms *ResetTerms

	signer     Signer
	mcVerifier mc.Verifier

	maxOperationsInBatch int
}

// Config bundles the construction-time dependencies of a Channel.
type Config struct {
	LocalPublicKey, RemotePublicKey []byte
	Signer                         Signer
	McVerifier                     mc.Verifier
	MaxOperationsInBatch           int
}

// New creates a fresh, empty token channel in ConsistentIn state (we hold
// the token, nothing has been exchanged yet) — matching TokenChannel::new
// in original_source.
func New(cfg Config) *Channel {
	maxOps := cfg.MaxOperationsInBatch
	if maxOps <= 0 {
		maxOps = 100
	}
	return &Channel{
		localPublicKey:       cfg.LocalPublicKey,
		remotePublicKey:      cfg.RemotePublicKey,
		mcs:                  make(map[mc.Currency]*mc.MutualCredit),
		localCurrencies:      make(map[mc.Currency]struct{}),
		remoteCurrencies:     make(map[mc.Currency]struct{}),
		status:               StatusConsistentIn,
		signer:               cfg.Signer,
		mcVerifier:           cfg.McVerifier,
		maxOperationsInBatch: maxOps,
	}
}

func (c *Channel) Status() Status { return c.status }

// ActiveCurrencies returns the currencies present in both local_currencies
// and remote_currencies — the "active" set of spec.md §3.
func (c *Channel) ActiveCurrencies() []mc.Currency {
	var out []mc.Currency
	for cur := range c.localCurrencies {
		if _, ok := c.remoteCurrencies[cur]; ok {
			out = append(out, cur)
		}
	}
	return out
}

// MutualCredit returns the ledger for a currency, creating it (with a zero
// seed balance) the first time it is referenced, matching spec.md §3 "An MC
// is created the first time a currency becomes active with a friend".
func (c *Channel) MutualCredit(cur mc.Currency) *mc.MutualCredit {
	m, ok := c.mcs[cur]
	if !ok {
		m = mc.New(cur, c.localPublicKey, c.remotePublicKey, mc.ZeroBalance, c.mcVerifier)
		c.mcs[cur] = m
	}
	return m
}

// AddLocalCurrency marks a currency as offered locally (the sender side of
// a CurrencyAdd diff entry).
func (c *Channel) AddLocalCurrency(cur mc.Currency) {
	c.localCurrencies[cur] = struct{}{}
	c.MutualCredit(cur)
}

// RemoveLocalCurrency implements the SPEC_FULL supplemental rule: a
// currency can only be dropped from local_currencies once it has no
// pending transactions on either side *and* a zero balance.
func (c *Channel) RemoveLocalCurrency(cur mc.Currency) error {
	m, ok := c.mcs[cur]
	if ok && !m.IsIdleForRemoval() {
		return ErrCurrencyHasPending
	}
	delete(c.localCurrencies, cur)
	if _, stillRemote := c.remoteCurrencies[cur]; !stillRemote {
		delete(c.mcs, cur)
	}
	return nil
}

func (c *Channel) observeRemoteCurrency(cur mc.Currency, add bool) {
	if add {
		c.remoteCurrencies[cur] = struct{}{}
		c.MutualCredit(cur)
	} else {
		delete(c.remoteCurrencies, cur)
		if _, stillLocal := c.localCurrencies[cur]; !stillLocal {
			delete(c.mcs, cur)
		}
	}
}

// PendingBatch is what the router hands to Send: the operations it wants to
// ship this round, already ordered by priority (backwards, user requests,
// forwarded requests — spec.md §4.3), plus any currency diff.
type PendingBatch struct {
	Operations     map[mc.Currency][]Op
	CurrenciesDiff []CurrencyChange
}

// Send builds, signs, and applies (to our own local-side MC state) the next
// outgoing MoveToken, transitioning ConsistentIn -> ConsistentOut. It
// truncates to MaxOperationsInBatch operations total across all currencies,
// applying spec.md §4.2's priority order as given by the caller.
func (c *Channel) Send(batch PendingBatch) (*MoveToken, error) {
	if c.status != StatusConsistentIn {
		return nil, ErrNotHolder
	}

	mt := &MoveToken{
		Operations:     make(map[mc.Currency][]Op),
		CurrenciesDiff: batch.CurrenciesDiff,
	}
	copy(mt.OldToken[:], c.lastAcceptedHash[:])
	mt.MoveTokenCounter = c.moveTokenCounter + 1

	remaining := c.maxOperationsInBatch
	for cur, ops := range batch.Operations {
		for _, op := range ops {
			if remaining <= 0 {
				break
			}
			if err := c.applyLocalOp(cur, op); err != nil {
				// A local send never ships an operation that
				// fails against our own ledger: the caller
				// (funder) is responsible for only queuing ops
				// it already validated. Surfacing the error lets
				// the caller drop the offending op rather than
				// poisoning the whole batch.
				return nil, err
			}
			mt.Operations[cur] = append(mt.Operations[cur], op)
			remaining--
		}
	}
	for _, cc := range batch.CurrenciesDiff {
		switch cc.Kind {
		case CurrencyAdd:
			c.AddLocalCurrency(cc.Currency)
		case CurrencyRemove:
			_ = c.RemoveLocalCurrency(cc.Currency)
		}
	}

	mt.BalancesHash = c.balancesHash()
	mt.InfoHash = c.infoHash()

	if c.signer != nil {
		sig, err := c.signer.Sign(mt.CanonicalBuffer())
		if err != nil {
			return nil, err
		}
		mt.NewToken = sig
	}

	c.lastSentMoveToken = mt
	c.lastSentHash = hashToken(mt.NewToken)
	c.moveTokenCounter = mt.MoveTokenCounter
	c.status = StatusConsistentOut
	return mt, nil
}

func (c *Channel) applyLocalOp(cur mc.Currency, op Op) error {
	m := c.MutualCredit(cur)
	switch {
	case op.Request != nil:
		_, err := m.QueueRequestLocal(*op.Request)
		return err
	case op.Response != nil:
		_, err := m.QueueResponseLocal(*op.Response)
		return err
	case op.Cancel != nil:
		_, err := m.QueueCancelLocal(*op.Cancel)
		return err
	}
	return nil
}

func (c *Channel) applyRemoteOp(cur mc.Currency, op Op) error {
	m := c.MutualCredit(cur)
	switch {
	case op.Request != nil:
		_, err := m.QueueRequestRemote(*op.Request)
		return err
	case op.Response != nil:
		_, err := m.QueueResponseRemote(*op.Response)
		return err
	case op.Cancel != nil:
		_, err := m.QueueCancelRemote(*op.Cancel)
		return err
	}
	return nil
}

// Receive processes an incoming MoveToken, implementing spec.md §4.2's
// three-way branch (duplicate / fresh / inconsistent). verifier checks the
// sender's signature over mt.CanonicalBuffer().
func (c *Channel) Receive(mt *MoveToken, verifier Verifier) ReceiveResult {
	if c.status == StatusInconsistent {
		return ReceiveResult{Outcome: OutcomeChainInconsistent, LocalResetTerms: c.localResetTerms}
	}

	// Duplicate: this is a literal retransmit of the round we already
	// accepted (same old_token/counter as our last accepted message).
	if c.lastAcceptedMoveToken != nil &&
		bytes.Equal(mt.OldToken[:], c.lastAcceptedMoveToken.OldToken[:]) &&
		mt.MoveTokenCounter == c.lastAcceptedMoveToken.MoveTokenCounter {

		if c.lastSentMoveToken != nil {
			return ReceiveResult{Outcome: OutcomeDuplicate, Retransmit: c.lastSentMoveToken}
		}
		return ReceiveResult{Outcome: OutcomeDuplicate}
	}

	// Fresh: builds on the move token we most recently sent them. A channel
	// that has neither sent nor accepted anything yet also takes the peer's
	// first move token (all-zero old_token, counter 1) as fresh.
	untouched := c.lastSentMoveToken == nil && c.lastAcceptedMoveToken == nil && c.moveTokenCounter == 0
	fresh := (c.status == StatusConsistentOut || untouched) &&
		bytes.Equal(mt.OldToken[:], c.lastSentHash[:]) &&
		mt.MoveTokenCounter == c.moveTokenCounter+1

	if !fresh {
		c.goInconsistent(mt.MoveTokenCounter)
		return ReceiveResult{Outcome: OutcomeChainInconsistent, LocalResetTerms: c.localResetTerms}
	}

	if verifier != nil && !verifier.Verify(c.remotePublicKey, mt.CanonicalBuffer(), mt.NewToken) {
		c.goInconsistent(mt.MoveTokenCounter)
		return ReceiveResult{Outcome: OutcomeChainInconsistent, LocalResetTerms: c.localResetTerms}
	}

	applied, err := c.applyBatchAtomic(mt)
	if err != nil {
		c.goInconsistent(mt.MoveTokenCounter)
		return ReceiveResult{Outcome: OutcomeChainInconsistent, LocalResetTerms: c.localResetTerms}
	}

	c.lastAcceptedMoveToken = mt
	c.lastAcceptedHash = hashToken(mt.NewToken)
	c.moveTokenCounter = mt.MoveTokenCounter
	c.lastSentMoveToken = nil
	c.lastSentHash = [32]byte{}
	c.status = StatusConsistentIn

	return ReceiveResult{Outcome: OutcomeReceived, AppliedOps: applied}
}

// applyBatchAtomic applies every operation and currency diff in mt as one
// logical step: spec.md §4.2 requires the entire MoveToken be rejected
// (triggering Inconsistent) if any single operation fails, and §5 forbids
// suspending mid-batch. Since internal/mc mutations are synchronous and
// in-memory, "atomic" here means "all-or-nothing against a snapshot",
// implemented by operating on a cloned MC set and swapping it in only on
// full success.
func (c *Channel) applyBatchAtomic(mt *MoveToken) (map[mc.Currency][]Op, error) {
	snapshot := make(map[mc.Currency]*mc.MutualCredit, len(c.mcs))
	for cur, m := range c.mcs {
		snapshot[cur] = m
	}
	original := c.mcs
	c.mcs = cloneMCMap(c.mcs, c.localPublicKey, c.remotePublicKey, c.mcVerifier)

	applyErr := func() error {
		for cur, ops := range mt.Operations {
			for _, op := range ops {
				if err := c.applyRemoteOp(cur, op); err != nil {
					return err
				}
			}
		}
		for _, cc := range mt.CurrenciesDiff {
			c.observeRemoteCurrency(cc.Currency, cc.Kind == CurrencyAdd)
		}
		return nil
	}()

	if applyErr != nil {
		c.mcs = original
		return nil, applyErr
	}
	return mt.Operations, nil
}

func cloneMCMap(src map[mc.Currency]*mc.MutualCredit, local, remote []byte, verifier mc.Verifier) map[mc.Currency]*mc.MutualCredit {
	out := make(map[mc.Currency]*mc.MutualCredit, len(src))
	for cur, m := range src {
		clone := mc.New(cur, local, remote, m.Balance(), verifier)
		clone.SetLocalMaxDebt(m.LocalMaxDebt())
		clone.SetRemoteMaxDebt(m.RemoteMaxDebt())
		clone.SetLocalStatus(m.LocalStatus())
		clone.SetRemoteStatus(m.RemoteStatus())
		for id, p := range m.LocalPending() {
			clone.AdoptLocalPending(id, p)
		}
		for id, p := range m.RemotePending() {
			clone.AdoptRemotePending(id, p)
		}
		out[cur] = clone
	}
	return out
}

// balancesHash and infoHash are the two rollups carried in every MoveToken
// so a receiver can cheaply confirm it is looking at the same ledger state
// without re-walking every operation (mirrors MoveTokenHashed upstream).
func (c *Channel) balancesHash() [32]byte {
	return hashCurrencyBalances(c.mcs)
}

func (c *Channel) infoHash() [32]byte {
	return hashCurrencySets(c.localCurrencies, c.remoteCurrencies)
}

// LastAcceptedHash exposes the hash a reset/duplicate check needs; used by
// internal/funder's diagnostics and tests.
func (c *Channel) LastAcceptedHash() [32]byte { return c.lastAcceptedHash }

// MoveTokenCounter exposes the current strictly-increasing counter
// (testable property 4).
func (c *Channel) MoveTokenCounter() uint64 { return c.moveTokenCounter }

// TokenWanted reports whether the caller has outstanding work, used to set
// the envelope's token_wanted flag per spec.md §4.2.
func TokenWanted(batch PendingBatch) bool {
	for _, ops := range batch.Operations {
		if len(ops) > 0 {
			return true
		}
	}
	return len(batch.CurrenciesDiff) > 0
}
