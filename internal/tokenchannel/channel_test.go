package tokenchannel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/mc"
)

type noopSigner struct{ pub []byte }

func (s noopSigner) Sign(buf []byte) ([]byte, error) { return append([]byte{}, buf...), nil }
func (s noopSigner) PublicKey() []byte               { return s.pub }

type acceptAll struct{}

func (acceptAll) Verify(pubKey, buf, sig []byte) bool { return true }

func newPair() (a, b *Channel) {
	localA, localB := []byte("nodeA"), []byte("nodeB")
	a = New(Config{
		LocalPublicKey: localA, RemotePublicKey: localB,
		Signer: noopSigner{pub: localA}, McVerifier: acceptAll{},
	})
	b = New(Config{
		LocalPublicKey: localB, RemotePublicKey: localA,
		Signer: noopSigner{pub: localB}, McVerifier: acceptAll{},
	})
	return a, b
}

func TestSendRequiresHoldingToken(t *testing.T) {
	a, _ := newPair()
	mt, err := a.Send(PendingBatch{})
	require.NoError(t, err)
	require.NotNil(t, mt)

	// a no longer holds the token (ConsistentOut); a second Send must fail.
	_, err = a.Send(PendingBatch{})
	require.ErrorIs(t, err, ErrNotHolder)
}

func TestReceiveFreshAppliesOpsAndFlipsHolder(t *testing.T) {
	a, b := newPair()

	reqID := mc.NewRequestID()
	batch := PendingBatch{
		CurrenciesDiff: []CurrencyChange{{Currency: "FST1", Kind: CurrencyAdd}},
		Operations: map[mc.Currency][]Op{
			"FST1": {{Request: &mc.RequestSendFunds{
				RequestID:        reqID,
				Route:            mc.Route{PublicKeys: [][]byte{[]byte("nodeA"), []byte("nodeB")}},
				DestPayment:      uint128.From64(5),
				TotalDestPayment: uint128.From64(5),
			}}},
		},
	}
	a.MutualCredit("FST1").SetLocalMaxDebt(uint128.From64(100))

	mt, err := a.Send(batch)
	require.NoError(t, err)
	require.Equal(t, StatusConsistentOut, a.Status())

	b.observeRemoteCurrency("FST1", true)
	b.MutualCredit("FST1").SetRemoteMaxDebt(uint128.From64(100))

	res := b.Receive(mt, acceptAll{})
	require.Equal(t, OutcomeReceived, res.Outcome)
	require.Equal(t, StatusConsistentIn, b.Status())
	require.Len(t, res.AppliedOps["FST1"], 1)
	require.Equal(t, uint64(1), b.MoveTokenCounter())
}

func TestReceiveDuplicateIsDetected(t *testing.T) {
	a, b := newPair()
	mt, err := a.Send(PendingBatch{})
	require.NoError(t, err)

	first := b.Receive(mt, acceptAll{})
	require.Equal(t, OutcomeReceived, first.Outcome)

	// b now holds the token; replay the exact same incoming message.
	second := b.Receive(mt, acceptAll{})
	require.Equal(t, OutcomeDuplicate, second.Outcome)
}

func TestReceiveWrongCounterGoesInconsistent(t *testing.T) {
	a, b := newPair()
	mt, err := a.Send(PendingBatch{})
	require.NoError(t, err)

	mt.MoveTokenCounter += 5 // corrupt the counter so it no longer matches fresh criteria

	res := b.Receive(mt, acceptAll{})
	require.Equal(t, OutcomeChainInconsistent, res.Outcome)
	require.Equal(t, StatusInconsistent, b.Status())
	require.NotNil(t, res.LocalResetTerms)
}

func TestReceiveBadSignatureGoesInconsistent(t *testing.T) {
	a, b := newPair()
	mt, err := a.Send(PendingBatch{})
	require.NoError(t, err)

	res := b.Receive(mt, verifierFunc(func(pubKey, buf, sig []byte) bool { return false }))
	require.Equal(t, OutcomeChainInconsistent, res.Outcome)
}

type verifierFunc func(pubKey, buf, sig []byte) bool

func (f verifierFunc) Verify(pubKey, buf, sig []byte) bool { return f(pubKey, buf, sig) }

func TestResetProtocolRoundTrip(t *testing.T) {
	a, b := newPair()

	a.goInconsistent(0)
	b.goInconsistent(0)

	aTerms := *a.LocalResetTerms()
	bTerms := *b.LocalResetTerms()

	a.ReceiveRemoteResetTerms(bTerms)
	b.ReceiveRemoteResetTerms(aTerms)

	// Exactly one side yields: the lexicographically smaller public key.
	require.NotEqual(t, a.ShouldYield(), b.ShouldYield())

	var winner, yielder *Channel
	if a.ShouldYield() {
		yielder, winner = a, b
	} else {
		yielder, winner = b, a
	}

	mt, err := winner.SendResetMoveToken()
	require.NoError(t, err)
	require.Equal(t, StatusConsistentIn, winner.Status())

	err = yielder.ReceiveResetMoveToken(mt, acceptAll{})
	require.NoError(t, err)
	require.Equal(t, StatusConsistentIn, yielder.Status())
	require.Equal(t, winner.MoveTokenCounter(), yielder.MoveTokenCounter())
}

func TestRemoveLocalCurrencyRequiresIdle(t *testing.T) {
	a, _ := newPair()
	a.AddLocalCurrency("FST1")
	a.MutualCredit("FST1").SetLocalMaxDebt(uint128.From64(100))

	_, err := a.MutualCredit("FST1").QueueRequestLocal(mc.RequestSendFunds{
		RequestID: mc.NewRequestID(), DestPayment: uint128.From64(1), TotalDestPayment: uint128.From64(1),
	})
	require.NoError(t, err)

	err = a.RemoveLocalCurrency("FST1")
	require.ErrorIs(t, err, ErrCurrencyHasPending)

	for id := range a.MutualCredit("FST1").LocalPending() {
		_, _ = a.MutualCredit("FST1").QueueCancelLocal(mc.CancelSendFunds{RequestID: id})
	}
	require.NoError(t, a.RemoveLocalCurrency("FST1"))
}

func TestTokenWanted(t *testing.T) {
	require.False(t, TokenWanted(PendingBatch{}))
	require.True(t, TokenWanted(PendingBatch{CurrenciesDiff: []CurrencyChange{{Currency: "FST1"}}}))
	require.True(t, TokenWanted(PendingBatch{Operations: map[mc.Currency][]Op{"FST1": {{}}}}))
}
