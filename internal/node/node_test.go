package node

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/friend"
	"github.com/trustmesh/meshnode/internal/identity"
	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

const testCurrency mc.Currency = "FST1"

// testPair wires two nodes (a, b) as friends of each other over testCurrency,
// with its own identity per side, for exercising the buyer/seller flow
// end to end at the router+token-channel level (no real network I/O).
type testPair struct {
	t *testing.T

	aID, bID *identity.Service
	a, b     *Node
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	aID, err := identity.Generate()
	require.NoError(t, err)
	bID, err := identity.Generate()
	require.NoError(t, err)

	a := New(Config{LocalPublicKey: aID.PublicKey(), Signer: aID, McVerifier: identity.Verifier{}, TcVerifier: identity.Verifier{}})
	b := New(Config{LocalPublicKey: bID.PublicKey(), Signer: bID, McVerifier: identity.Verifier{}, TcVerifier: identity.Verifier{}})

	fB, err := a.AddFriend(bID.PublicKey(), nil, 100)
	require.NoError(t, err)
	fA, err := b.AddFriend(aID.PublicKey(), nil, 100)
	require.NoError(t, err)
	fB.SetOnline(true)
	fA.SetOnline(true)

	require.NoError(t, a.AddCurrency(bID.PublicKey(), testCurrency, friend.Rate{}))
	require.NoError(t, b.AddCurrency(aID.PublicKey(), testCurrency, friend.Rate{}))
	require.NoError(t, a.SetCurrencyOpen(bID.PublicKey(), testCurrency, true))
	require.NoError(t, b.SetCurrencyOpen(aID.PublicKey(), testCurrency, true))

	return &testPair{t: t, aID: aID, bID: bID, a: a, b: b}
}

// deliverForward drains fromNode's friend(toPeer)'s outgoing queues, signs
// and ships the MoveToken, delivers it to toNode, and dispatches every
// applied op into toNode's router — simulating one hop of the wire
// protocol at the router/token-channel level.
func (p *testPair) deliverForward(fromNode, toNode *Node, fromPeerPub, toPeerPub []byte) {
	p.t.Helper()
	outgoing := fromNode.Router.Friend(toPeerPub)
	require.True(p.t, outgoing.HasPendingWork())
	batch := outgoing.DrainBatch(100)

	mt, err := outgoing.Channel.Send(batch)
	require.NoError(p.t, err)

	incoming := toNode.Router.Friend(fromPeerPub)
	result := incoming.Channel.Receive(mt, identity.Verifier{})
	require.Equal(p.t, tokenchannel.OutcomeReceived, result.Outcome)

	for cur, ops := range result.AppliedOps {
		for _, op := range ops {
			require.NoError(p.t, toNode.Dispatch(fromPeerPub, cur, op, uint128.Zero))
		}
	}
	toNode.DispatchEvents()
}

func (p *testPair) aToB() { p.deliverForward(p.a, p.b, p.aID.PublicKey(), p.bID.PublicKey()) }
func (p *testPair) bToA() { p.deliverForward(p.b, p.a, p.bID.PublicKey(), p.aID.PublicKey()) }

// TestScenarioS1TwoNodeExactPayment implements spec.md §8's literal S1:
// a two-part payment from A to B against a single invoice, closing with a
// verifiable receipt and matching final balances.
func TestScenarioS1TwoNodeExactPayment(t *testing.T) {
	p := newTestPair(t)
	aPK, bPK := p.aID.PublicKey(), p.bID.PublicKey()

	// remote_max_debt(A->B)=200 and its mirrored local ceiling on B;
	// remote_max_debt(B->A)=100 and its mirrored local ceiling on A.
	require.NoError(t, p.a.SetRemoteMaxDebt(bPK, testCurrency, 200))
	require.NoError(t, p.b.SetLocalMaxDebt(aPK, testCurrency, uint128.From64(200)))
	require.NoError(t, p.b.SetRemoteMaxDebt(aPK, testCurrency, 100))
	require.NoError(t, p.a.SetLocalMaxDebt(bPK, testCurrency, uint128.From64(100)))

	invID := InvoiceID(uuid.New())
	inv, err := p.b.AddInvoice(invID, testCurrency, uint128.From64(4))
	require.NoError(t, err)

	payID := PaymentID(uuid.New())
	route := mc.Route{PublicKeys: [][]byte{aPK, bPK}}
	_, err = p.a.CreatePayment(payID, testCurrency, uint128.From64(4), bPK, route, inv.SrcHashedLock())
	require.NoError(t, err)

	out1, err := p.a.CreateTransaction(payID, uint128.From64(3), uint128.From64(1))
	require.NoError(t, err)
	require.Equal(t, TransactionPending, out1.Kind)
	p.aToB()

	// A sent last and no longer holds the token; B hands it back with an
	// empty MoveToken before A ships the second part.
	back, err := p.b.Router.Friend(aPK).Channel.Send(tokenchannel.PendingBatch{})
	require.NoError(t, err)
	require.Equal(t, tokenchannel.OutcomeReceived, p.a.Router.Friend(bPK).Channel.Receive(back, identity.Verifier{}).Outcome)

	out2, err := p.a.CreateTransaction(payID, uint128.From64(1), uint128.From64(1))
	require.NoError(t, err)
	require.Equal(t, TransactionCommit, out2.Kind)
	p.aToB()

	require.NoError(t, p.b.CommitInvoice(invID))
	p.bToA()

	pay := p.a.payments[payID]
	require.Equal(t, PaymentCompleted, pay.status)

	receipt, err := p.a.RequestClosePayment(payID)
	require.NoError(t, err)
	require.Equal(t, uint128.From64(4), receipt.TotalDestPayment)
	require.True(t, receipt.DestPayment == uint128.From64(1) || receipt.DestPayment == uint128.From64(3))
	require.True(t, VerifyReceipt(*receipt, bPK, identity.Verifier{}))

	require.NoError(t, p.a.AckClosePayment(payID))
	_, _, err = p.a.currencyConfig(bPK, testCurrency)
	require.NoError(t, err)

	aBalance := p.a.Router.Friend(bPK).Channel.MutualCredit(testCurrency).Balance()
	bBalance := p.b.Router.Friend(aPK).Channel.MutualCredit(testCurrency).Balance()
	require.Equal(t, "-6", aBalance.String())
	require.Equal(t, "6", bBalance.String())
}

// TestCreateTransactionRejectsOverpay ensures a part that would push the
// running total past the payment's declared total is rejected rather than
// silently truncated, spec.md §8's testable property 11's spirit applied to
// the payment layer instead of the MC layer directly.
func TestCreateTransactionRejectsOverpay(t *testing.T) {
	p := newTestPair(t)
	aPK, bPK := p.aID.PublicKey(), p.bID.PublicKey()
	require.NoError(t, p.a.SetRemoteMaxDebt(bPK, testCurrency, 200))
	require.NoError(t, p.a.SetLocalMaxDebt(bPK, testCurrency, uint128.From64(100)))

	invID := InvoiceID(uuid.New())
	inv, err := p.b.AddInvoice(invID, testCurrency, uint128.From64(4))
	require.NoError(t, err)

	payID := PaymentID(uuid.New())
	route := mc.Route{PublicKeys: [][]byte{aPK, bPK}}
	_, err = p.a.CreatePayment(payID, testCurrency, uint128.From64(4), bPK, route, inv.SrcHashedLock())
	require.NoError(t, err)

	_, err = p.a.CreateTransaction(payID, uint128.From64(5), uint128.From64(0))
	require.ErrorIs(t, err, ErrPaymentOverpays)
}

// TestCancelInvoiceRejectsHeldRequestsBackToSender verifies CancelInvoice
// routes a Cancel back to the buyer instead of leaving the request
// dangling, and that AckClosePayment is refused until the payment actually
// completes.
func TestCancelInvoiceRejectsHeldRequestsBackToSender(t *testing.T) {
	p := newTestPair(t)
	aPK, bPK := p.aID.PublicKey(), p.bID.PublicKey()
	require.NoError(t, p.a.SetRemoteMaxDebt(bPK, testCurrency, 200))
	require.NoError(t, p.a.SetLocalMaxDebt(bPK, testCurrency, uint128.From64(100)))
	require.NoError(t, p.b.SetRemoteMaxDebt(aPK, testCurrency, 100))

	invID := InvoiceID(uuid.New())
	inv, err := p.b.AddInvoice(invID, testCurrency, uint128.From64(4))
	require.NoError(t, err)

	payID := PaymentID(uuid.New())
	route := mc.Route{PublicKeys: [][]byte{aPK, bPK}}
	_, err = p.a.CreatePayment(payID, testCurrency, uint128.From64(4), bPK, route, inv.SrcHashedLock())
	require.NoError(t, err)

	_, err = p.a.CreateTransaction(payID, uint128.From64(4), uint128.From64(0))
	require.NoError(t, err)
	p.aToB()

	require.NoError(t, p.b.CancelInvoice(invID))
	p.bToA()

	_, err = p.a.RequestClosePayment(payID)
	require.ErrorIs(t, err, ErrPaymentNotCompleted)

	err = p.a.AckClosePayment(payID)
	require.ErrorIs(t, err, ErrPaymentNotCompleted)
}
