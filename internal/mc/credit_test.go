package mc

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

func newTestMC() *MutualCredit {
	return New("FST1", []byte("local"), []byte("remote"), ZeroBalance, nil)
}

func TestQueueRequestFreezesDebt(t *testing.T) {
	m := newTestMC()
	m.SetLocalMaxDebt(uint128.From64(200))

	req := RequestSendFunds{
		RequestID:        NewRequestID(),
		Route:            Route{PublicKeys: [][]byte{[]byte("a"), []byte("b")}},
		DestPayment:      uint128.From64(10),
		TotalDestPayment: uint128.From64(10),
		LeftFees:         uint128.From64(2),
	}
	_, err := m.QueueRequestLocal(req)
	require.NoError(t, err)
	require.Equal(t, uint128.From64(12), m.LocalPendingDebt())
}

func TestQueueRequestRejectsDuplicateRequestID(t *testing.T) {
	m := newTestMC()
	m.SetLocalMaxDebt(uint128.From64(200))
	id := NewRequestID()
	req := RequestSendFunds{RequestID: id, DestPayment: uint128.From64(1), TotalDestPayment: uint128.From64(1)}
	_, err := m.QueueRequestLocal(req)
	require.NoError(t, err)
	_, err = m.QueueRequestLocal(req)
	require.ErrorIs(t, err, ErrRequestAlreadyExists)
}

func TestQueueRequestRejectsDuplicateRouteKey(t *testing.T) {
	m := newTestMC()
	m.SetLocalMaxDebt(uint128.From64(200))
	req := RequestSendFunds{
		RequestID:   NewRequestID(),
		Route:       Route{PublicKeys: [][]byte{[]byte("a"), []byte("b"), []byte("a")}},
		DestPayment: uint128.From64(1), TotalDestPayment: uint128.From64(1),
	}
	_, err := m.QueueRequestLocal(req)
	require.ErrorIs(t, err, ErrInvalidRoute)
}

func TestQueueRequestRejectsOverCeiling(t *testing.T) {
	m := newTestMC()
	m.SetLocalMaxDebt(uint128.From64(5))
	req := RequestSendFunds{RequestID: NewRequestID(), DestPayment: uint128.From64(10), TotalDestPayment: uint128.From64(10)}
	_, err := m.QueueRequestLocal(req)
	require.ErrorIs(t, err, ErrCreditsOverflow)
}

type alwaysVerify struct{}

func (alwaysVerify) Verify(pubKey, buf, sig []byte) bool { return true }

func TestQueueResponseCreditsBalance(t *testing.T) {
	m := New("FST1", []byte("local"), []byte("remote"), ZeroBalance, alwaysVerify{})
	m.SetLocalMaxDebt(uint128.From64(200))

	id := NewRequestID()
	var plainLock [32]byte
	req := RequestSendFunds{RequestID: id, DestPayment: uint128.From64(10), TotalDestPayment: uint128.From64(10), LeftFees: uint128.From64(2),
		SrcHashedLock: sha256.Sum256(plainLock[:])}
	_, err := m.QueueRequestLocal(req)
	require.NoError(t, err)

	resp := ResponseSendFunds{RequestID: id, SrcPlainLock: plainLock, Signature: []byte("sig")}
	_, err = m.QueueResponseRemote(resp)
	require.NoError(t, err)
	require.True(t, m.Balance().IsNegative())
	require.Equal(t, uint128.Zero, m.LocalPendingDebt())
}

func TestQueueCancelUnfreezesWithoutBalanceChange(t *testing.T) {
	m := newTestMC()
	m.SetLocalMaxDebt(uint128.From64(200))
	id := NewRequestID()
	req := RequestSendFunds{RequestID: id, DestPayment: uint128.From64(10), TotalDestPayment: uint128.From64(10)}
	_, err := m.QueueRequestLocal(req)
	require.NoError(t, err)

	_, err = m.QueueCancelRemote(CancelSendFunds{RequestID: id})
	require.NoError(t, err)
	require.True(t, m.Balance().IsZero())
	require.Equal(t, uint128.Zero, m.LocalPendingDebt())
}

func TestQueueResponseUnknownRequest(t *testing.T) {
	m := newTestMC()
	_, err := m.QueueResponseLocal(ResponseSendFunds{RequestID: NewRequestID()})
	require.ErrorIs(t, err, ErrRequestDoesNotExist)
}

func TestBalanceArithmeticOverflowPanics(t *testing.T) {
	defer func() {
		require.NotNil(t, recover())
	}()
	b := Balance{mag: uint128.Max}
	b.AddUnsigned(uint128.From64(1))
}
