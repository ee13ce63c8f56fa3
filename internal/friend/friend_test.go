package friend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

type acceptAll struct{}

func (acceptAll) Verify(pubKey, buf, sig []byte) bool { return true }

type noopSigner struct{ pub []byte }

func (s noopSigner) Sign(buf []byte) ([]byte, error) { return append([]byte{}, buf...), nil }
func (s noopSigner) PublicKey() []byte               { return s.pub }

func newState(t *testing.T) *State {
	t.Helper()
	return New([]byte("local"), []byte("remote"), tokenchannel.Config{
		Signer: noopSigner{pub: []byte("local")}, McVerifier: acceptAll{},
	})
}

func TestHasPendingWorkFalseWhenEmpty(t *testing.T) {
	s := newState(t)
	require.False(t, s.HasPendingWork())
}

func TestDrainBatchOrdersBackwardsBeforeUserBeforeForwarded(t *testing.T) {
	s := newState(t)

	fwdID := mc.NewRequestID()
	userID := mc.NewRequestID()
	backID := mc.NewRequestID()

	s.QueueForwardedRequest("FST1", mc.RequestSendFunds{RequestID: fwdID})
	s.QueueUserRequest("FST1", mc.RequestSendFunds{RequestID: userID})
	s.QueueBackward("FST1", tokenchannel.Op{Cancel: &mc.CancelSendFunds{RequestID: backID}})

	require.True(t, s.HasPendingWork())

	batch := s.DrainBatch(10)
	ops := batch.Operations["FST1"]
	require.Len(t, ops, 3)

	require.NotNil(t, ops[0].Cancel)
	require.Equal(t, backID, ops[0].Cancel.RequestID)

	require.NotNil(t, ops[1].Request)
	require.Equal(t, userID, ops[1].Request.RequestID)

	require.NotNil(t, ops[2].Request)
	require.Equal(t, fwdID, ops[2].Request.RequestID)

	require.False(t, s.HasPendingWork())
}

func TestDrainBatchRespectsMaxOps(t *testing.T) {
	s := newState(t)
	for i := 0; i < 5; i++ {
		s.QueueForwardedRequest("FST1", mc.RequestSendFunds{RequestID: mc.NewRequestID()})
	}

	batch := s.DrainBatch(2)
	require.Len(t, batch.Operations["FST1"], 2)
	require.True(t, s.HasPendingWork())

	rest := s.DrainBatch(10)
	require.Len(t, rest.Operations["FST1"], 3)
	require.False(t, s.HasPendingWork())
}

func TestDrainToCancelsCoversUserAndForwardedButNotBackwards(t *testing.T) {
	s := newState(t)

	userID := mc.NewRequestID()
	fwdID := mc.NewRequestID()
	backID := mc.NewRequestID()

	s.QueueUserRequest("FST1", mc.RequestSendFunds{RequestID: userID})
	s.QueueForwardedRequest("FST1", mc.RequestSendFunds{RequestID: fwdID})
	s.QueueBackward("FST1", tokenchannel.Op{Cancel: &mc.CancelSendFunds{RequestID: backID}})

	ids := s.DrainToCancels()
	require.ElementsMatch(t, []mc.RequestID{userID, fwdID}, ids)

	// Backwards queue is untouched by DrainToCancels; it still has work.
	require.True(t, s.HasPendingWork())
	batch := s.DrainBatch(10)
	require.Len(t, batch.Operations["FST1"], 1)
	require.Equal(t, backID, batch.Operations["FST1"][0].Cancel.RequestID)
}

func TestApplyRelaysUpdateRejectsStaleGeneration(t *testing.T) {
	s := newState(t)

	require.True(t, s.ApplyRelaysUpdate(5, []string{"a.example:1"}))
	require.Equal(t, uint64(5), s.RelaysGeneration)

	require.False(t, s.ApplyRelaysUpdate(5, []string{"b.example:1"}))
	require.False(t, s.ApplyRelaysUpdate(3, []string{"c.example:1"}))
	require.Equal(t, []string{"a.example:1"}, s.Relays)

	require.True(t, s.ApplyRelaysUpdate(6, []string{"d.example:1"}))
	require.Equal(t, []string{"d.example:1"}, s.Relays)
}

func TestSetOnlineIsOnline(t *testing.T) {
	s := newState(t)
	require.False(t, s.IsOnline())
	s.SetOnline(true)
	require.True(t, s.IsOnline())
}

func TestNewStartsEnabledNoCurrencies(t *testing.T) {
	s := newState(t)
	require.True(t, s.IsEnabled)
	require.Empty(t, s.CurrencyConfigs)
}

func TestCurrencyConfigRateZeroMeansFlatFee(t *testing.T) {
	cfg := &CurrencyConfig{Rate: Rate{Add: 10}, RemoteMaxDebt: 1000, IsOpen: true}
	require.Equal(t, uint64(10), cfg.Rate.Add)
	require.Equal(t, uint64(0), cfg.Rate.Mul)
}
