package wire

import (
	"io"

	"github.com/lightningnetwork/lnd/tlv"

	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

// InconsistencyError is the wire envelope for spec.md §6's
// `InconsistencyError(ResetTerms)`, sent once a token channel detects a
// mismatch and transitions to Inconsistent.
type InconsistencyError struct {
	ResetTerms tokenchannel.ResetTerms
}

func (m *InconsistencyError) MsgType() MessageType { return MsgInconsistencyError }

func (m *InconsistencyError) Encode(w io.Writer) error {
	balancesBlob, err := encodeResetBalances(m.ResetTerms.ResetBalances)
	if err != nil {
		return err
	}
	resetToken := m.ResetTerms.ResetToken
	counter := m.ResetTerms.ResetMoveTokenCounter

	records := []tlv.Record{
		tlv.MakeDynamicRecord(tlvResetToken, &resetToken, varBytesSize(&resetToken), tlv.EVarBytes, tlv.DVarBytes),
		tlv.MakePrimitiveRecord(tlvResetMoveTokenCounter, &counter),
		tlv.MakeDynamicRecord(tlvResetBalancesBlob, &balancesBlob, varBytesSize(&balancesBlob), tlv.EVarBytes, tlv.DVarBytes),
	}
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

func (m *InconsistencyError) Decode(r io.Reader) error {
	var (
		resetToken, balancesBlob []byte
		counter                  uint64
	)
	records := []tlv.Record{
		tlv.MakeDynamicRecord(tlvResetToken, &resetToken, varBytesSize(&resetToken), tlv.EVarBytes, tlv.DVarBytes),
		tlv.MakePrimitiveRecord(tlvResetMoveTokenCounter, &counter),
		tlv.MakeDynamicRecord(tlvResetBalancesBlob, &balancesBlob, varBytesSize(&balancesBlob), tlv.EVarBytes, tlv.DVarBytes),
	}
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	balances, err := decodeResetBalances(balancesBlob)
	if err != nil {
		return err
	}
	m.ResetTerms = tokenchannel.ResetTerms{
		ResetToken:            resetToken,
		ResetMoveTokenCounter: counter,
		ResetBalances:         balances,
	}
	return nil
}
