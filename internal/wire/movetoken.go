package wire

import (
	"io"

	"github.com/lightningnetwork/lnd/tlv"

	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

// MoveTokenRequest is the wire envelope for spec.md §6's
// `MoveTokenRequest { move_token, token_wanted: bool }`.
type MoveTokenRequest struct {
	MoveToken   *tokenchannel.MoveToken
	TokenWanted bool
}

func (m *MoveTokenRequest) MsgType() MessageType { return MsgMoveTokenRequest }

func (m *MoveTokenRequest) Encode(w io.Writer) error {
	opsBlob, err := encodeOperations(m.MoveToken.Operations, m.MoveToken.CurrenciesDiff)
	if err != nil {
		return err
	}
	counter := m.MoveToken.MoveTokenCounter
	oldToken := m.MoveToken.OldToken
	balancesHash := m.MoveToken.BalancesHash
	infoHash := m.MoveToken.InfoHash
	randNonce := m.MoveToken.RandNonce
	newToken := m.MoveToken.NewToken
	tokenWanted := boolToByte(m.TokenWanted)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(tlvOldToken, &oldToken),
		tlv.MakePrimitiveRecord(tlvMoveTokenCounter, &counter),
		tlv.MakePrimitiveRecord(tlvBalancesHash, &balancesHash),
		tlv.MakePrimitiveRecord(tlvInfoHash, &infoHash),
		tlv.MakePrimitiveRecord(tlvRandNonce, &randNonce),
		tlv.MakeDynamicRecord(tlvNewToken, &newToken, varBytesSize(&newToken), tlv.EVarBytes, tlv.DVarBytes),
		tlv.MakeDynamicRecord(tlvOperationsBlob, &opsBlob, varBytesSize(&opsBlob), tlv.EVarBytes, tlv.DVarBytes),
		tlv.MakePrimitiveRecord(tlvTokenWanted, &tokenWanted),
	}
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

func (m *MoveTokenRequest) Decode(r io.Reader) error {
	var (
		oldToken, balancesHash, infoHash, randNonce [32]byte
		counter                                     uint64
		newToken, opsBlob                           []byte
		tokenWanted                                 byte
	)
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(tlvOldToken, &oldToken),
		tlv.MakePrimitiveRecord(tlvMoveTokenCounter, &counter),
		tlv.MakePrimitiveRecord(tlvBalancesHash, &balancesHash),
		tlv.MakePrimitiveRecord(tlvInfoHash, &infoHash),
		tlv.MakePrimitiveRecord(tlvRandNonce, &randNonce),
		tlv.MakeDynamicRecord(tlvNewToken, &newToken, varBytesSize(&newToken), tlv.EVarBytes, tlv.DVarBytes),
		tlv.MakeDynamicRecord(tlvOperationsBlob, &opsBlob, varBytesSize(&opsBlob), tlv.EVarBytes, tlv.DVarBytes),
		tlv.MakePrimitiveRecord(tlvTokenWanted, &tokenWanted),
	}
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	ops, diff, err := decodeOperations(opsBlob)
	if err != nil {
		return err
	}

	m.MoveToken = &tokenchannel.MoveToken{
		Operations:       ops,
		CurrenciesDiff:   diff,
		OldToken:         oldToken,
		MoveTokenCounter: counter,
		BalancesHash:     balancesHash,
		InfoHash:         infoHash,
		RandNonce:        randNonce,
		NewToken:         newToken,
	}
	m.TokenWanted = tokenWanted != 0
	return nil
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// varBytesSize returns the tlv size function for a []byte field, matching
// the signature tlv.MakeDynamicRecord expects.
func varBytesSize(b *[]byte) func() uint64 {
	return func() uint64 { return uint64(len(*b)) }
}
