package wire

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
	"lukechampine.com/uint128"
)

// RelayAddress is one entry of a friend's relay list: a plain network
// address (host:port form resolved downstream by internal/resolver). It is
// intentionally opaque here — internal/transport picks the concrete dialer.
type RelayAddress struct {
	Addr string
}

func encodeRelays(relays []RelayAddress) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, uint32(len(relays))); err != nil {
		return nil, err
	}
	for _, relay := range relays {
		if err := writeVarBytes(&buf, []byte(relay.Addr)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeRelays(b []byte) ([]RelayAddress, error) {
	r := bytes.NewReader(b)
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]RelayAddress, 0, n)
	for i := uint32(0); i < n; i++ {
		addr, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		out = append(out, RelayAddress{Addr: string(addr)})
	}
	return out, nil
}

// generationToFixed/fixedToGeneration convert the u128 generation counter
// to the [16]byte form tlv.MakePrimitiveRecord knows how to move, since the
// tlv package's primitive set covers fixed-size byte arrays but not foreign
// 128-bit integer types.
func generationToFixed(g uint128.Uint128) [16]byte {
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(g.Hi >> (56 - 8*i))
		b[8+i] = byte(g.Lo >> (56 - 8*i))
	}
	return b
}

func fixedToGeneration(b [16]byte) uint128.Uint128 {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
		lo = lo<<8 | uint64(b[8+i])
	}
	return uint128.Uint128{Hi: hi, Lo: lo}
}

// RelaysUpdate is the wire envelope for spec.md §6's
// `RelaysUpdate { generation: u128, relays: list<RelayAddress> }`, carrying
// the SUPPLEMENTAL FEATURES generation counter (internal/friend acks it back
// via RelaysAck once applied).
type RelaysUpdate struct {
	Generation uint128.Uint128
	Relays     []RelayAddress
}

func (m *RelaysUpdate) MsgType() MessageType { return MsgRelaysUpdate }

func (m *RelaysUpdate) Encode(w io.Writer) error {
	relaysBlob, err := encodeRelays(m.Relays)
	if err != nil {
		return err
	}
	gen := generationToFixed(m.Generation)
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(tlvGeneration, &gen),
		tlv.MakeDynamicRecord(tlvRelaysBlob, &relaysBlob, varBytesSize(&relaysBlob), tlv.EVarBytes, tlv.DVarBytes),
	}
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

func (m *RelaysUpdate) Decode(r io.Reader) error {
	var (
		gen        [16]byte
		relaysBlob []byte
	)
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(tlvGeneration, &gen),
		tlv.MakeDynamicRecord(tlvRelaysBlob, &relaysBlob, varBytesSize(&relaysBlob), tlv.EVarBytes, tlv.DVarBytes),
	}
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}
	relays, err := decodeRelays(relaysBlob)
	if err != nil {
		return err
	}
	m.Generation = fixedToGeneration(gen)
	m.Relays = relays
	return nil
}

// RelaysAck is the wire envelope for spec.md §6's `RelaysAck(generation)`.
type RelaysAck struct {
	Generation uint128.Uint128
}

func (m *RelaysAck) MsgType() MessageType { return MsgRelaysAck }

func (m *RelaysAck) Encode(w io.Writer) error {
	gen := generationToFixed(m.Generation)
	records := []tlv.Record{tlv.MakePrimitiveRecord(tlvGeneration, &gen)}
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

func (m *RelaysAck) Decode(r io.Reader) error {
	var gen [16]byte
	records := []tlv.Record{tlv.MakePrimitiveRecord(tlvGeneration, &gen)}
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}
	m.Generation = fixedToGeneration(gen)
	return nil
}
