package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/mc"
)

// This file holds the manual, fixed-width/length-prefixed codec for the
// nested collection fields of a MoveToken (operations, currencies_diff) and
// a ResetTerms (reset_balances): spec.md §6 calls for "fixed-width integers
// in big-endian, length-prefixed variable fields" and these are exactly
// that — ordinary nested vectors of structs, which lnd's tlv package has no
// ready-made vector primitive for, so they are written by hand the way
// lnwire's own fixed-format messages (e.g. node_announcement.go's address
// list) do it, and then carried as one opaque var-bytes TLV record in the
// envelope built in movetoken.go/inconsistency.go.
const maxVectorLen = 1 << 16

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeUint128(w io.Writer, v uint128.Uint128) error {
	if err := writeUint64(w, v.Hi); err != nil {
		return err
	}
	return writeUint64(w, v.Lo)
}

func readUint128(r io.Reader) (uint128.Uint128, error) {
	hi, err := readUint64(r)
	if err != nil {
		return uint128.Zero, err
	}
	lo, err := readUint64(r)
	if err != nil {
		return uint128.Zero, err
	}
	return uint128.Uint128{Hi: hi, Lo: lo}, nil
}

func writeBalance(w io.Writer, b mc.Balance) error {
	sign := byte(0)
	if b.Sign() {
		sign = 1
	}
	if _, err := w.Write([]byte{sign}); err != nil {
		return err
	}
	return writeUint128(w, b.Magnitude())
}

func readBalance(r io.Reader) (mc.Balance, error) {
	var sign [1]byte
	if _, err := io.ReadFull(r, sign[:]); err != nil {
		return mc.ZeroBalance, err
	}
	mag, err := readUint128(r)
	if err != nil {
		return mc.ZeroBalance, err
	}
	return mc.BalanceFromParts(sign[0] == 1, mag), nil
}

func writeVarBytes(w io.Writer, b []byte) error {
	if len(b) > maxVectorLen {
		return fmt.Errorf("wire: var-bytes field too long: %d", len(b))
	}
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxVectorLen {
		return nil, fmt.Errorf("wire: var-bytes field too long: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeRequestID(w io.Writer, id mc.RequestID) error {
	_, err := w.Write(id[:])
	return err
}

func readRequestID(r io.Reader) (mc.RequestID, error) {
	var id mc.RequestID
	_, err := io.ReadFull(r, id[:])
	return id, err
}

func writeFixed32(w io.Writer, b [32]byte) error {
	_, err := w.Write(b[:])
	return err
}

func readFixed32(r io.Reader) ([32]byte, error) {
	var b [32]byte
	_, err := io.ReadFull(r, b[:])
	return b, err
}

func writeRoute(w io.Writer, route mc.Route) error {
	if len(route.PublicKeys) > maxVectorLen {
		return fmt.Errorf("wire: route too long: %d", len(route.PublicKeys))
	}
	if err := writeUint32(w, uint32(len(route.PublicKeys))); err != nil {
		return err
	}
	for _, pk := range route.PublicKeys {
		if err := writeVarBytes(w, pk); err != nil {
			return err
		}
	}
	return nil
}

func readRoute(r io.Reader) (mc.Route, error) {
	n, err := readUint32(r)
	if err != nil {
		return mc.Route{}, err
	}
	if n > maxVectorLen {
		return mc.Route{}, fmt.Errorf("wire: route too long: %d", n)
	}
	route := mc.Route{PublicKeys: make([][]byte, 0, n)}
	for i := uint32(0); i < n; i++ {
		pk, err := readVarBytes(r)
		if err != nil {
			return mc.Route{}, err
		}
		route.PublicKeys = append(route.PublicKeys, pk)
	}
	return route, nil
}
