package wire

import (
	"bytes"

	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

func encodeResetBalances(balances []tokenchannel.CurrencyBalance) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, uint32(len(balances))); err != nil {
		return nil, err
	}
	for _, cb := range balances {
		if err := writeVarBytes(&buf, []byte(cb.Currency)); err != nil {
			return nil, err
		}
		if err := writeBalance(&buf, cb.Balance); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeResetBalances(b []byte) ([]tokenchannel.CurrencyBalance, error) {
	r := bytes.NewReader(b)
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]tokenchannel.CurrencyBalance, 0, n)
	for i := uint32(0); i < n; i++ {
		cur, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		bal, err := readBalance(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tokenchannel.CurrencyBalance{Currency: mc.Currency(cur), Balance: bal})
	}
	return out, nil
}
