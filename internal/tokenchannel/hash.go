package tokenchannel

import (
	"crypto/sha256"
	"sort"

	"github.com/trustmesh/meshnode/internal/mc"
)

// hashCurrencyBalances produces a deterministic digest of every currency's
// balance, independent of map iteration order, for MoveToken.BalancesHash.
func hashCurrencyBalances(mcs map[mc.Currency]*mc.MutualCredit) [32]byte {
	keys := make([]string, 0, len(mcs))
	for cur := range mcs {
		keys = append(keys, string(cur))
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		m := mcs[mc.Currency(k)]
		h.Write([]byte(k))
		h.Write([]byte(m.Balance().String()))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashCurrencySets produces a deterministic digest of the local/remote
// currency sets for MoveToken.InfoHash.
func hashCurrencySets(local, remote map[mc.Currency]struct{}) [32]byte {
	hashSet := func(s map[mc.Currency]struct{}) []byte {
		keys := make([]string, 0, len(s))
		for cur := range s {
			keys = append(keys, string(cur))
		}
		sort.Strings(keys)
		h := sha256.New()
		for _, k := range keys {
			h.Write([]byte(k))
		}
		return h.Sum(nil)
	}

	h := sha256.New()
	h.Write(hashSet(local))
	h.Write(hashSet(remote))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
