package funder

import (
	"sync"

	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/mc"
)

// FreezeGuard implements spec.md §4.3 step 3: node-local backpressure that
// prevents one upstream friend from monopolizing a downstream friend's
// credit capacity on some currency. Grounded on the GLOSSARY's "Freeze
// guard" definition and testable scenario S6.
//
// Capacity to a downstream is divided evenly among every upstream ever
// observed routing through us to that downstream for that currency; an
// upstream's own cumulative in-flight frozen amount (summed across all its
// pending requests toward that downstream) may never exceed its share.
// Released when the matching response or cancel clears the request.
type FreezeGuard struct {
	mu sync.Mutex
	// frozen[downstream][currency][upstream] = cumulative amount that
	// upstream currently has in flight toward downstream on currency.
	frozen map[string]map[mc.Currency]map[string]uint128.Uint128
	// upstreams[downstream][currency] = set of upstream keys ever observed,
	// used to compute the per-upstream share of capacity.
	upstreams map[string]map[mc.Currency]map[string]struct{}
}

// NewFreezeGuard creates an empty guard.
func NewFreezeGuard() *FreezeGuard {
	return &FreezeGuard{
		frozen:    make(map[string]map[mc.Currency]map[string]uint128.Uint128),
		upstreams: make(map[string]map[mc.Currency]map[string]struct{}),
	}
}

// TryFreeze attempts to admit `amount` more credit from upstream toward
// downstream on currency, given the total capacity (downstream's
// remote_max_debt for that currency). It returns false (and freezes
// nothing) if admitting would push upstream's share above its fair
// allocation of capacity.
func (g *FreezeGuard) TryFreeze(upstream, downstream []byte, cur mc.Currency, amount, capacity uint128.Uint128) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := string(downstream)
	u := string(upstream)

	g.observeLocked(d, cur, u)

	numUpstreams := len(g.upstreams[d][cur])
	if numUpstreams == 0 {
		numUpstreams = 1
	}
	share := capacity.Div64(uint64(numUpstreams))

	current := g.frozen[d][cur][u]
	newTotal, overflow := addSat(current, amount)
	if overflow || newTotal.Cmp(share) > 0 {
		return false
	}

	if g.frozen[d] == nil {
		g.frozen[d] = make(map[mc.Currency]map[string]uint128.Uint128)
	}
	if g.frozen[d][cur] == nil {
		g.frozen[d][cur] = make(map[string]uint128.Uint128)
	}
	g.frozen[d][cur][u] = newTotal
	return true
}

// Release gives back `amount` of previously-frozen capacity once the
// matching request resolves (response or cancel).
func (g *FreezeGuard) Release(upstream, downstream []byte, cur mc.Currency, amount uint128.Uint128) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d, u := string(downstream), string(upstream)
	if g.frozen[d] == nil || g.frozen[d][cur] == nil {
		return
	}
	current := g.frozen[d][cur][u]
	if current.Cmp(amount) <= 0 {
		delete(g.frozen[d][cur], u)
		return
	}
	g.frozen[d][cur][u] = current.Sub(amount)
}

func (g *FreezeGuard) observeLocked(downstream string, cur mc.Currency, upstream string) {
	if g.upstreams[downstream] == nil {
		g.upstreams[downstream] = make(map[mc.Currency]map[string]struct{})
	}
	if g.upstreams[downstream][cur] == nil {
		g.upstreams[downstream][cur] = make(map[string]struct{})
	}
	g.upstreams[downstream][cur][upstream] = struct{}{}
}

func addSat(a, b uint128.Uint128) (uint128.Uint128, bool) {
	sum := a.AddWrap(b)
	if sum.Cmp(a) < 0 || sum.Cmp(b) < 0 {
		return uint128.Max, true
	}
	return sum, false
}
