package funder

import (
	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/friend"
)

// feeShift pins the Open Question spec.md §9 leaves unresolved ("K not
// uniformly fixed... we suggest 2^40"): SPEC_FULL.md's OPEN QUESTIONS —
// DECISIONS section adopts 2^40 and this constant is the single place that
// decision is encoded.
const feeShift = 40

// computeFee returns rate.add + rate.mul*destPayment/2^40, saturating at
// uint128's maximum rather than wrapping, matching spec.md §4.3's "saturating"
// instruction.
func computeFee(rate friend.Rate, destPayment uint128.Uint128) uint128.Uint128 {
	add := uint128.From64(rate.Add)
	if rate.Mul == 0 {
		return add
	}

	mul := uint128.From64(rate.Mul)
	product, overflowed := mulOverflow(destPayment, mul)
	if overflowed {
		return uint128.Max
	}
	scaled := product.Rsh(feeShift)

	sum := add.AddWrap(scaled)
	if sum.Cmp(add) < 0 || sum.Cmp(scaled) < 0 {
		return uint128.Max
	}
	return sum
}

func mulOverflow(a, b uint128.Uint128) (uint128.Uint128, bool) {
	if a.IsZero() || b.IsZero() {
		return uint128.Zero, false
	}
	product := a.MulWrap(b)
	// uint128.MulWrap wraps silently on overflow (plain Mul panics); detect
	// it via division back out.
	if product.Div(b).Cmp(a) != 0 {
		return product, true
	}
	return product, false
}
