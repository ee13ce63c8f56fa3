// Package mc implements the per-(friend, currency) mutual credit ledger:
// balances, debt ceilings, and the set of in-flight pending transactions
// frozen against those ceilings.
//
// This is the lowest layer of the token-channel stack (spec.md §4.1): all
// operations here are local and synchronous, and every public method is the
// single point where a credit error (overflow, debt-limit violation, bad
// signature, unknown request) can be raised. The token channel above
// (internal/tokenchannel) is the only caller, and it is responsible for
// atomically rejecting an entire MoveToken batch if any one operation here
// fails.
package mc

import (
	"fmt"

	"github.com/google/uuid"
	"lukechampine.com/uint128"
)

// Currency is a short symbolic identifier naming a unit of account, e.g.
// "FST1". Comparisons and map keys use the raw string; callers are expected
// to validate length/charset at the control surface, not here.
type Currency string

// RequestID uniquely identifies one payment's worth of credit in flight on a
// single mutual credit ledger. It is never reused while pending.
type RequestID uuid.UUID

// String renders the request id the way logs and tests expect it.
func (r RequestID) String() string {
	return uuid.UUID(r).String()
}

// NewRequestID mints a fresh, random request id.
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

// RequestsStatus controls whether a side of the ledger currently accepts new
// forwarding requests.
type RequestsStatus bool

const (
	// RequestsClosed rejects any new RequestSendFunds queued against this
	// side.
	RequestsClosed RequestsStatus = false
	// RequestsOpen accepts new RequestSendFunds.
	RequestsOpen RequestsStatus = true
)

// Balance is a signed 128-bit quantity. It is built on top of
// lukechampine.com/uint128's unsigned Uint128 (the library used for the
// unsigned debt-ceiling fields below) plus an explicit sign, since the
// upstream library intentionally only covers the unsigned case.
type Balance struct {
	neg bool
	mag uint128.Uint128
}

// ZeroBalance is the additive identity.
var ZeroBalance = Balance{}

// BalanceFromInt64 builds a Balance from a plain machine integer, for tests
// and for seeding a freshly created mutual credit ledger.
func BalanceFromInt64(v int64) Balance {
	if v < 0 {
		return Balance{neg: true, mag: uint128.From64(uint64(-v))}
	}
	return Balance{neg: false, mag: uint128.From64(uint64(v))}
}

// IsNegative reports whether the balance is strictly less than zero.
func (b Balance) IsNegative() bool {
	return b.neg && !b.mag.IsZero()
}

// IsZero reports whether the balance is exactly zero.
func (b Balance) IsZero() bool {
	return b.mag.IsZero()
}

// Sign and Magnitude expose the internal representation for callers outside
// this package that need to serialize a Balance (internal/wire's canonical
// encoding); arithmetic should go through the methods above instead.
func (b Balance) Sign() bool                    { return b.neg }
func (b Balance) Magnitude() uint128.Uint128    { return b.mag }

// BalanceFromParts reconstructs a Balance from a decoded sign/magnitude pair,
// the inverse of Sign/Magnitude.
func BalanceFromParts(neg bool, mag uint128.Uint128) Balance {
	return Balance{neg: neg && !mag.IsZero(), mag: mag}
}

// AddUnsigned returns b + u (u unsigned). It never saturates: overflow of
// the 128-bit magnitude panics, since spec.md's invariants guarantee the
// caller already bounded the operands against the debt ceilings.
func (b Balance) AddUnsigned(u uint128.Uint128) Balance {
	if !b.neg {
		sum, overflow := addOverflow(b.mag, u)
		if overflow {
			panic("mc: balance overflow")
		}
		return Balance{neg: false, mag: sum}
	}
	// b is negative: b + u == u - |b|.
	if u.Cmp(b.mag) >= 0 {
		return Balance{neg: false, mag: u.Sub(b.mag)}
	}
	return Balance{neg: true, mag: b.mag.Sub(u)}
}

// SubUnsigned returns b - u (u unsigned).
func (b Balance) SubUnsigned(u uint128.Uint128) Balance {
	return addSigned(b, Balance{neg: true, mag: u})
}

func addSigned(a, b Balance) Balance {
	if a.neg == b.neg {
		sum, overflow := addOverflow(a.mag, b.mag)
		if overflow {
			panic("mc: balance overflow")
		}
		return Balance{neg: a.neg && !sum.IsZero(), mag: sum}
	}
	if a.mag.Cmp(b.mag) >= 0 {
		return Balance{neg: a.neg && a.mag.Cmp(b.mag) != 0, mag: a.mag.Sub(b.mag)}
	}
	return Balance{neg: b.neg, mag: b.mag.Sub(a.mag)}
}

func addOverflow(a, b uint128.Uint128) (uint128.Uint128, bool) {
	sum := a.AddWrap(b)
	// uint128.AddWrap wraps silently on overflow (plain Add panics); detect
	// it by comparing magnitude (sum must be >= either operand, otherwise it
	// wrapped).
	if sum.Cmp(a) < 0 || sum.Cmp(b) < 0 {
		return sum, true
	}
	return sum, false
}

// LessEqualUnsignedCeiling reports whether b + u <= ceiling, the shape of
// check used repeatedly by the debt-limit invariants in spec.md §3.
func (b Balance) LessEqualUnsignedCeiling(u, ceiling uint128.Uint128) bool {
	sum := b.AddUnsigned(u)
	if sum.IsNegative() {
		return true
	}
	return sum.mag.Cmp(ceiling) <= 0
}

// String renders the balance for logs and error messages.
func (b Balance) String() string {
	if b.neg {
		return "-" + b.mag.String()
	}
	return b.mag.String()
}

// Route is the ordered list of public keys a payment traverses, used only as
// an opaque byte-comparable sequence here; internal/wire owns the canonical
// encoding and internal/funder owns routing decisions.
type Route struct {
	PublicKeys [][]byte
}

// HasDuplicate reports whether any public key appears twice in the route,
// the condition that must reject a RequestSendFunds per spec.md §4.3 and
// testable property 12.
func (r Route) HasDuplicate() bool {
	seen := make(map[string]struct{}, len(r.PublicKeys))
	for _, pk := range r.PublicKeys {
		k := string(pk)
		if _, ok := seen[k]; ok {
			return true
		}
		seen[k] = struct{}{}
	}
	return false
}

func (r Route) String() string {
	return fmt.Sprintf("route(%d hops)", len(r.PublicKeys))
}
