// Package control gates the control surface (internal/node's exported
// methods) behind macaroon-scoped permissions, mirroring lnd's admin/
// readonly macaroon split (cmd/lncli/main.go's --macaroonpath flow) adapted
// to this module's friend/currency/payment/invoice methods instead of gRPC
// service methods (spec.md §7's "control errors: permission denied").
package control

import (
	"fmt"

	"github.com/go-errors/errors"
	"gopkg.in/macaroon.v2"
)

// ErrPermissionDenied is the sentinel spec.md §7 names for a rejected
// control-surface call.
var ErrPermissionDenied = errors.New("control: permission denied")

// Permission names one entity/action pair a control-surface method
// requires, the same entity-plus-action shape lnd's own permission table
// uses (e.g. "onchain"/"write", "offchain"/"read").
type Permission struct {
	Entity string
	Action string
}

func (p Permission) String() string { return p.Entity + ":" + p.Action }

func (p Permission) caveat() string { return "perm=" + p.String() }

// PermissionMap lists the permissions each control-surface method requires,
// generalizing lnd's rpcserver.go MainRPCServerPermissions table to this
// module's control surface.
var PermissionMap = map[string][]Permission{
	"AddFriend":           {{Entity: "friend", Action: "write"}},
	"RemoveFriend":        {{Entity: "friend", Action: "write"}},
	"SetFriendRelays":     {{Entity: "friend", Action: "write"}},
	"SetFriendName":       {{Entity: "friend", Action: "write"}},
	"EnableFriend":        {{Entity: "friend", Action: "write"}},
	"DisableFriend":       {{Entity: "friend", Action: "write"}},
	"AddCurrency":         {{Entity: "currency", Action: "write"}},
	"SetCurrencyRate":     {{Entity: "currency", Action: "write"}},
	"SetLocalMaxDebt":     {{Entity: "currency", Action: "write"}},
	"SetRemoteMaxDebt":    {{Entity: "currency", Action: "write"}},
	"SetCurrencyOpen":     {{Entity: "currency", Action: "write"}},
	"ScheduleCurrencyRemoval": {{Entity: "currency", Action: "write"}},
	"CreatePayment":       {{Entity: "payment", Action: "write"}},
	"CreateTransaction":   {{Entity: "payment", Action: "write"}},
	"RequestClosePayment": {{Entity: "payment", Action: "read"}},
	"AckClosePayment":     {{Entity: "payment", Action: "write"}},
	"AddInvoice":          {{Entity: "invoice", Action: "write"}},
	"CommitInvoice":       {{Entity: "invoice", Action: "write"}},
	"CancelInvoice":       {{Entity: "invoice", Action: "write"}},
	"ApplyResetTerms":     {{Entity: "channel", Action: "write"}},
}

// Checker mints and verifies macaroons scoped to a subset of the control
// surface's permissions. It holds the single root key every macaroon it
// issues is bound to — a stand-in for lnd's macaroons.Service, minus the
// on-disk bbolt root-key store and RPC interceptor plumbing, which belong to
// an RPC front end outside this module's scope.
type Checker struct {
	rootKey []byte
}

// NewChecker creates a Checker bound to rootKey. Callers are responsible for
// generating and persisting rootKey (e.g. via internal/persistence); losing
// it invalidates every macaroon minted from it.
func NewChecker(rootKey []byte) *Checker {
	return &Checker{rootKey: rootKey}
}

// Bake mints a macaroon good for exactly the permissions in allowed, one
// first-party caveat per permission — the admin macaroon is Bake(id, every
// entry of PermissionMap); a readonly one restricts allowed to the "read"
// actions.
func (c *Checker) Bake(id []byte, allowed []Permission) (*macaroon.Macaroon, error) {
	mac, err := macaroon.New(c.rootKey, id, "meshnode", macaroon.LatestVersion)
	if err != nil {
		return nil, err
	}
	for _, p := range allowed {
		if err := mac.AddFirstPartyCaveat([]byte(p.caveat())); err != nil {
			return nil, err
		}
	}
	return mac, nil
}

// Check verifies mac was minted from this Checker's root key and carries
// every permission method requires, per PermissionMap. No discharge
// macaroons are involved: this module has no third-party caveat issuer, a
// single process checking its own macaroons, so the full bakery.v2
// checker/discharge machinery has no collaborator to discharge against.
func (c *Checker) Check(mac *macaroon.Macaroon, method string) error {
	required, ok := PermissionMap[method]
	if !ok {
		return fmt.Errorf("control: unknown control-surface method %q", method)
	}

	granted := make(map[string]bool, len(required))
	check := func(caveat string) error {
		const prefix = "perm="
		if len(caveat) <= len(prefix) || caveat[:len(prefix)] != prefix {
			return fmt.Errorf("control: unrecognized caveat %q", caveat)
		}
		granted[caveat[len(prefix):]] = true
		return nil
	}

	if err := mac.Verify(c.rootKey, check, nil); err != nil {
		return ErrPermissionDenied
	}
	for _, p := range required {
		if !granted[p.String()] {
			return ErrPermissionDenied
		}
	}
	return nil
}
