package node

import (
	"lukechampine.com/uint128"

	"github.com/trustmesh/meshnode/internal/mc"
	"github.com/trustmesh/meshnode/internal/tokenchannel"
)

// Dispatch routes one already MC-applied operation from a friend's accepted
// MoveToken (tokenchannel.Channel.Receive's AppliedOps) into the router:
// a Request continues the forward path (spec.md §4.3 step 1); a Response
// or Cancel continues the backward path (step "Backward path"). frozen is
// the amount that had been frozen for this request, needed only to release
// freeze-guard capacity on a middle-hop response/cancel — the driver reads
// it from the PendingTransaction Channel.Receive consumed before calling
// Dispatch; a destination-local resolution (CommitInvoice/CancelInvoice)
// never goes through this path at all.
func (n *Node) Dispatch(fromFriendPublicKey []byte, cur mc.Currency, op tokenchannel.Op, frozen uint128.Uint128) error {
	switch {
	case op.Request != nil:
		return n.Router.ForwardRequest(fromFriendPublicKey, cur, *op.Request)
	case op.Response != nil:
		n.Router.AcceptBackward(fromFriendPublicKey, cur, op.Response.RequestID, op, frozen)
		return nil
	case op.Cancel != nil:
		n.Router.AcceptBackward(fromFriendPublicKey, cur, op.Cancel.RequestID, op, frozen)
		return nil
	}
	return nil
}
