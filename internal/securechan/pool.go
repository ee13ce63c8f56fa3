package securechan

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// HandshakePool bounds concurrent cryptographic handshakes by
// max_concurrent_encrypt (spec.md §4.2's scheduling model: "parallel worker
// pools are used only for (a) cryptographic handshakes... bounded by
// max_concurrent_encrypt"), and collapses duplicate concurrent attempts
// toward the same peer into one in-flight handshake via singleflight, so a
// retry storm toward one friend cannot starve handshakes toward others.
type HandshakePool struct {
	group  *errgroup.Group
	ctx    context.Context
	sf     singleflight.Group
}

// NewHandshakePool creates a pool bounded to maxConcurrent simultaneous
// handshakes, driven until ctx is cancelled.
func NewHandshakePool(ctx context.Context, maxConcurrent int) *HandshakePool {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrent)
	return &HandshakePool{group: group, ctx: groupCtx}
}

// Run schedules fn to execute on the pool, keyed by peerKey so that a second
// call for the same peer while one is already in flight joins the first
// rather than starting a redundant handshake.
func (p *HandshakePool) Run(peerKey string, fn func(ctx context.Context) (*Channel, error)) {
	p.group.Go(func() error {
		_, err, _ := p.sf.Do(peerKey, func() (interface{}, error) {
			return fn(p.ctx)
		})
		return err
	})
}

// Wait blocks until every scheduled handshake completes, returning the first
// error encountered (if any).
func (p *HandshakePool) Wait() error {
	return p.group.Wait()
}
