package persistence

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"
)

// NewHealthMonitor wraps backend in an lnd healthcheck.Observation that
// periodically calls GetState as a liveness probe, per the DOMAIN STACK
// assignment `lnd/healthcheck → persistence`. A stuck or unreachable backend
// is exactly spec.md §7's "Persistence errors" case — fatal to the router
// loop — so the monitor's failure channel is meant to be wired directly to
// a process-exit handler, not retried silently.
func NewHealthMonitor(backend Backend, interval, timeout time.Duration) *healthcheck.Observation {
	checkFunc := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := backend.GetState(ctx)
		return err
	}

	return healthcheck.NewObservation(
		"persistence-backend",
		checkFunc,
		interval,
		timeout,
		0,
		1,
	)
}
