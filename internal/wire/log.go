package wire

import "github.com/btcsuite/btclog"

// log is the package-level logger used by this subsystem; callers wire in a
// real backend with UseLogger, matching every lnd subsystem's convention.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by internal/wire.
func UseLogger(logger btclog.Logger) {
	log = logger
}
