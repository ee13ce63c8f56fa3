package persistence

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the subsystem logger, following the same pattern as
// internal/wire.UseLogger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
