package account

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger, following the same
// UseLogger-from-the-parent convention lnd_test.go exercises directly
// (rpcclient.UseLogger(btclog.Disabled)) for every leaf package that
// doesn't own its own log file.
var log = btclog.Disabled

// UseLogger sets the package-wide logger used by Store. Called once from
// the daemon's subsystem-logger init, mirroring lnd's per-package
// UseLogger setters.
func UseLogger(logger btclog.Logger) {
	log = logger
}
