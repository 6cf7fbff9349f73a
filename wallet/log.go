package wallet

import (
	"github.com/btcsuite/btclog"
	"github.com/hdvault/walletcore/build"
)

// Subsystem is this package's logging subsystem identifier.
const Subsystem = "WLCR"

var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// UseLogger sets the package-wide logger used by the wallet package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
