// Package tokend ties the token-group packages together and hosts the
// build-level plumbing shared by embedding applications.
package tokend

import (
	"github.com/btcsuite/btclog"
	"github.com/grouptoken/tokend/groupwallet"
)

// SubLoggerFactory creates a logger for one subsystem. Embedding
// applications supply one bound to their own log writer and level
// configuration.
type SubLoggerFactory func(subsystem string) btclog.Logger

// SetupLoggers initializes the logger of every package that logs, using the
// given factory. Packages stay silent until this is called.
func SetupLoggers(factory SubLoggerFactory) {
	groupwallet.UseLogger(factory(groupwallet.Subsystem))
}

// DisableLoggers returns every package logger to the disabled state.
func DisableLoggers() {
	groupwallet.DisableLog()
}
