// Package logctx provides the daemon's component-tagged line logger, in
// the same stdlib-log-wrapping style as ValentinKolb-dKV's dKVLogger
// (github.com/ValentinKolb/dKV/rpc/common): every example repo in this
// corpus logs through the standard library rather than a structured
// logging library, so this core does too.
package logctx

import (
	"log"
	"os"
)

// Prefixed returns a *log.Logger that tags every line with component,
// matching dKVLogger's "%-5s | %-15s | %s" level/name/message layout
// (here reduced to name/message, since level filtering is handled by
// the caller choosing which of Prefixed's methods to call rather than a
// runtime level check).
func Prefixed(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.Ldate|log.Ltime)
}
