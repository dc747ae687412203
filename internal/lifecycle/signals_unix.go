//go:build !windows

package lifecycle

import (
	"os"
	"syscall"
)

// TerminationSignals includes SIGHUP because the stdio client owns the
// terminal and closing it should release casts.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}
