//go:build !windows

package process

import (
	"os"
	"syscall"
)

// processTerminateSignal returns the signal Close sends after the
// graceful-close window elapses, before escalating to Kill.
func processTerminateSignal() os.Signal {
	return syscall.SIGTERM
}
