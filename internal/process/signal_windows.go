//go:build windows

package process

import "os"

// processTerminateSignal: Windows has no SIGTERM equivalent delivered
// through os.Process.Signal, so the graceful-close window simply elapses
// and escalates straight to Kill.
func processTerminateSignal() os.Signal {
	return os.Kill
}
