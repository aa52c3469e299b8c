//go:build windows

package cmd

import "os"

// gracefulSignals returns the OS signals that trigger a drain-and-shutdown
// of the running server. On Windows only os.Interrupt (CTRL_C_EVENT) is
// reliably delivered; SIGTERM does not exist there.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
